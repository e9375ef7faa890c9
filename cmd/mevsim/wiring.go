package main

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/solidquant/evm-simulation/pkg/arbitrage"
	"github.com/solidquant/evm-simulation/pkg/cache"
	"github.com/solidquant/evm-simulation/pkg/config"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/honeypot"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/paths"
	"github.com/solidquant/evm-simulation/pkg/pools"
	"github.com/solidquant/evm-simulation/pkg/provider"
	"github.com/solidquant/evm-simulation/pkg/sandwich"
	"github.com/solidquant/evm-simulation/pkg/slotinfer"
	"github.com/solidquant/evm-simulation/pkg/tokens"
)

// ethclientFilterer adapts go-ethereum's ethclient.Client to pools'
// unexported logFilterer interface -- Go's structural typing lets a type
// from another package satisfy it as long as the method set matches.
type ethclientFilterer struct{ c *ethclient.Client }

func (f ethclientFilterer) FilterLogs(ctx context.Context, q pools.FilterQuery) ([]types.Log, error) {
	ethQ := ethereumFilterQuery(q)
	return f.c.FilterLogs(ctx, ethQ)
}

// bootstrap builds the harness, resolves the safe-token corpus, crawls the
// pool universe, runs one honeypot filter pass, and returns a sandwich
// classifier ready to evaluate pending transactions. This is the
// once-at-startup setup the spec treats as bootstrapping before the event
// loop begins streaming.
type bootstrapped struct {
	backend    *harness.ForkBackend
	harness    *harness.Harness
	store      *cache.Store
	safeTokens []honeypot.SafeToken
	verified   []pools.Pool
	classifier *sandwich.Classifier
	arbPaths   []paths.Path
	arbSim     *arbitrage.Simulator
}

func bootstrap(ctx context.Context, cfg *config.Config, p *provider.RPCProvider, rawClient *ethclient.Client, dataDir string) (*bootstrapped, error) {
	l := log.Default().Module("bootstrap")

	head, err := p.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	backend := harness.NewForkBackend(p, head, 256*1024*1024)
	h := harness.New(ctx, backend, harness.BlockEnv{
		Number:   head + 1,
		GasLimit: harness.DefaultGasLimit,
		BaseFee:  big.NewInt(0),
	})

	store, err := cache.Load(dataDir)
	if err != nil {
		return nil, err
	}

	resolver := tokens.NewResolver(h, p, head)
	inferrer := slotinfer.NewInferrer(p, head)

	safeTokens := make([]honeypot.SafeToken, 0, len(cfg.SafeTokens))
	for _, addr := range cfg.SafeTokens {
		tok, err := resolver.Resolve(ctx, addr)
		if err != nil {
			l.Warn("safe token metadata resolution failed", "addr", addr, "err", err)
			continue
		}
		slot, err := inferrer.BalanceSlot(ctx, addr, harness.SimulatorAddress)
		if err != nil {
			l.Warn("safe token balance slot inference failed", "addr", addr, "err", err)
			continue
		}
		safeTokens = append(safeTokens, honeypot.SafeToken{Token: tok, SlotIndex: slot})
	}

	crawler := pools.NewCrawler(p, cfg.Factories)
	universe, err := crawler.Crawl(ctx, ethclientFilterer{c: rawClient}, head)
	if err != nil {
		return nil, err
	}

	filter := honeypot.NewFilter(h, resolver, store, safeTokens)
	var verified []pools.Pool
	for _, pool := range universe {
		if _, ok := pool.HasSafeLeg(cfg.SafeTokens); !ok {
			continue
		}
		verdict, err := filter.ClassifyPool(ctx, pool)
		if err != nil {
			l.Warn("honeypot classification failed", "pool", pool.Address, "err", err)
			continue
		}
		if verdict != nil && !verdict.Honeypot {
			verified = append(verified, pool)
		}
	}
	l.Info("bootstrap complete", "pools_scanned", len(universe), "pools_verified", len(verified))

	classifier := sandwich.NewClassifier(p, verified, safeTokens)

	var arbPaths []paths.Path
	for _, st := range safeTokens {
		arbPaths = append(arbPaths, paths.Generate(verified, st.Token.Address)...)
	}
	l.Info("arbitrage path generation complete", "anchors", len(safeTokens), "paths", len(arbPaths))

	return &bootstrapped{
		backend:    backend,
		harness:    h,
		store:      store,
		safeTokens: safeTokens,
		verified:   verified,
		classifier: classifier,
		arbPaths:   arbPaths,
		arbSim:     arbitrage.NewSimulator(),
	}, nil
}

func ethereumFilterQuery(q pools.FilterQuery) ethereum.FilterQuery {
	topics := make([][]common.Hash, len(q.Topics))
	copy(topics, q.Topics)
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: q.Addresses,
		Topics:    topics,
	}
}
