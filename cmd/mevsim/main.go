// Command mevsim runs the off-chain MEV opportunity discovery engine: it
// streams new blocks and pending transactions from a remote node, filters
// the pool universe for honeypot tokens, and classifies pending transactions
// for sandwich and triangular-arbitrage opportunities.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/solidquant/evm-simulation/pkg/config"
	"github.com/solidquant/evm-simulation/pkg/events"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/provider"
	"github.com/solidquant/evm-simulation/pkg/sandwich"
)

func main() {
	os.Exit(run(os.Args))
}

// run is the testable entry point: it never calls os.Exit itself, returning
// a process exit code instead.
func run(args []string) int {
	app := &cli.App{
		Name:  "mevsim",
		Usage: "off-chain MEV opportunity discovery engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wss-url", EnvVars: []string{"WSS_URL"}, Usage: "websocket RPC endpoint"},
			&cli.StringFlag{Name: "config", EnvVars: []string{"MEVSIM_CONFIG"}, Usage: "optional config file overriding defaults"},
			&cli.StringFlag{Name: "verbosity", Value: "info", Usage: "log level: debug, info, warn, error"},
		},
		Action: func(cctx *cli.Context) error {
			return runEngine(cctx)
		},
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, "mevsim:", err)
		return 1
	}
	return 0
}

func runEngine(cctx *cli.Context) error {
	if v := cctx.String("wss-url"); v != "" {
		os.Setenv("WSS_URL", v)
	}
	if v := cctx.String("config"); v != "" {
		os.Setenv("MEVSIM_CONFIG", v)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level := parseLevel(cctx.String("verbosity"))
	var logger *log.Logger
	if cfg.LogFile != "" {
		logger = log.NewWithRotation(cfg.LogFile, level)
	} else {
		logger = log.New(level)
	}
	log.SetDefault(logger)
	l := logger.Module("mevsim")

	l.Info("starting mevsim", "wss_url", cfg.WSSURL, "safe_tokens", len(cfg.SafeTokens), "factories", len(cfg.Factories))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Info("shutdown signal received")
		cancel()
	}()

	p, err := provider.Dial(ctx, cfg.WSSURL)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	rawClient, err := ethclient.DialContext(ctx, cfg.WSSURL)
	if err != nil {
		return fmt.Errorf("ethclient: %w", err)
	}

	dataDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	boot, err := bootstrap(ctx, cfg, p, rawClient, dataDir)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	l.Info("bootstrap finished", "verified_pools", len(boot.verified), "arb_paths", len(boot.arbPaths))

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	signer := types.LatestSignerForChainID(chainID)

	anchorDecimals := make(map[common.Address]uint8, len(boot.safeTokens))
	for _, st := range boot.safeTokens {
		anchorDecimals[st.Token.Address] = st.Token.Decimals
	}

	bus := events.NewBus()

	headCh, headSub, err := p.SubscribeNewHeads(ctx)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	pendingCh, pendingSub, err := p.SubscribePendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("subscribe pending txs: %w", err)
	}
	defer pendingSub.Unsubscribe()

	l.Info("engine running, awaiting chain events")

	for {
		select {
		case <-ctx.Done():
			l.Info("engine stopped")
			return nil
		case h, ok := <-headCh:
			if !ok {
				return nil
			}
			baseFee := h.BaseFee
			if baseFee == nil {
				baseFee = big.NewInt(0)
			}
			bus.PublishNewBlock(h.Number.Uint64(), baseFee, h.GasUsed, h.GasLimit)

			block, _ := bus.CurrentBlock()
			seed := boot.harness.Snapshot()
			for _, path := range boot.arbPaths {
				decimals := anchorDecimals[path.Anchor]
				amountIn := scaleByDecimals(big.NewInt(1), decimals)

				estimate, err := boot.arbSim.EstimateProfit(ctx, boot.harness, path, amountIn)
				if err != nil {
					l.Debug("arbitrage path estimate failed", "anchor", path.Anchor, "err", err)
					continue
				}
				if estimate.Sign() <= 0 {
					continue // not close to profitable at current reserves, skip the full EVM simulation
				}

				res, err := boot.arbSim.SimulatePath(ctx, boot.harness, seed, path, amountIn, decimals)
				if err != nil {
					l.Debug("arbitrage path simulation failed", "anchor", path.Anchor, "err", err)
					continue
				}
				if res.ProfitUnits.Sign() > 0 {
					l.Info("profitable arbitrage path", "anchor", path.Anchor, "block", block.Number, "profit_units", res.ProfitUnits)
				}
			}
			boot.harness.Inject(seed)
		case tx, ok := <-pendingCh:
			if !ok {
				return nil
			}
			bus.PublishPendingTx(tx)

			block, epoch := bus.CurrentBlock()
			if !sandwich.BaseFeeGate(tx, new(big.Int).SetUint64(block.NextBaseFee)) {
				continue
			}
			from, err := types.Sender(signer, tx)
			if err != nil {
				l.Debug("sender recovery failed", "tx", tx.Hash(), "err", err)
				continue
			}
			cands, err := boot.classifier.Classify(ctx, tx, from, epoch)
			if err != nil {
				l.Debug("sandwich classification failed", "tx", tx.Hash(), "err", err)
				continue
			}
			for _, cand := range cands {
				result, err := boot.classifier.SimulateBundle(ctx, boot.harness, cand, from)
				if err != nil {
					l.Debug("bundle simulation failed", "tx", tx.Hash(), "pool", cand.Pool.Address, "err", err)
					continue
				}
				if result.Profitable {
					l.Info("profitable sandwich candidate", "tx", tx.Hash(), "pool", cand.Pool.Address, "profit_units", result.ProfitUnits)
				}
			}
		}
	}
}

func scaleByDecimals(units *big.Int, decimals uint8) *big.Int {
	return new(big.Int).Mul(units, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
