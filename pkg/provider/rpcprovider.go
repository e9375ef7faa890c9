package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/solidquant/evm-simulation/pkg/log"
)

// RPCProvider implements Provider against a live websocket endpoint using
// go-ethereum's own ethclient for the standard methods and a raw rpc.Client
// for debug_traceCall, which ethclient does not expose.
type RPCProvider struct {
	raw *rpc.Client
	eth *ethclient.Client
	log *log.Logger
}

// Dial connects to wssURL and returns a ready-to-use RPCProvider.
func Dial(ctx context.Context, wssURL string) (*RPCProvider, error) {
	raw, err := rpc.DialContext(ctx, wssURL)
	if err != nil {
		return nil, fmt.Errorf("provider: dial %s: %w", wssURL, err)
	}
	return &RPCProvider{
		raw: raw,
		eth: ethclient.NewClient(raw),
		log: log.Default().Module("provider"),
	}, nil
}

func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.eth.BlockNumber(ctx)
}

func (p *RPCProvider) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return p.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.eth.ChainID(ctx)
}

func (p *RPCProvider) BalanceAt(ctx context.Context, addr common.Address, blockNumber uint64) (*big.Int, error) {
	return p.eth.BalanceAt(ctx, addr, new(big.Int).SetUint64(blockNumber))
}

func (p *RPCProvider) CodeAt(ctx context.Context, addr common.Address, blockNumber uint64) ([]byte, error) {
	return p.eth.CodeAt(ctx, addr, new(big.Int).SetUint64(blockNumber))
}

func (p *RPCProvider) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error) {
	raw, err := p.eth.StorageAt(ctx, addr, slot, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(raw), nil
}

func (p *RPCProvider) NonceAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error) {
	return p.eth.NonceAt(ctx, addr, new(big.Int).SetUint64(blockNumber))
}

type rpcCallMsg struct {
	From  common.Address  `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Gas   hexutil.Uint64  `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

type prestateTracerConfig struct {
	Tracer        string             `json:"tracer"`
	TracerConfig  prestateSubConfig  `json:"tracerConfig"`
}

type prestateSubConfig struct {
	DiffMode bool `json:"diffMode"`
}

type rawAccountState struct {
	Balance *hexutil.Big               `json:"balance"`
	Nonce   hexutil.Uint64             `json:"nonce"`
	Code    hexutil.Bytes              `json:"code"`
	Storage map[common.Hash]common.Hash `json:"storage"`
}

type rawPrestateResult struct {
	Pre  map[common.Address]rawAccountState `json:"pre"`
	Post map[common.Address]rawAccountState `json:"post"`
}

func (p *RPCProvider) TraceCallPrestate(ctx context.Context, call CallMsg, blockNumber uint64, diff bool) (PrestateTrace, error) {
	msg := rpcCallMsg{From: call.From, To: call.To, Data: call.Data}
	if call.Gas != 0 {
		msg.Gas = hexutil.Uint64(call.Gas)
	}
	if call.Value != nil {
		msg.Value = (*hexutil.Big)(call.Value)
	}

	cfg := prestateTracerConfig{Tracer: "prestateTracer", TracerConfig: prestateSubConfig{DiffMode: diff}}
	blockParam := hexutil.EncodeUint64(blockNumber)

	var raw json.RawMessage
	if err := p.raw.CallContext(ctx, &raw, "debug_traceCall", msg, blockParam, cfg); err != nil {
		return PrestateTrace{}, fmt.Errorf("provider: debug_traceCall: %w", err)
	}

	var result rawPrestateResult
	if !diff {
		// default mode: the tracer returns just the pre map at top level.
		if err := json.Unmarshal(raw, &result.Pre); err != nil {
			p.log.Warn("malformed prestate trace", "err", err)
			return PrestateTrace{}, fmt.Errorf("provider: malformed prestate trace: %w", err)
		}
	} else if err := json.Unmarshal(raw, &result); err != nil {
		p.log.Warn("malformed prestate diff trace", "err", err)
		return PrestateTrace{}, fmt.Errorf("provider: malformed prestate diff trace: %w", err)
	}

	return PrestateTrace{
		Pre:  convertAccounts(result.Pre),
		Post: convertAccounts(result.Post),
	}, nil
}

func convertAccounts(raw map[common.Address]rawAccountState) map[common.Address]AccountState {
	out := make(map[common.Address]AccountState, len(raw))
	for addr, a := range raw {
		bal := big.NewInt(0)
		if a.Balance != nil {
			bal = (*big.Int)(a.Balance)
		}
		out[addr] = AccountState{
			Balance: bal,
			Nonce:   uint64(a.Nonce),
			Code:    a.Code,
			Storage: a.Storage,
		}
	}
	return out
}

type headSubscription struct{ sub *rpc.ClientSubscription }

func (s headSubscription) Unsubscribe()        { s.sub.Unsubscribe() }
func (s headSubscription) Err() <-chan error   { return s.sub.Err() }

func (p *RPCProvider) SubscribeNewHeads(ctx context.Context) (<-chan *types.Header, Subscription, error) {
	ch := make(chan *types.Header, 16)
	sub, err := p.eth.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: subscribe newHeads: %w", err)
	}
	return ch, headSubscription{sub}, nil
}

func (p *RPCProvider) SubscribePendingTransactions(ctx context.Context) (<-chan *types.Transaction, Subscription, error) {
	ch := make(chan common.Hash, 256)
	sub, err := p.raw.Subscribe(ctx, "eth", ch, "newPendingTransactions")
	if err != nil {
		return nil, nil, fmt.Errorf("provider: subscribe newPendingTransactions: %w", err)
	}

	out := make(chan *types.Transaction, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					p.log.Warn("pending tx subscription error", "err", err)
				}
				return
			case h, ok := <-ch:
				if !ok {
					return
				}
				tx, _, err := p.eth.TransactionByHash(ctx, h)
				if err != nil {
					continue
				}
				select {
				case out <- tx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, headSubscription{sub}, nil
}
