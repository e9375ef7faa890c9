// Package paths enumerates triangular arbitrage cycles over the verified
// pool graph. Triangular-path generation is not present in the original
// source this engine is modeled on -- the simulator there merely consumes
// precomputed paths -- so this is a fresh collaborator rather than a port.
package paths

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/solidquant/evm-simulation/pkg/pools"
)

// Hop is one leg of an ArbPath: the pool traded through and the direction
// (true = token0 -> token1).
type Hop struct {
	Pool       pools.Pool
	ZeroForOne bool
}

// Path is an ordered sequence of 2 or 3 hops anchored at a target token: the
// path begins and ends at Anchor, and successive hops share the consumed
// output token.
type Path struct {
	Anchor common.Address
	Hops   []Hop
}

// adjacency maps a token to the pools it participates in.
type adjacency map[common.Address][]pools.Pool

func buildAdjacency(universe []pools.Pool) adjacency {
	g := make(adjacency)
	for _, p := range universe {
		g[p.Token0] = append(g[p.Token0], p)
		g[p.Token1] = append(g[p.Token1], p)
	}
	return g
}

// outputToken returns the token a hop produces given the token it consumes.
func outputToken(p pools.Pool, consumed common.Address) (common.Address, bool, bool) {
	switch consumed {
	case p.Token0:
		return p.Token1, true, true
	case p.Token1:
		return p.Token0, false, true
	default:
		return common.Address{}, false, false
	}
}

// Generate enumerates every simple 2-hop and 3-hop cycle anchored at anchor
// over universe, deduplicated by the sequence of pool addresses traversed
// (a cycle and its pool-reversal are distinct paths since direction differs).
func Generate(universe []pools.Pool, anchor common.Address) []Path {
	g := buildAdjacency(universe)

	seen := make(map[string]bool)
	var out []Path

	var dfs func(current common.Address, hops []Hop, usedPools map[common.Address]bool)
	dfs = func(current common.Address, hops []Hop, usedPools map[common.Address]bool) {
		if len(hops) >= 2 {
			if current == anchor {
				key := pathKey(hops)
				if !seen[key] {
					seen[key] = true
					cp := make([]Hop, len(hops))
					copy(cp, hops)
					out = append(out, Path{Anchor: anchor, Hops: cp})
				}
			}
		}
		if len(hops) == 3 {
			return
		}
		for _, p := range g[current] {
			if usedPools[p.Address] {
				continue
			}
			out_, zeroForOne, ok := outputToken(p, current)
			if !ok {
				continue
			}
			if len(hops) == 2 && out_ != anchor {
				continue // third hop must close the cycle
			}
			usedPools[p.Address] = true
			dfs(out_, append(hops, Hop{Pool: p, ZeroForOne: zeroForOne}), usedPools)
			delete(usedPools, p.Address)
		}
	}

	dfs(anchor, nil, make(map[common.Address]bool))
	return out
}

func pathKey(hops []Hop) string {
	b := make([]byte, 0, len(hops)*21)
	for _, h := range hops {
		b = append(b, h.Pool.Address.Bytes()...)
		if h.ZeroForOne {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return string(b)
}
