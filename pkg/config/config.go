// Package config loads runtime configuration for the simulation engine from
// the environment and, optionally, a YAML/TOML file. Defaults reproduce the
// historical compile-time constants (safe-token set, honeypot threshold,
// factory addresses) so that an unconfigured run behaves identically.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// FactoryConfig identifies a pool-discovery factory and the block it was
// deployed at, so the crawler knows where to start scanning PairCreated logs.
type FactoryConfig struct {
	Address      common.Address
	StartBlock   uint64
	VariantLabel string
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	WSSURL string

	SafeTokens    []common.Address
	HoneypotTaxBP int64 // basis points; 1000 == 10%

	WETHSwapNotional   float64 // in WETH units
	StableSwapNotional float64 // in USDT/USDC/DAI units

	Factories []FactoryConfig

	SimulatorAddress common.Address

	LogLevel string
	LogFile  string
}

// defaultSafeTokens mirrors the original engine's hardcoded corpus:
// WETH, USDT, USDC, DAI on mainnet.
var defaultSafeTokens = []string{
	"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
	"0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT
	"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
	"0x6B175474E89094C44Da98b954EedeAC495271d0F", // DAI
}

var defaultFactories = []FactoryConfig{
	{Address: common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"), StartBlock: 10000835, VariantLabel: "uniswap-v2"},
	{Address: common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"), StartBlock: 10794229, VariantLabel: "sushiswap-v2"},
}

// simulatorAddress is the fixed account every harness acts as when seeding
// balances and driving simulated swaps. Kept in config (rather than only as
// harness.SimulatorAddress) so it is visible alongside the rest of the
// engine's policy constants.
var simulatorAddress = common.HexToAddress("0x4E17607Fb72C01C280d7b5c41Ba9A2109D74a32C")

// Load reads WSS_URL (required) from the environment and layers an optional
// config file (path taken from MEVSIM_CONFIG) on top of the defaults above.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mevsim")
	v.AutomaticEnv()
	v.BindEnv("wss_url", "WSS_URL")

	v.SetDefault("honeypot_tax_bp", 1000)
	v.SetDefault("weth_swap_notional", 0.1)
	v.SetDefault("stable_swap_notional", 10000.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("safe_tokens", defaultSafeTokens)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	wssURL := v.GetString("wss_url")
	if wssURL == "" {
		return nil, fmt.Errorf("config: WSS_URL is required")
	}

	safeTokenStrs := v.GetStringSlice("safe_tokens")
	safeTokens := make([]common.Address, 0, len(safeTokenStrs))
	for _, s := range safeTokenStrs {
		if !common.IsHexAddress(strings.TrimSpace(s)) {
			return nil, fmt.Errorf("config: invalid safe token address %q", s)
		}
		safeTokens = append(safeTokens, common.HexToAddress(s))
	}

	factories := defaultFactories
	if v.IsSet("factories") {
		var raw []struct {
			Address    string `mapstructure:"address"`
			StartBlock uint64 `mapstructure:"start_block"`
			Variant    string `mapstructure:"variant"`
		}
		if err := v.UnmarshalKey("factories", &raw); err != nil {
			return nil, fmt.Errorf("config: factories: %w", err)
		}
		factories = make([]FactoryConfig, 0, len(raw))
		for _, f := range raw {
			if !common.IsHexAddress(f.Address) {
				return nil, fmt.Errorf("config: invalid factory address %q", f.Address)
			}
			factories = append(factories, FactoryConfig{
				Address:      common.HexToAddress(f.Address),
				StartBlock:   f.StartBlock,
				VariantLabel: f.Variant,
			})
		}
	}

	return &Config{
		WSSURL:             wssURL,
		SafeTokens:         safeTokens,
		HoneypotTaxBP:      v.GetInt64("honeypot_tax_bp"),
		WETHSwapNotional:   v.GetFloat64("weth_swap_notional"),
		StableSwapNotional: v.GetFloat64("stable_swap_notional"),
		Factories:          factories,
		SimulatorAddress:   simulatorAddress,
		LogLevel:           v.GetString("log_level"),
		LogFile:            v.GetString("log_file"),
	}, nil
}
