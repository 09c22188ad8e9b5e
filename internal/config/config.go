package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Redis    Redis
	Gate     Gate
	Signer   Signer
	Networks map[string]Network
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// Gate points at the external subscription/quota service. An empty URL
// disables the gate (every request is allowed).
type Gate struct {
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int64  `mapstructure:"timeout_sec"`
}

// Signer holds the facilitator's settlement key. The key only broadcasts
// transactions; it never holds payer funds.
type Signer struct {
	PrivateKey string `mapstructure:"private_key"`
}

// Network is one EVM network the facilitator settles on. Networks are
// declared in the yaml config file under "networks.<name>".
type Network struct {
	ChainID       int64  `mapstructure:"chain_id"`
	RPCURL        string `mapstructure:"rpc_url"`
	EscrowAddress string `mapstructure:"escrow_address"`
	StableAsset   string `mapstructure:"stable_asset"`
	NativeSymbol  string `mapstructure:"native_symbol"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("gate.timeout_sec", 5)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings (networks come from the config file only)
	bindings := map[string]string{
		"server.port":        "PORT",
		"redis.addr":         "REDIS_ADDR",
		"redis.password":     "REDIS_PASSWORD",
		"gate.url":           "GATE_URL",
		"gate.api_key":       "GATE_API_KEY",
		"gate.timeout_sec":   "GATE_TIMEOUT_SEC",
		"signer.private_key": "FACILITATOR_SIGNING_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Signer.PrivateKey == "" {
		return fmt.Errorf("required config missing: FACILITATOR_SIGNING_KEY")
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}
	for name, n := range c.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("network %s: chain_id missing", name)
		}
		if n.RPCURL == "" {
			return fmt.Errorf("network %s: rpc_url missing", name)
		}
		if n.EscrowAddress == "" {
			return fmt.Errorf("network %s: escrow_address missing", name)
		}
	}
	return nil
}
