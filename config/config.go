package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/radhat/depositrouter/create2"
)

// Config holds service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Routing  RoutingConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// ChainConfig holds RPC endpoint and contract addresses. The signer key is
// never stored in the config file; PrivateKeyEnv names the environment
// variable that carries it.
type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	Factory       string
	Router        string
	Treasury      string
	InitCodeHash  string `mapstructure:"init_code_hash"`
	PrivateKeyEnv string `mapstructure:"private_key_env"`
}

// RoutingConfig holds cycle tuning knobs.
type RoutingConfig struct {
	BalanceConcurrency int `mapstructure:"balance_concurrency"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// DEPOSITROUTER_, e.g. DEPOSITROUTER_CHAIN_RPC_URL.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "depositrouter.db")
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.factory", "")
	v.SetDefault("chain.router", "")
	v.SetDefault("chain.treasury", "")
	v.SetDefault("chain.init_code_hash", "")
	v.SetDefault("chain.private_key_env", "DEPOSITROUTER_PRIVATE_KEY")
	v.SetDefault("routing.balance_concurrency", 8)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("DEPOSITROUTER_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("depositrouter")
	}

	v.SetEnvPrefix("DEPOSITROUTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// config file is optional; env and defaults may be enough
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// FactoryAddress parses the configured factory address.
func (c ChainConfig) FactoryAddress() (common.Address, error) {
	addr, err := create2.ParseAddress(c.Factory)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain.factory: %w", err)
	}
	return addr, nil
}

// RouterAddress parses the configured router address.
func (c ChainConfig) RouterAddress() (common.Address, error) {
	addr, err := create2.ParseAddress(c.Router)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain.router: %w", err)
	}
	return addr, nil
}

// TreasuryAddress parses the configured treasury address.
func (c ChainConfig) TreasuryAddress() (common.Address, error) {
	addr, err := create2.ParseAddress(c.Treasury)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain.treasury: %w", err)
	}
	return addr, nil
}

// PrivateKey reads the signer key from the configured environment variable.
func (c ChainConfig) PrivateKey() (string, error) {
	key := os.Getenv(c.PrivateKeyEnv)
	if key == "" {
		return "", fmt.Errorf("signer key not set: export %s", c.PrivateKeyEnv)
	}
	return strings.TrimPrefix(key, "0x"), nil
}

// Validate checks that the loaded configuration is usable.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url must not be empty")
	}
	if _, err := c.Chain.FactoryAddress(); err != nil {
		return err
	}
	if _, err := c.Chain.RouterAddress(); err != nil {
		return err
	}
	if _, err := c.Chain.TreasuryAddress(); err != nil {
		return err
	}
	if c.Chain.InitCodeHash != "" {
		if _, err := create2.ParseSalt(c.Chain.InitCodeHash); err != nil {
			return fmt.Errorf("chain.init_code_hash: %w", err)
		}
	}
	if c.Routing.BalanceConcurrency < 1 {
		return fmt.Errorf("routing.balance_concurrency must be at least 1")
	}
	return nil
}
