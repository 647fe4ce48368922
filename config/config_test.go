package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	factoryHex  = "0x00000000000000000000000000000000000000fa"
	routerHex   = "0x00000000000000000000000000000000000000f0"
	treasuryHex = "0x00000000000000000000000000000000000000dd"
)

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		Database: DatabaseConfig{Path: "test.db"},
		Chain: ChainConfig{
			RPCURL:        "http://127.0.0.1:8545",
			Factory:       factoryHex,
			Router:        routerHex,
			Treasury:      treasuryHex,
			PrivateKeyEnv: "TEST_KEY",
		},
		Routing: RoutingConfig{BalanceConcurrency: 4},
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPOSITROUTER_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", c.Server.Host)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "depositrouter.db", c.Database.Path)
	assert.Equal(t, "http://127.0.0.1:8545", c.Chain.RPCURL)
	assert.Equal(t, "DEPOSITROUTER_PRIVATE_KEY", c.Chain.PrivateKeyEnv)
	assert.Equal(t, 8, c.Routing.BalanceConcurrency)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 9090

[database]
path = "/var/lib/depositrouter/deposits.db"

[chain]
rpc_url = "https://rpc.example.org"
factory = "` + factoryHex + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("DEPOSITROUTER_CONFIG", path)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "/var/lib/depositrouter/deposits.db", c.Database.Path)
	assert.Equal(t, "https://rpc.example.org", c.Chain.RPCURL)
	assert.Equal(t, factoryHex, c.Chain.Factory)
	// untouched keys keep defaults
	assert.Equal(t, "0.0.0.0", c.Server.Host)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DEPOSITROUTER_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("DEPOSITROUTER_CHAIN_RPC_URL", "wss://node.internal:8546")
	t.Setenv("DEPOSITROUTER_SERVER_PORT", "3000")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://node.internal:8546", c.Chain.RPCURL)
	assert.Equal(t, 3000, c.Server.Port)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	bad := validConfig()
	bad.Chain.Factory = "not-an-address"
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Chain.Treasury = ""
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Server.Port = 0
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Routing.BalanceConcurrency = 0
	assert.Error(t, bad.Validate())

	bad = validConfig()
	bad.Chain.InitCodeHash = "0x1234"
	assert.Error(t, bad.Validate())
}

func TestPrivateKeyFromEnv(t *testing.T) {
	c := validConfig().Chain

	t.Setenv("TEST_KEY", "0xabcdef0123456789")
	key, err := c.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789", key, "0x prefix stripped")

	t.Setenv("TEST_KEY", "")
	_, err = c.PrivateKey()
	assert.Error(t, err)
}

func TestAddressAccessors(t *testing.T) {
	c := validConfig().Chain

	f, err := c.FactoryAddress()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(factoryHex), f)

	r, err := c.RouterAddress()
	require.NoError(t, err)
	assert.NotEqual(t, f, r)
}
