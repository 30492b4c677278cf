package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noConfigFile points BITCHAN_CONFIG at a missing file so the host's
// /etc/bitchan.yaml cannot leak into tests.
func noConfigFile(t *testing.T) {
	t.Helper()
	t.Setenv("BITCHAN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bitchan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	noConfigFile(t)
	t.Setenv("TCP_PORT", "")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8444, cfg.TCPPort)
	assert.Equal(t, "0.0.0.0:18444", cfg.WSAddr())
	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Nil(t, cfg.TrustedPeer)
	assert.Equal(t, 8, cfg.OutgoingLimit())
	assert.Len(t, cfg.TCPSeeds, 9)
	assert.Equal(t, Seed{Host: "5.45.99.75", Port: 8444, Stream: 1}, cfg.TCPSeeds[0])
	assert.Len(t, cfg.DNSSeeds, 2)
}

func TestLoad_TrustedPeerForcesSingleOutgoing(t *testing.T) {
	noConfigFile(t)
	t.Setenv("TCP_TRUSTED_PEER", "127.0.0.1:8444")
	cfg, err := Load([]string{"-ws-port", "0"})
	require.NoError(t, err)
	require.NotNil(t, cfg.TrustedPeer)
	assert.Equal(t, "127.0.0.1:8444", cfg.TrustedPeer.String())
	assert.Equal(t, 1, cfg.OutgoingLimit())
	assert.Empty(t, cfg.WSAddr())
}

func TestParseSeeds_Streams(t *testing.T) {
	seeds, err := parseSeeds("1.2.3.4:8444, 1.2.3.5:8445:2 ,[2001:db8::1]:8444:3,[2001:db8::2]:8444")
	require.NoError(t, err)
	assert.Equal(t, []Seed{
		{Host: "1.2.3.4", Port: 8444, Stream: 1},
		{Host: "1.2.3.5", Port: 8445, Stream: 2},
		{Host: "2001:db8::1", Port: 8444, Stream: 3},
		{Host: "2001:db8::2", Port: 8444, Stream: 1},
	}, seeds)

	_, err = parseSeeds("1.2.3.4")
	assert.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	noConfigFile(t)
	_, err := Load([]string{"-storage", "pg"})
	assert.Error(t, err)
	_, err = Load([]string{"-tcp-port", "70000"})
	assert.Error(t, err)
	_, err = Load([]string{"-trusted-peer", "nohost"})
	assert.Error(t, err)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
tcp-port: 9444
ws-port: 0
storage-backend: memory
tcp-seeds:
  - 10.0.0.1:8444
  - 10.0.0.2:8444:2
log-format: json
`)
	for _, args := range [][]string{{"-c", path}, {"--config=" + path}} {
		cfg, err := Load(args)
		require.NoError(t, err)
		assert.Equal(t, 9444, cfg.TCPPort)
		assert.Empty(t, cfg.WSAddr(), "ws-port 0 in the file disables websocket")
		assert.Equal(t, "memory", cfg.Storage)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, []Seed{{Host: "10.0.0.1", Port: 8444, Stream: 1}, {Host: "10.0.0.2", Port: 8444, Stream: 2}}, cfg.TCPSeeds)
		assert.Equal(t, "0.0.0.0", cfg.TCPHost, "unset keys keep built-in defaults")
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, "tcp-port: 9444\nstorage-backend: memory\nsqlite-db-path: /tmp/file.db\n")
	t.Setenv("BITCHAN_CONFIG", path)
	t.Setenv("TCP_PORT", "9555")

	cfg, err := Load([]string{"-storage", "sqlite"})
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.TCPPort, "environment beats file")
	assert.Equal(t, "sqlite", cfg.Storage, "flag beats file")
	assert.Equal(t, "/tmp/file.db", cfg.SQLitePath)
}

func TestLoad_YAMLErrors(t *testing.T) {
	_, err := Load([]string{"-c", writeConfig(t, "tcp-prot: 1\n")})
	assert.ErrorContains(t, err, "tcp-prot", "unknown keys are rejected")

	_, err = Load([]string{"-c", writeConfig(t, "tcp-port: [\n")})
	assert.Error(t, err)

	cfg, err := Load([]string{"-c", writeConfig(t, "")})
	require.NoError(t, err)
	assert.Equal(t, 8444, cfg.TCPPort)
}
