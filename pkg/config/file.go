package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when neither -c nor BITCHAN_CONFIG names a file.
const DefaultConfigPath = "/etc/bitchan.yaml"

// fileConfig is the YAML config file. Keys follow the flag names; values sit
// between the built-in defaults and the environment in precedence.
type fileConfig struct {
	TCPHost        string   `yaml:"tcp-host"`
	TCPPort        *int     `yaml:"tcp-port"`
	WSHost         string   `yaml:"ws-host"`
	WSPort         *int     `yaml:"ws-port"`
	TrustedPeer    string   `yaml:"trusted-peer"`
	TCPSeeds       []string `yaml:"tcp-seeds"`
	DNSSeeds       []string `yaml:"dns-seeds"`
	DNSServer      string   `yaml:"dns-server"`
	ConsulAddr     string   `yaml:"consul-addr"`
	ConsulService  string   `yaml:"consul-service"`
	StorageBackend string   `yaml:"storage-backend"`
	SQLiteDBPath   string   `yaml:"sqlite-db-path"`
	MySQLDSN       string   `yaml:"mysql-dsn"`
	MetricsAddr    string   `yaml:"metrics-addr"`
	LogLevel       string   `yaml:"log-level"`
	LogFormat      string   `yaml:"log-format"`
}

// loadFile reads path. A missing file is not an error.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// configPath finds -c/-config in args before the flag set is built, falling
// back to BITCHAN_CONFIG and DefaultConfigPath.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "c" && name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return getenv("BITCHAN_CONFIG", DefaultConfigPath)
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func orList(v []string, def string) string {
	if len(v) > 0 {
		return strings.Join(v, ",")
	}
	return def
}
