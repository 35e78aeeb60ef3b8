package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VERIFYCI_PARALLEL=2
const EnvPrefix = "VERIFYCI"

// Config is the runtime configuration shared by every command
type Config struct {
	Pipeline   string `mapstructure:"pipeline"`  // pipeline YAML; empty uses the built-in definition
	Parallel   int    `mapstructure:"parallel"`  // overrides max_parallel when > 0
	TempDir    string `mapstructure:"temp_dir"`  // parent of per-stage workspaces
	LogDir     string `mapstructure:"log_dir"`   // stage logs
	KeepLogs   bool   `mapstructure:"keep_logs"` // keep stage logs after reporting
	LedgerPath string `mapstructure:"ledger"`    // empty disables the audit ledger
	KeysDir    string `mapstructure:"keys_dir"`
	AgentURL   string `mapstructure:"agent_url"` // run steps on a remote agent
	AgentID    string `mapstructure:"agent_id"`
	Addr       string `mapstructure:"addr"`       // listen address for serve
	AgentAddr  string `mapstructure:"agent_addr"` // listen address for agent
	Server     string `mapstructure:"server"`     // server URL used by push
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"pipeline":   "",
	"parallel":   0,
	"temp_dir":   "",
	"log_dir":    "./.verifyci/logs",
	"keep_logs":  false,
	"ledger":     "",
	"keys_dir":   "./.verifyci/keys",
	"agent_url":  "",
	"agent_id":   "local-agent",
	"addr":       ":8080",
	"agent_addr": ":9090",
	"server":     "http://localhost:8080",
	"log_level":  "info",
	"log_format": "text",
}

// Load merges defaults, the config file, VERIFYCI_* variables and changed
// flags, in increasing precedence. With an empty path, ./verifyci.yaml is
// read when present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("verifyci")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := defaults[key]; !known || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Parallel < 0 {
		return nil, fmt.Errorf("parallel must not be negative, got %d", cfg.Parallel)
	}
	return &cfg, nil
}
