package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.LogLevel != "info" || cfg.LedgerPath != "" || cfg.AgentID != "local-agent" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verifyci.yaml")
	content := "parallel: 2\nledger: /var/lib/verifyci/ledger.jsonl\nlog_level: debug\nkeep_logs: true\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VERIFYCI_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.Int("parallel", 0, "")
	flags.String("log-format", "text", "")
	flags.String("unrelated", "", "")
	if err := flags.Parse([]string{"--parallel=3"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Parallel != 3 {
		t.Errorf("parallel = %d, want flag value 3", cfg.Parallel)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want env value warn", cfg.LogLevel)
	}
	if cfg.LedgerPath != "/var/lib/verifyci/ledger.jsonl" || !cfg.KeepLogs {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log format = %q", cfg.LogFormat)
	}
}

func TestLoad_AgentAddr(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentAddr != ":9090" {
		t.Errorf("default agent addr = %q", cfg.AgentAddr)
	}

	t.Setenv("VERIFYCI_AGENT_ADDR", "127.0.0.1:9191")
	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flags.String("agent-addr", ":9090", "")
	if cfg, err = Load("", flags); err != nil {
		t.Fatal(err)
	}
	if cfg.AgentAddr != "127.0.0.1:9191" {
		t.Errorf("agent addr = %q, want env value", cfg.AgentAddr)
	}

	if err := flags.Parse([]string{"--agent-addr=:7000"}); err != nil {
		t.Fatal(err)
	}
	if cfg, err = Load("", flags); err != nil {
		t.Fatal(err)
	}
	if cfg.AgentAddr != ":7000" {
		t.Errorf("agent addr = %q, want flag value", cfg.AgentAddr)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoad_NegativeParallel(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VERIFYCI_PARALLEL", "-1")
	if _, err := Load("", nil); err == nil {
		t.Error("expected error for negative parallel")
	}
}
