package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"verifyci/internal/agent"
	"verifyci/internal/core"
	"verifyci/internal/ledger"
	"verifyci/internal/logging"
	"verifyci/internal/security"
	"verifyci/internal/storage"
)

// newRunner builds a runner from the loaded configuration
func newRunner(out io.Writer) (*core.Runner, error) {
	r := core.NewRunner()
	r.Out = out
	r.Scheduler.MaxParallel = cfg.Parallel
	r.TempDir = cfg.TempDir
	r.AgentID = cfg.AgentID
	if cfg.LogDir != "" {
		r.LogStorage = storage.NewLogStorage(cfg.LogDir)
	}
	if cfg.AgentURL != "" {
		r.Executor = agent.NewClient(cfg.AgentURL)
	}

	l, err := openLedger(true)
	if err != nil {
		return nil, err
	}
	r.Ledger = l
	return r, nil
}

// openLedger opens the configured ledger, or returns nil when none is configured.
// With sign, the signing keys are loaded from the keys dir or generated there.
func openLedger(sign bool) (*ledger.Ledger, error) {
	if cfg.LedgerPath == "" {
		return nil, nil
	}
	var keys *security.KeyPair
	if sign {
		kp, created, err := security.EnsureKeyPair(cfg.KeysDir)
		if err != nil {
			return nil, fmt.Errorf("ledger keys: %w", err)
		}
		if created {
			logging.New("keys").Info("generated ledger signing keys", "dir", cfg.KeysDir)
		}
		keys = kp
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
		return nil, err
	}
	l, err := ledger.OpenLedger(cfg.LedgerPath, keys)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.LedgerPath, err)
	}
	return l, nil
}

func argDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
