// verifyci runs the push verification pipeline: format check, documentation
// build, lint check and tests, as independent stages.
//
// Usage:
//
//	verifyci run [dir] [--only fmt,test] [--format table|markdown|json]
//	verifyci serve [--addr :8080]
//	verifyci agent [--agent-addr :9090]
//	verifyci push [dir] --ref refs/heads/main [--wait]
//	verifyci ledger <verify|inspect>
//	verifyci pipeline <show|validate|submit>
//	verifyci keys generate
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"verifyci/internal/config"
	"verifyci/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
}

// cfg is loaded before any subcommand runs
var cfg *config.Config

// errFailed is returned when the verification ran but did not pass
var errFailed = errors.New("verification failed")

var rootCmd = &cobra.Command{
	Use:   "verifyci",
	Short: "Push verification pipeline: format, docs, lint and tests",
	Long: `verifyci checks a pushed revision with four independent stages:
format check, documentation build, lint check and test run.
The revision passes only when every stage passes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "", "Config file (default ./verifyci.yaml when present)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("ledger", "", "Audit ledger file; empty disables the ledger")
	pf.String("keys-dir", "./.verifyci/keys", "Directory holding the ledger signing keys")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.Version = version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(rootFlags.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(level, c.LogFormat, cmd.ErrOrStderr())
	cfg = c
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
