package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"verifyci/internal/agent"
	"verifyci/internal/core"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run steps on behalf of a remote runner",
	Long: `Starts an agent that executes step commands sent to POST /run.
The agent must see the checkout at the same path as the runner.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("agent-addr", ":9090", "Listen address")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	a := agent.New(core.NewExecutor())
	srv := &http.Server{
		Addr:              cfg.AgentAddr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listenUntilDone(cmd.Context(), srv, "agent", nil)
}
