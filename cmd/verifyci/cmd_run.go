package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"verifyci/internal/core"
	"verifyci/internal/logging"
	"verifyci/internal/report"
)

var runFlags struct {
	only    []string
	format  string
	ref     string
	noColor bool
	tail    int
}

var runCmd = &cobra.Command{
	Use:   "run [dir]",
	Short: "Run the verification pipeline against a checkout",
	Long: `Runs every stage of the pipeline against the checkout in dir (default .)
and prints the aggregate outcome. Exits 1 when any stage fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("pipeline", "", "Pipeline YAML (default: built-in cargo pipeline)")
	f.Int("parallel", 0, "Maximum stages running at once (0: pipeline setting)")
	f.StringSliceVar(&runFlags.only, "only", nil, "Run only these stages, by name or kind")
	f.StringVar(&runFlags.format, "format", "table", "Report format: table, markdown or json")
	f.StringVar(&runFlags.ref, "ref", "", "Ref being verified (default: current branch)")
	f.BoolVar(&runFlags.noColor, "no-color", false, "Disable coloured status labels")
	f.IntVar(&runFlags.tail, "tail", 20, "Output lines shown per failed stage")
	f.Bool("keep-logs", false, "Keep stage logs after reporting")
	f.String("log-dir", "./.verifyci/logs", "Directory for stage logs")
	f.String("temp-dir", "", "Parent directory of per-stage workspaces")
	f.String("agent-url", "", "Run steps on the agent at this URL")
	f.String("agent-id", "local-agent", "Executor identity recorded in the ledger")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(runFlags.format)
	if err != nil {
		return err
	}
	p, err := core.LoadPipeline(cfg.Pipeline)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var progress io.Writer = out
	if format == report.JSON {
		progress = cmd.ErrOrStderr()
	}
	runner, err := newRunner(progress)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := core.OpenCheckout(ctx, argDir(args), runFlags.ref, runner.Submodules)
	if err != nil {
		return err
	}

	outcome, err := runner.RunPipeline(ctx, p, c, core.WithStages(runFlags.only...))
	if err != nil {
		return err
	}

	opts := report.Options{Color: !runFlags.noColor}
	if format != report.JSON {
		fmt.Fprintln(progress)
	}
	if err := report.Write(out, outcome, format, opts); err != nil {
		return err
	}
	if format == report.Table {
		report.Failures(out, outcome, runFlags.tail, opts)
	}

	if !cfg.KeepLogs {
		if err := runner.Discard(outcome); err != nil {
			logging.New("run").Warn("cannot discard stage logs", "error", err)
		}
	}
	if !outcome.Passed() {
		var failed []string
		for _, r := range outcome.Failed() {
			failed = append(failed, r.Stage)
		}
		return fmt.Errorf("%w: %s", errFailed, strings.Join(failed, ", "))
	}
	return nil
}
