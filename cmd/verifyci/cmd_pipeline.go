package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"verifyci/internal/core"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Show, validate and register pipeline definitions",
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the pipeline definition (the built-in one verbatim when none is given)",
	Args:  cobra.NoArgs,
	RunE:  runPipelineShow,
}

var pipelineValidateCmd = &cobra.Command{
	Use:   "validate <pipeline.yaml>...",
	Short: "Check pipeline definitions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPipelineValidate,
}

var pipelineSubmitCmd = &cobra.Command{
	Use:   "submit <pipeline.yaml>",
	Short: "Register a pipeline definition with the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineSubmit,
}

func init() {
	pipelineShowCmd.Flags().String("pipeline", "", "Pipeline YAML (default: built-in cargo pipeline)")
	pipelineSubmitCmd.Flags().String("server", "http://localhost:8080", "Server URL")

	pipelineCmd.AddCommand(pipelineShowCmd)
	pipelineCmd.AddCommand(pipelineValidateCmd)
	pipelineCmd.AddCommand(pipelineSubmitCmd)
}

func runPipelineShow(cmd *cobra.Command, _ []string) error {
	if cfg.Pipeline == "" {
		_, err := cmd.OutOrStdout().Write(core.DefaultPipelineYAML())
		return err
	}
	p, err := core.LoadPipeline(cfg.Pipeline)
	if err != nil {
		return err
	}
	data, err := core.MarshalPipeline(p)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runPipelineValidate(cmd *cobra.Command, args []string) error {
	invalid := 0
	for _, path := range args {
		p, err := core.LoadPipeline(path)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✘ %s: %v\n", path, err)
			invalid++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✔ %s: pipeline %s, %d stages\n", path, p.Name, len(p.Stages))
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d definitions invalid", errFailed, invalid, len(args))
	}
	return nil
}

func runPipelineSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if _, err := core.ParsePipeline(data); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	var resp struct {
		Name   string `json:"name"`
		Stages int    `json:"stages"`
	}
	url := strings.TrimRight(cfg.Server, "/") + "/pipelines"
	if _, err := doJSON(cmd.Context(), http.MethodPost, url, "application/yaml", data, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered pipeline %s (%d stages)\n", resp.Name, resp.Stages)
	return nil
}
