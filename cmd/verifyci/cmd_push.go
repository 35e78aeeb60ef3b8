package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"verifyci/internal/core"
	"verifyci/internal/server"
)

var pushFlags struct {
	ref      string
	commit   string
	pipeline string
	wait     bool
	interval time.Duration
}

var pushCmd = &cobra.Command{
	Use:   "push [dir]",
	Short: "Send a push event for a checkout to the server",
	Long: `Sends a push event to a running 'verifyci serve'. The server must see the
checkout at the same path. With --wait, polls until the run reports and exits 1
when it failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

func init() {
	f := pushCmd.Flags()
	f.String("server", "http://localhost:8080", "Server URL")
	f.StringVar(&pushFlags.ref, "ref", "", "Pushed ref, e.g. refs/heads/main (required)")
	f.StringVar(&pushFlags.commit, "commit", "", "Pushed commit")
	f.StringVar(&pushFlags.pipeline, "pipeline-name", "", "Registered pipeline to run (default: server default)")
	f.BoolVar(&pushFlags.wait, "wait", false, "Wait for the run to report")
	f.DurationVar(&pushFlags.interval, "interval", time.Second, "Poll interval with --wait")

	_ = pushCmd.MarkFlagRequired("ref")
}

func runPush(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(argDir(args))
	if err != nil {
		return err
	}
	body, err := json.Marshal(server.PushEvent{
		Ref:      pushFlags.ref,
		Commit:   pushFlags.commit,
		Dir:      dir,
		Pipeline: pushFlags.pipeline,
	})
	if err != nil {
		return err
	}

	base := strings.TrimRight(cfg.Server, "/")
	ctx := cmd.Context()
	var accepted map[string]string
	code, err := doJSON(ctx, http.MethodPost, base+"/push", "application/json", body, &accepted)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if code == http.StatusOK {
		fmt.Fprintf(out, "Push ignored: pipeline %s does not run on %s\n", accepted["pipeline"], accepted["ref"])
		return nil
	}
	fmt.Fprintf(out, "Run %s started\n", accepted["id"])
	if !pushFlags.wait {
		return nil
	}

	run, err := waitForRun(ctx, base, accepted["id"], pushFlags.interval)
	if err != nil {
		return err
	}
	if run.Error != "" {
		return fmt.Errorf("run %s could not start: %s", run.ID, run.Error)
	}
	fmt.Fprintf(out, "Run %s finished: %s\n", run.ID, run.Status)
	if run.Status != core.StatusPass {
		return fmt.Errorf("%w: run %s", errFailed, run.ID)
	}
	return nil
}

func waitForRun(ctx context.Context, base, id string, interval time.Duration) (*server.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var run server.Run
		if _, err := doJSON(ctx, http.MethodGet, base+"/runs/"+id, "", nil, &run); err != nil {
			return nil, err
		}
		if run.State == server.StateFinished {
			return &run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// doJSON sends a request and decodes a 2xx JSON answer into v
func doJSON(ctx context.Context, method, url, contentType string, body []byte, v any) (int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
