package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"verifyci/internal/core"
	"verifyci/internal/ledger"
	"verifyci/internal/security"
)

type noSubmodules struct{}

func (noSubmodules) Status(context.Context, string) (core.SubmoduleState, error) {
	return core.SubmoduleState{}, nil
}

const quickPipeline = `
name: quick
isolation: shared
on:
  push:
    branches: [main, "release/*"]
stages:
  - {name: fmt, kind: format, steps: [{run: "true"}]}
  - {name: docs, kind: docs, steps: [{run: "true"}]}
  - {name: lint, kind: lint, steps: [{run: "echo warning: unused; exit 1"}]}
  - {name: test, kind: test, steps: [{run: "true"}]}
`

func mustParse(t *testing.T, src string) *core.Pipeline {
	t.Helper()
	p, err := core.ParsePipeline([]byte(src))
	if err != nil {
		t.Fatalf("parse pipeline: %v", err)
	}
	return p
}

func newTestServer(t *testing.T, def *core.Pipeline, l *ledger.Ledger) (*Server, *httptest.Server) {
	t.Helper()
	runner := core.NewRunner()
	runner.Executor = &core.Executor{Shell: "sh", WaitDelay: 100 * time.Millisecond}
	runner.Submodules = noSubmodules{}
	runner.TempDir = t.TempDir()
	runner.Ledger = l

	s := New(def, Options{Runner: runner, Ledger: l})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		srv.Close()
		s.Shutdown()
	})
	return s, srv
}

func push(t *testing.T, url string, ev PushEvent) (int, map[string]string) {
	t.Helper()
	body, _ := json.Marshal(ev)
	resp, err := http.Post(url+"/push", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode push response: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestPushRunsPipeline(t *testing.T) {
	s, srv := newTestServer(t, mustParse(t, quickPipeline), nil)

	code, resp := push(t, srv.URL, PushEvent{Ref: "refs/heads/main", Commit: "abc123", Dir: t.TempDir()})
	if code != http.StatusAccepted || resp["id"] == "" {
		t.Fatalf("push = %d %v", code, resp)
	}
	s.Wait()

	httpResp, err := http.Get(srv.URL + "/runs/" + resp["id"])
	if err != nil {
		t.Fatal(err)
	}
	defer httpResp.Body.Close()
	var run struct {
		State   string `json:"state"`
		Status  string `json:"status"`
		Commit  string `json:"commit"`
		Outcome struct {
			Results []struct {
				Stage     string `json:"stage"`
				Status    string `json:"status"`
				ErrorKind string `json:"error_kind"`
			} `json:"results"`
		} `json:"outcome"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.State != StateFinished || run.Status != "fail" || run.Commit != "abc123" {
		t.Errorf("run = %+v", run)
	}

	got := map[string]string{}
	for _, r := range run.Outcome.Results {
		got[r.Stage] = r.Status + "/" + r.ErrorKind
	}
	want := map[string]string{"fmt": "pass/", "docs": "pass/", "lint": "fail/lint-violation", "test": "pass/"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestPushIgnoresUnmatchedRef(t *testing.T) {
	s, srv := newTestServer(t, mustParse(t, quickPipeline), nil)

	code, resp := push(t, srv.URL, PushEvent{Ref: "refs/heads/feature/x", Dir: t.TempDir()})
	if code != http.StatusOK || resp["status"] != "skipped" {
		t.Errorf("push = %d %v", code, resp)
	}
	s.Wait()
	if _, ok := s.Run(resp["id"]); ok {
		t.Error("a skipped push must not create a run")
	}
}

func TestPushWithoutRefIsStillFiltered(t *testing.T) {
	s, srv := newTestServer(t, mustParse(t, quickPipeline), nil)

	// a plain directory has no branch, so nothing matches main or release/*
	code, resp := push(t, srv.URL, PushEvent{Dir: t.TempDir()})
	if code != http.StatusOK || resp["status"] != "skipped" {
		t.Errorf("push = %d %v, want skipped", code, resp)
	}
	s.Wait()
	if n := s.supervisor.Active(); n != 0 {
		t.Errorf("%d runs active after a filtered push", n)
	}
}

func TestPushRejects(t *testing.T) {
	_, srv := newTestServer(t, mustParse(t, quickPipeline), nil)

	cases := []struct {
		name string
		ev   PushEvent
		want int
	}{
		{"no dir", PushEvent{Ref: "main"}, http.StatusBadRequest},
		{"missing dir", PushEvent{Ref: "main", Dir: filepath.Join(t.TempDir(), "gone")}, http.StatusBadRequest},
		{"unknown pipeline", PushEvent{Ref: "main", Dir: t.TempDir(), Pipeline: "nightly"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, _ := push(t, srv.URL, tc.ev); code != tc.want {
				t.Errorf("status = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestNewPushSupersedesRunningOne(t *testing.T) {
	s, srv := newTestServer(t, mustParse(t, quickPipeline), nil)
	slow := `
name: slow
isolation: shared
stages:
  - {name: test, kind: test, steps: [{run: "sleep 30"}]}
`
	resp, err := http.Post(srv.URL+"/pipelines", "application/yaml", strings.NewReader(slow))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d", resp.StatusCode)
	}

	dir := t.TempDir()
	_, first := push(t, srv.URL, PushEvent{Ref: "refs/heads/main", Dir: dir, Pipeline: "slow"})
	_, second := push(t, srv.URL, PushEvent{Ref: "refs/heads/main", Dir: dir, Pipeline: "quick"})

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("superseded run did not stop")
	}

	old, _ := s.Run(first["id"])
	if old.Outcome == nil || !old.Outcome.Superseded || old.Status != core.StatusFail {
		t.Fatalf("first run = %+v", old)
	}
	if !errors.Is(old.Outcome.Results[0].Err, core.ErrSuperseded) {
		t.Errorf("stage error = %v, want superseded", old.Outcome.Results[0].Err)
	}
	latest, _ := s.Run(second["id"])
	if latest.Outcome == nil || latest.Outcome.Superseded {
		t.Errorf("second run = %+v", latest)
	}
}

func TestPipelineRegistry(t *testing.T) {
	_, srv := newTestServer(t, core.DefaultPipeline(), nil)

	resp, err := http.Post(srv.URL+"/pipelines", "application/yaml", strings.NewReader("name: bad\n"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid pipeline status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/pipelines", "application/yaml", strings.NewReader(quickPipeline))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/pipelines")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	json.NewDecoder(resp.Body).Decode(&names)
	resp.Body.Close()
	if diff := cmp.Diff([]string{"quick", "verify"}, names); diff != "" {
		t.Errorf("pipelines (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/pipelines/quick")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	back, err := core.ParsePipeline(data)
	if err != nil {
		t.Fatalf("served YAML does not parse: %v\n%s", err, data)
	}
	if diff := cmp.Diff(mustParse(t, quickPipeline), back); diff != "" {
		t.Errorf("served pipeline differs (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/pipelines/nightly")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pipeline status = %d", resp.StatusCode)
	}
}

func TestListRunsAndUnknownRun(t *testing.T) {
	s, srv := newTestServer(t, mustParse(t, quickPipeline), nil)
	push(t, srv.URL, PushEvent{Ref: "main", Dir: t.TempDir()})
	push(t, srv.URL, PushEvent{Ref: "release/1.0", Dir: t.TempDir()})
	s.Wait()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	var runs []Run
	json.NewDecoder(resp.Body).Decode(&runs)
	resp.Body.Close()
	if len(runs) != 2 || runs[0].Ref != "main" || runs[1].Ref != "release/1.0" {
		t.Errorf("runs = %+v", runs)
	}
	for _, r := range runs {
		if r.Outcome != nil {
			t.Error("run listing must not embed outcomes")
		}
	}

	resp, err = http.Get(srv.URL + "/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status = %d", resp.StatusCode)
	}
}

func TestLedgerVerifyEndpoint(t *testing.T) {
	keys, _, err := security.EnsureKeyPair(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"), keys)
	if err != nil {
		t.Fatal(err)
	}
	s, srv := newTestServer(t, mustParse(t, quickPipeline), l)
	push(t, srv.URL, PushEvent{Ref: "main", Dir: t.TempDir()})
	s.Wait()

	resp, err := http.Get(srv.URL + "/ledger/verify")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		OK      bool   `json:"ok"`
		Records int    `json:"records"`
		Head    string `json:"head"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	// four stages plus the outcome
	if !got.OK || got.Records != 5 || got.Head != l.LastHash() || got.Head == "" {
		t.Errorf("verify = %+v", got)
	}
}

func TestLedgerVerifyDisabled(t *testing.T) {
	_, srv := newTestServer(t, mustParse(t, quickPipeline), nil)
	resp, err := http.Get(srv.URL + "/ledger/verify")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
