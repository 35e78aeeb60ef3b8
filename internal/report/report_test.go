package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"verifyci/internal/core"
	"verifyci/internal/ledger"
)

func sampleOutcome() *core.Outcome {
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	return &core.Outcome{
		RunID:    "run-1",
		Pipeline: "verify",
		Checkout: core.Checkout{Dir: "/src/huff", Commit: "abc123", Ref: "main"},
		Results: []core.StageResult{
			{Stage: "fmt", Kind: core.KindFormat, Status: core.StatusFail, ExitCode: 1,
				Err:    &core.StageError{Stage: "fmt", Kind: core.ErrFormatDivergence, ExitCode: 1},
				Output: "$ cargo fmt --all -- --check\nDiff in src/lexer.rs at line 12\n-    let x=1;\n+    let x = 1;\n"},
			{Stage: "test", Kind: core.KindTest, Status: core.StatusPass, Duration: 2 * time.Second},
		},
		Status:     core.StatusFail,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
}

func TestWrite_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleOutcome(), Table, Options{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"run-1", "fmt", "formatting-divergence", "FAIL", "PASS", "Outcome", "1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestWrite_Markdown(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleOutcome(), Markdown, Options{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "| Stage") || !strings.Contains(buf.String(), "---") {
		t.Errorf("expected markdown table:\n%s", buf.String())
	}
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleOutcome(), JSON, Options{}); err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		Results []struct {
			Stage     string `json:"stage"`
			ErrorKind string `json:"error_kind"`
		} `json:"results"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Status != "fail" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Results[0].ErrorKind != "formatting-divergence" || decoded.Results[1].ErrorKind != "" {
		t.Errorf("error kinds = %+v", decoded.Results)
	}
}

func TestFailuresShowsOutputTail(t *testing.T) {
	var buf bytes.Buffer
	Failures(&buf, sampleOutcome(), 2, Options{})
	out := buf.String()
	if !strings.Contains(out, "--- fmt") || !strings.Contains(out, "+    let x = 1;") {
		t.Errorf("failures = %q", out)
	}
	if strings.Contains(out, "Diff in src/lexer.rs") {
		t.Errorf("tail not limited to 2 lines: %q", out)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": Table, "TABLE": Table, "markdown": Markdown, "json": JSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLedgerTable(t *testing.T) {
	records := []*ledger.Record{
		{Index: 0, RunID: "run-1", Stage: "fmt", Status: "pass", Hash: strings.Repeat("a", 64)},
		{Index: 1, RunID: "run-1", Status: "pass", Hash: strings.Repeat("b", 64)},
	}
	var buf bytes.Buffer
	if err := Ledger(&buf, records, Table); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "(outcome)") || !strings.Contains(out, strings.Repeat("a", 16)) {
		t.Errorf("ledger table:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("a", 17)) {
		t.Error("hash not shortened")
	}
}
