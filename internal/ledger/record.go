package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a tamper-evident entry for one stage result or one run outcome.
// Outcome records carry an empty Stage.
type Record struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	RunID     string `json:"runId"`
	Ref       string `json:"ref,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status"`
	ErrorKind string `json:"errorKind,omitempty"`
	LogHash   string `json:"logHash,omitempty"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	AgentID   string `json:"agentId"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// Entry holds the caller-supplied fields of a record
type Entry struct {
	RunID     string
	Ref       string
	Commit    string
	Stage     string
	Status    string
	ErrorKind string
	LogHash   string
	AgentID   string
}

// canonicalData returns the JSON bytes used to compute the record hash.
// It excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		RunID     string `json:"runId"`
		Ref       string `json:"ref"`
		Commit    string `json:"commit"`
		Stage     string `json:"stage"`
		Status    string `json:"status"`
		ErrorKind string `json:"errorKind"`
		LogHash   string `json:"logHash"`
		PrevHash  string `json:"prevHash"`
		AgentID   string `json:"agentId"`
	}{
		Index:     r.Index,
		Timestamp: r.Timestamp,
		RunID:     r.RunID,
		Ref:       r.Ref,
		Commit:    r.Commit,
		Stage:     r.Stage,
		Status:    r.Status,
		ErrorKind: r.ErrorKind,
		LogHash:   r.LogHash,
		PrevHash:  r.PrevHash,
		AgentID:   r.AgentID,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewRecord constructs a record and computes its hash (no signature yet)
func NewRecord(index int, prevHash string, e Entry) (*Record, error) {
	rec := &Record{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     e.RunID,
		Ref:       e.Ref,
		Commit:    e.Commit,
		Stage:     e.Stage,
		Status:    e.Status,
		ErrorKind: e.ErrorKind,
		LogHash:   e.LogHash,
		PrevHash:  prevHash,
		AgentID:   e.AgentID,
	}

	h, err := rec.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute record hash: %w", err)
	}
	rec.Hash = h
	return rec, nil
}
