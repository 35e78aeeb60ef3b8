package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"verifyci/internal/security"
)

// Ledger is an append-only JSONL file of signed, hash-chained records
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
	keys    *security.KeyPair
}

// OpenLedger loads an existing ledger file or creates an empty one.
// keys may be nil when the ledger is only read and verified.
func OpenLedger(path string, keys *security.KeyPair) (*Ledger, error) {
	l := &Ledger{
		records: make([]*Record, 0),
		path:    path,
		keys:    keys,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return l, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.records), err)
		}
		l.records = append(l.records, &rec)
	}
	return l, nil
}

// Path of the backing file
func (l *Ledger) Path() string { return l.path }

// Records returns the records held in memory
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records
}

// Append builds the next record from e, links it to the last record,
// signs it with the ledger keys and persists it.
func (l *Ledger) Append(e Entry) (*Record, error) {
	if l.keys == nil {
		return nil, errors.New("ledger opened without signing keys")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if len(l.records) > 0 {
		prev = l.records[len(l.records)-1].Hash
	}
	rec, err := NewRecord(len(l.records), prev, e)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) appendLocked(r *Record) error {
	// recompute so the stored hash always matches the canonical fields
	h, err := r.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute record hash: %w", err)
	}
	r.Hash = h

	if len(l.records) > 0 {
		last := l.records[len(l.records)-1]
		if r.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, r.PrevHash)
		}
	}
	if r.Index != len(l.records) {
		return fmt.Errorf("index mismatch: expected %d, got %d", len(l.records), r.Index)
	}

	if len(l.keys.Private) == 0 {
		return errors.New("private key is empty, cannot sign record")
	}
	r.Signature = security.SignData(l.keys.Private, []byte(r.Hash))
	r.PubKey = hex.EncodeToString(l.keys.Public)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.records = append(l.records, r)
	return nil
}

// NextIndex returns the next record index
func (l *Ledger) NextIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// LastHash returns the last record hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].Hash
}
