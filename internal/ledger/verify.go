package ledger

import (
	"fmt"

	"verifyci/internal/security"
)

// VerifyChain recomputes each record hash, link and signature to detect tampering
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, r.Index)
		}

		h, err := r.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", r.Index, err)
		}
		if h != r.Hash {
			return fmt.Errorf("hash mismatch at index %d", r.Index)
		}

		if i > 0 && r.PrevHash != l.records[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", r.Index)
		}
		if i == 0 && r.PrevHash != "" {
			return fmt.Errorf("first record has non-empty prev hash")
		}

		ok, err := security.VerifySignatureFromHex(r.PubKey, []byte(r.Hash), r.Signature)
		if err != nil {
			return fmt.Errorf("decode signature at index %d: %w", r.Index, err)
		}
		if !ok {
			return fmt.Errorf("bad signature at index %d", r.Index)
		}
	}
	return nil
}
