package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ContentHash returns the SHA-256 digest of the canonical form of a JSON
// document: Unicode strings are NFC-normalized, then the document is
// serialized per RFC 8785 (JCS). Documents that differ only in key order,
// whitespace, or Unicode composition hash identically.
func ContentHash(raw json.RawMessage) (string, error) {
	normalized, err := normalizeNFC(raw)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Hash returns the content hash of the envelope excluding the Attempt field,
// so every redelivery of the same envelope hashes identically.
func (e *Envelope) Hash() (string, error) {
	hashable := struct {
		ID            string          `json:"id"`
		Type          string          `json:"type"`
		CorrelationID string          `json:"correlation_id"`
		WorkspaceID   string          `json:"workspace_id,omitempty"`
		Payload       json.RawMessage `json:"payload"`
		ProducedAt    string          `json:"produced_at"`
	}{
		ID:            e.ID,
		Type:          e.Type,
		CorrelationID: e.CorrelationID,
		WorkspaceID:   e.WorkspaceID,
		Payload:       e.Payload,
		ProducedAt:    e.ProducedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("envelope hash marshal: %w", err)
	}
	return ContentHash(raw)
}

// DedupKey is the idempotency key an agent checks before committing a side
// effect: the same envelope processed twice by the same agent maps to the
// same key.
func DedupKey(agentID, envelopeID string) string {
	return agentID + ":" + envelopeID
}

// normalizeNFC rewrites every string in the document (keys and values) to
// Unicode NFC. Numbers pass through json.Number so their source formatting
// reaches the canonicalizer untouched.
func normalizeNFC(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return json.Marshal(normValue(v))
}

func normValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normValue(t[i])
		}
		return t
	default:
		return v
	}
}
