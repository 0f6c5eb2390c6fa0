package governor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Keyring signs receipts with per-workspace ed25519 keys derived from one
// root seed via HKDF-SHA256. Derivation is deterministic: the same root and
// workspace always yield the same keypair, so verification needs no key
// distribution beyond the receipt's embedded public key.
type Keyring struct {
	root ed25519.PrivateKey

	mu      sync.Mutex
	derived map[string]ed25519.PrivateKey
}

const keyringInfo = "lodestar-receipt-kdf"

// NewKeyring builds a keyring from a 32-byte root seed.
func NewKeyring(rootSeed []byte) (*Keyring, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: %w: root seed must be %d bytes, got %d",
			envelope.ErrInvalid, ed25519.SeedSize, len(rootSeed))
	}
	return &Keyring{
		root:    ed25519.NewKeyFromSeed(rootSeed),
		derived: make(map[string]ed25519.PrivateKey),
	}, nil
}

// GenerateKeyring creates a keyring with a random root. Receipts signed by
// it verify, but do not survive a restart; production deployments configure
// a persistent seed.
func GenerateKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return NewKeyring(seed)
}

func (k *Keyring) workspaceKey(workspaceID string) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.derived[workspaceID]; ok {
		return key, nil
	}
	reader := hkdf.New(sha256.New, k.root.Seed(), []byte(keyringInfo), []byte(workspaceID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("keyring derive %s: %w", workspaceID, err)
	}
	key := ed25519.NewKeyFromSeed(seed)
	k.derived[workspaceID] = key
	return key, nil
}

// Sign signs msg with the workspace's derived key and returns the signature
// plus the verifying public key, both raw.
func (k *Keyring) Sign(workspaceID string, msg []byte) (sig []byte, pub ed25519.PublicKey, err error) {
	key, err := k.workspaceKey(workspaceID)
	if err != nil {
		return nil, nil, err
	}
	return ed25519.Sign(key, msg), key.Public().(ed25519.PublicKey), nil
}

// Receipt is the signed, tamper-evident record of one state transition.
// ContentHash canonicalizes the decision fields (JCS + NFC); Signature is
// ed25519 over the hash string, hex-encoded like PublicKey.
type Receipt struct {
	ID               string    `json:"id"`
	RecommendationID string    `json:"recommendation_id"`
	WorkspaceID      string    `json:"workspace_id"`
	FromStatus       string    `json:"from_status"`
	ToStatus         string    `json:"to_status"`
	Actor            string    `json:"actor"`
	Comments         string    `json:"comments,omitempty"`
	ContentHash      string    `json:"content_hash"`
	Signature        string    `json:"signature"`
	PublicKey        string    `json:"public_key"`
	DecidedAt        time.Time `json:"decided_at"`
}

// receiptBody is the hashed portion. Everything a verifier needs to decide
// "this transition happened, by this actor, at this time" is in here; the
// hash and signature are over nothing else.
type receiptBody struct {
	RecommendationID string `json:"recommendation_id"`
	WorkspaceID      string `json:"workspace_id"`
	FromStatus       string `json:"from_status"`
	ToStatus         string `json:"to_status"`
	Actor            string `json:"actor"`
	Comments         string `json:"comments"`
	DecidedAt        string `json:"decided_at"`
}

func (r *Receipt) body() receiptBody {
	return receiptBody{
		RecommendationID: r.RecommendationID,
		WorkspaceID:      r.WorkspaceID,
		FromStatus:       r.FromStatus,
		ToStatus:         r.ToStatus,
		Actor:            r.Actor,
		Comments:         r.Comments,
		DecidedAt:        r.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Receipt) hash() (string, error) {
	raw, err := json.Marshal(r.body())
	if err != nil {
		return "", fmt.Errorf("receipt body marshal: %w", err)
	}
	return envelope.ContentHash(raw)
}

// seal computes the content hash and signs it.
func (r *Receipt) seal(keyring *Keyring) error {
	hash, err := r.hash()
	if err != nil {
		return err
	}
	sig, pub, err := keyring.Sign(r.WorkspaceID, []byte(hash))
	if err != nil {
		return err
	}
	r.ContentHash = hash
	r.Signature = hex.EncodeToString(sig)
	r.PublicKey = hex.EncodeToString(pub)
	return nil
}

// Verify recomputes the content hash from the receipt fields and checks the
// signature. Any mismatch, on any field the hash covers, fails.
func (r *Receipt) Verify() error {
	hash, err := r.hash()
	if err != nil {
		return err
	}
	if hash != r.ContentHash {
		return fmt.Errorf("receipt %s: content hash mismatch", r.ID)
	}
	pub, err := hex.DecodeString(r.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("receipt %s: bad public key", r.ID)
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("receipt %s: bad signature encoding", r.ID)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(hash), sig) {
		return fmt.Errorf("receipt %s: signature verification failed", r.ID)
	}
	return nil
}

// ReceiptStore persists receipts. Append-only: no update or delete surface.
type ReceiptStore struct {
	db *sql.DB
}

func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

var receiptSchema = []string{
	`CREATE TABLE IF NOT EXISTS approval_receipts (
		id TEXT PRIMARY KEY,
		recommendation_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		comments TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		public_key TEXT NOT NULL,
		decided_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_recommendation ON approval_receipts (recommendation_id, decided_at)`,
}

func (s *ReceiptStore) Init(ctx context.Context) error {
	for _, stmt := range receiptSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("receipt schema: %w", err)
		}
	}
	return nil
}

// AppendTx stages a sealed receipt inside the caller's transaction, so the
// receipt commits atomically with the transition it attests.
func (s *ReceiptStore) AppendTx(ctx context.Context, tx *sql.Tx, r *Receipt) error {
	if r.ContentHash == "" || r.Signature == "" {
		return fmt.Errorf("receipt %s: %w: not sealed", r.ID, envelope.ErrInvalid)
	}
	query := `
		INSERT INTO approval_receipts (
			id, recommendation_id, workspace_id, from_status, to_status,
			actor, comments, content_hash, signature, public_key, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		r.ID, r.RecommendationID, r.WorkspaceID, r.FromStatus, r.ToStatus,
		r.Actor, r.Comments, r.ContentHash, r.Signature, r.PublicKey, r.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("receipt append: %w", err)
	}
	return nil
}

// ListByRecommendation returns a recommendation's receipts oldest first: its
// full transition history.
func (s *ReceiptStore) ListByRecommendation(ctx context.Context, recommendationID string) ([]*Receipt, error) {
	query := `
		SELECT id, recommendation_id, workspace_id, from_status, to_status,
		       actor, comments, content_hash, signature, public_key, decided_at
		FROM approval_receipts
		WHERE recommendation_id = $1
		ORDER BY decided_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recommendationID)
	if err != nil {
		return nil, fmt.Errorf("receipt list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []*Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(
			&r.ID, &r.RecommendationID, &r.WorkspaceID, &r.FromStatus, &r.ToStatus,
			&r.Actor, &r.Comments, &r.ContentHash, &r.Signature, &r.PublicKey, &r.DecidedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
