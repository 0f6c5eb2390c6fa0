package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Recommendation statuses. proposed and policy_evaluated are pre-decision;
// deferred is parked but undecided; the rest are terminal.
const (
	StatusProposed        = "proposed"
	StatusPolicyEvaluated = "policy_evaluated"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusDeferred        = "deferred"
	StatusExpired         = "expired"
	StatusSuperseded      = "superseded"
)

// Undecided are the statuses a decision or expiry may still act on.
var Undecided = []string{StatusProposed, StatusPolicyEvaluated, StatusDeferred}

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusExpired, StatusSuperseded:
		return true
	}
	return false
}

// PolicyResult is one governance rule's verdict on a recommendation.
type PolicyResult struct {
	Policy string `json:"policy"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Recommendation is a synthesized action awaiting (or past) a decision.
type Recommendation struct {
	ID               string
	CorrelationID    string
	WorkspaceID      string
	Action           agents.Action
	Status           string
	Severity         envelope.Severity
	Confidence       float64
	ImpactUSD        float64
	RiskProbability  float64
	RequiresApproval bool
	RequiredRole     string
	Rationale        string
	Contributions    []Contribution
	PolicyResults    []PolicyResult
	DeferUntil       *time.Time
	CreatedAt        time.Time
	DecidedAt        *time.Time
	DecidedBy        string
}

// Store persists recommendations. Same portability rules as the outbox:
// $1 placeholders, Go-side timestamps, JSON blobs as TEXT.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var recommendationSchema = []string{
	`CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		impact_usd DOUBLE PRECISION NOT NULL,
		risk_probability DOUBLE PRECISION NOT NULL,
		requires_approval BOOLEAN NOT NULL,
		required_role TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		contributions TEXT NOT NULL,
		policy_results TEXT,
		defer_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP,
		decided_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_recommendations_correlation ON recommendations (correlation_id)`,
}

func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range recommendationSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recommendation schema: %w", err)
		}
	}
	return nil
}

// InsertTx stages a new recommendation inside the caller's transaction, so
// the row commits atomically with the outbox record announcing it.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, rec *Recommendation) error {
	contribs, err := json.Marshal(rec.Contributions)
	if err != nil {
		return fmt.Errorf("recommendation contributions marshal: %w", err)
	}
	query := `
		INSERT INTO recommendations (
			id, correlation_id, workspace_id, action, status, severity,
			confidence, impact_usd, risk_probability, requires_approval,
			required_role, rationale, contributions, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.CorrelationID, rec.WorkspaceID, string(rec.Action), rec.Status,
		string(rec.Severity), rec.Confidence, rec.ImpactUSD, rec.RiskProbability,
		rec.RequiresApproval, rec.RequiredRole, rec.Rationale, string(contribs),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recommendation insert: %w", err)
	}
	return nil
}

// Get returns one recommendation by id.
func (s *Store) Get(ctx context.Context, id string) (*Recommendation, error) {
	row := s.db.QueryRowContext(ctx, selectRecommendation+` WHERE id = $1`, id)
	rec, err := scanRecommendation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, envelope.ErrNotFound
		}
		return nil, fmt.Errorf("recommendation get: %w", err)
	}
	return rec, nil
}

// StatusTx reads the current status inside the caller's transaction. Used by
// deciders to record the observed prior state alongside a transition.
func (s *Store) StatusTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM recommendations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("recommendation %s: %w", id, envelope.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("recommendation status: %w", err)
	}
	return status, nil
}

// List returns recommendations newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]*Recommendation, error) {
	query := selectRecommendation
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recommendation list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecommendations(rows)
}

// ListWorkspace returns a workspace's recommendations newest first,
// optionally filtered by status.
func (s *Store) ListWorkspace(ctx context.Context, workspaceID, status string, limit int) ([]*Recommendation, error) {
	query := selectRecommendation + ` WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recommendation list workspace: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecommendations(rows)
}

// OpenByCorrelationTx returns ids of undecided recommendations for a
// correlation, excluding one id (the row about to replace them).
func (s *Store) OpenByCorrelationTx(ctx context.Context, tx *sql.Tx, correlationID, excludeID string) ([]string, error) {
	query := `
		SELECT id FROM recommendations
		WHERE correlation_id = $1 AND id <> $2
		  AND status IN ('proposed', 'policy_evaluated', 'deferred')
	`
	rows, err := tx.QueryContext(ctx, query, correlationID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("recommendation open by correlation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SupersedeTx retires an undecided recommendation in favor of a newer one for
// the same correlation. Already-decided rows are left alone.
func (s *Store) SupersedeTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	query := `
		UPDATE recommendations
		SET status = 'superseded', decided_at = $1, decided_by = 'system:orchestrator'
		WHERE id = $2 AND status IN ('proposed', 'policy_evaluated', 'deferred')
	`
	if _, err := tx.ExecContext(ctx, query, at.UTC(), id); err != nil {
		return fmt.Errorf("recommendation supersede %s: %w", id, err)
	}
	return nil
}

// TransitionTx moves a recommendation from one of the expected statuses to
// the target status. The guard makes concurrent decisions race-safe: exactly
// one UPDATE wins, the rest see ErrConflict. decidedBy and decidedAt are
// recorded only for terminal targets.
func (s *Store) TransitionTx(ctx context.Context, tx *sql.Tx, id string, from []string, to, decidedBy string, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: %w: empty from set", id, envelope.ErrInvalid)
	}

	set := `status = $1`
	args := []any{to}
	if IsTerminal(to) {
		set = `status = $1, decided_at = $2, decided_by = $3`
		args = append(args, at.UTC(), decidedBy)
	}
	args = append(args, id)
	idPos := len(args)
	guards := make([]string, len(from))
	for i, st := range from {
		guards[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, st)
	}
	query := fmt.Sprintf(
		`UPDATE recommendations SET %s WHERE id = $%d AND status IN (%s)`,
		set, idPos, strings.Join(guards, ", "),
	)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recommendation transition %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recommendation transition rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Zero rows: either the id is unknown or the status guard lost.
	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM recommendations WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("recommendation %s: %w", id, envelope.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("recommendation transition check %s: %w", id, err)
	}
	return envelope.Conflictf("recommendation %s is %s, cannot move to %s", id, current, to)
}

// AttachPolicyResultsTx records the governor's evaluation. Results are
// set-once: re-evaluating an already-evaluated recommendation conflicts.
func (s *Store) AttachPolicyResultsTx(ctx context.Context, tx *sql.Tx, id string, results []PolicyResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("policy results marshal: %w", err)
	}
	query := `
		UPDATE recommendations SET policy_results = $1
		WHERE id = $2 AND policy_results IS NULL
	`
	res, err := tx.ExecContext(ctx, query, string(raw), id)
	if err != nil {
		return fmt.Errorf("recommendation attach policy results: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recommendation attach policy results rows: %w", err)
	}
	if rows == 0 {
		return envelope.Conflictf("recommendation %s already has policy results", id)
	}
	return nil
}

// SetDeferTx parks a recommendation until a wake time. Terminal rows
// conflict via TransitionTx first; this only stamps the wake time.
func (s *Store) SetDeferTx(ctx context.Context, tx *sql.Tx, id string, until time.Time) error {
	query := `UPDATE recommendations SET defer_until = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, query, until.UTC(), id); err != nil {
		return fmt.Errorf("recommendation set defer %s: %w", id, err)
	}
	return nil
}

// ListUndecided returns rows a decision may still act on, oldest first, so
// the expiry sweep sees the longest-waiting recommendations first.
func (s *Store) ListUndecided(ctx context.Context, limit int) ([]*Recommendation, error) {
	query := selectRecommendation + `
		WHERE status IN ('proposed', 'policy_evaluated', 'deferred')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recommendation list undecided: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecommendations(rows)
}

// DueForWake returns deferred rows whose wake time has passed.
func (s *Store) DueForWake(ctx context.Context, now time.Time, limit int) ([]*Recommendation, error) {
	query := selectRecommendation + `
		WHERE status = 'deferred' AND defer_until IS NOT NULL AND defer_until <= $1
		ORDER BY defer_until ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recommendation due for wake: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecommendations(rows)
}

const selectRecommendation = `
	SELECT id, correlation_id, workspace_id, action, status, severity,
	       confidence, impact_usd, risk_probability, requires_approval,
	       required_role, rationale, contributions, policy_results,
	       defer_until, created_at, decided_at, decided_by
	FROM recommendations
`

func scanRecommendation(row rowScanner) (*Recommendation, error) {
	var rec Recommendation
	var action, severity string
	var contribs string
	var policyResults sql.NullString
	var deferUntil, decidedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.CorrelationID, &rec.WorkspaceID, &action, &rec.Status, &severity,
		&rec.Confidence, &rec.ImpactUSD, &rec.RiskProbability, &rec.RequiresApproval,
		&rec.RequiredRole, &rec.Rationale, &contribs, &policyResults,
		&deferUntil, &rec.CreatedAt, &decidedAt, &rec.DecidedBy,
	); err != nil {
		return nil, err
	}
	rec.Action = agents.Action(action)
	rec.Severity = envelope.Severity(severity)
	if err := json.Unmarshal([]byte(contribs), &rec.Contributions); err != nil {
		return nil, fmt.Errorf("corrupt contributions in recommendation %s: %w", rec.ID, err)
	}
	if policyResults.Valid {
		if err := json.Unmarshal([]byte(policyResults.String), &rec.PolicyResults); err != nil {
			return nil, fmt.Errorf("corrupt policy results in recommendation %s: %w", rec.ID, err)
		}
	}
	if deferUntil.Valid {
		t := deferUntil.Time
		rec.DeferUntil = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		rec.DecidedAt = &t
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendations(rows *sql.Rows) ([]*Recommendation, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []*Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
