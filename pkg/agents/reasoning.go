package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// VerdictNoOpinion is returned when the reasoning service cannot or will
// not judge. Handlers treat it as "emit nothing", never as an error.
const VerdictNoOpinion = "no_opinion"

// Verdict is the reasoning boundary's answer: an opaque judgment string, a
// confidence in [0,1], and the evidence behind it.
type Verdict struct {
	Verdict     string   `json:"verdict"`
	Confidence  float64  `json:"confidence"`
	Rationale   string   `json:"rationale"`
	DataSources []string `json:"data_sources"`
}

// NoOpinion reports whether this verdict carries no judgment.
func (v Verdict) NoOpinion() bool {
	return v.Verdict == "" || v.Verdict == VerdictNoOpinion || v.Confidence <= 0
}

// Reasoner is the judgment boundary. Implementations must degrade rather
// than fail: a broken or slow service yields a no-opinion verdict, and the
// only errors returned are context cancellations.
type Reasoner interface {
	Assess(ctx context.Context, snapshot map[string]any, question string) (Verdict, error)
}

// ReasonerConfig points at the external reasoning service.
type ReasonerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPReasoner talks to the reasoning service over
// POST {base}/v1/reason with body {"snapshot": ..., "question": ...}.
type HTTPReasoner struct {
	base   string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPReasoner(cfg ReasonerConfig, logger *slog.Logger) *HTTPReasoner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReasoner{
		base:   cfg.BaseURL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "reasoner"),
	}
}

type reasonRequest struct {
	Snapshot map[string]any `json:"snapshot"`
	Question string         `json:"question"`
}

// Assess posts the snapshot and question. Transport failures, bad statuses,
// and undecodable bodies all degrade to no-opinion so agents keep moving;
// context cancellation is surfaced so shutdown propagates.
func (r *HTTPReasoner) Assess(ctx context.Context, snapshot map[string]any, question string) (Verdict, error) {
	body, err := json.Marshal(reasonRequest{Snapshot: snapshot, Question: question})
	if err != nil {
		return r.noOpinion("snapshot marshal: " + err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/reason", bytes.NewReader(body))
	if err != nil {
		return r.noOpinion("request build: " + err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		return r.noOpinion("reasoning service unreachable: " + err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return r.noOpinion(fmt.Sprintf("reasoning service status %d", resp.StatusCode)), nil
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return r.noOpinion("verdict decode: " + err.Error()), nil
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}

func (r *HTTPReasoner) noOpinion(reason string) Verdict {
	r.logger.Warn("degrading to no-opinion verdict", "reason", reason)
	return Verdict{Verdict: VerdictNoOpinion, Rationale: reason}
}
