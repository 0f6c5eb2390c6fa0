package agents

import (
	"context"
	"log/slog"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Executor carries out an approved action against the outside world:
// rebooking a route, placing a purchase order. Implementations must be safe
// to call more than once per recommendation; the approval payload's
// recommendation id is the idempotency key.
type Executor interface {
	Execute(ctx context.Context, approval envelope.ApprovalCompletedPayload, correlationID string) error
}

// LogExecutor records the action and succeeds. It is the default wiring
// until a carrier or supplier integration is configured.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger.With("component", "executor")}
}

func (e *LogExecutor) Execute(ctx context.Context, approval envelope.ApprovalCompletedPayload, correlationID string) error {
	e.logger.Info("executing approved action",
		"action", approval.Action,
		"recommendation", approval.RecommendationID,
		"correlation", correlationID,
		"decided_by", approval.DecidedBy,
		"autonomous", approval.Autonomous)
	return nil
}
