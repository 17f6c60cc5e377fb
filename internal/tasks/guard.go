package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/metrics"
)

// Ownerships resolves the user that owns a scheduled task definition.
type Ownerships interface {
	Owner(ctx context.Context, scheduledTaskID string) (string, error)
}

// EnforceOwnership returns the username a task must execute as. Ad-hoc
// dispatches (no scheduled_task_id in the kwargs) run as whoever the
// kwargs claim. Scheduled dispatches are pinned to their ownership row: a
// kwargs username that differs from the owner is a spoofing attempt, so
// it is logged, counted, and overridden with the owner before any
// credential lookup happens.
func EnforceOwnership(ctx context.Context, log *slog.Logger, own Ownerships, kw broker.Kwargs) (string, error) {
	username, _ := kw.String("username")
	schedID, ok := kw.String("scheduled_task_id")
	if !ok || schedID == "" {
		return username, nil
	}
	owner, err := own.Owner(ctx, schedID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve ownership of scheduled task %s: %w", schedID, err)
	}
	if username != owner {
		metrics.SecurityViolations.Inc()
		log.Warn("scheduled task claimed a username that is not its owner",
			"kind", errkind.SecurityViolation,
			"scheduled_task_id", schedID,
			"claimed", username,
			"owner", owner)
	}
	return owner, nil
}
