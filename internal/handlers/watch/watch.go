package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pagewatch/internal/domain"
)

type Runner interface {
	Run(ctx context.Context, taskID int64) error
}

// Watch runs the check of the task named in a watch job payload.
type Watch struct {
	Runner Runner
}

func (h Watch) Handle(ctx context.Context, payload json.RawMessage) error {
	var p domain.WatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid watch payload: %w", err)
	}
	if p.TaskID <= 0 {
		return errors.New("task_id is required")
	}
	return h.Runner.Run(ctx, p.TaskID)
}
