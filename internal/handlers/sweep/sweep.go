package sweep

import (
	"context"
	"encoding/json"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Sweep runs one retention pass. The job payload carries nothing.
type Sweep struct {
	Sweeper Sweeper
}

func (h Sweep) Handle(ctx context.Context, _ json.RawMessage) error {
	_, err := h.Sweeper.Sweep(ctx)
	return err
}
