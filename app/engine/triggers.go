package engine

import (
	"context"

	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/canopy-network/engagex/pkg/temporal"
)

// localTrigger runs the pass in-process and waits for it.
type localTrigger struct {
	engine *rank.Engine
}

func (t localTrigger) TriggerRanks(ctx context.Context) (*rank.PassResult, error) {
	res, err := t.engine.Recompute(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// scheduleTrigger asks the rank schedule for an immediate run; the pass runs on the worker.
type scheduleTrigger struct {
	client *temporal.Client
}

func (t scheduleTrigger) TriggerRanks(ctx context.Context) (*rank.PassResult, error) {
	return nil, t.client.TriggerRankSchedule(ctx)
}
