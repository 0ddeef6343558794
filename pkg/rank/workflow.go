package rank

import (
	"context"
	"errors"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	RecomputeRanksWorkflowName = "RecomputeRanksWorkflow"
	RecomputeRanksActivityName = "RecomputeRanks"

	errTypePassInProgress = "PassInProgress"
)

// Activities exposes the engine to Temporal workers.
type Activities struct {
	Engine *Engine
}

// RecomputeRanks runs one pass. A pass already running in this process is reported as a
// non-retryable failure so the workflow can skip instead of piling up retries.
func (a *Activities) RecomputeRanks(ctx context.Context) (PassResult, error) {
	res, err := a.Engine.Recompute(ctx)
	if errors.Is(err, ErrPassInProgress) {
		return res, sdktemporal.NewNonRetryableApplicationError(err.Error(), errTypePassInProgress, err)
	}
	return res, err
}

// RecomputeRanksWorkflow is started by the rank schedule when the temporal driver is selected.
func RecomputeRanksWorkflow(ctx workflow.Context) (PassResult, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var res PassResult
	err := workflow.ExecuteActivity(ctx, RecomputeRanksActivityName).Get(ctx, &res)
	if err != nil {
		var appErr *sdktemporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == errTypePassInProgress {
			logger.Info("Rank pass already running, skipping")
			return PassResult{}, nil
		}
		logger.Error("Rank pass failed", "error", err.Error())
		return res, err
	}

	logger.Info("Rank pass completed",
		"participants", res.Participants,
		"batches", res.Batches,
		"took", res.Took.String())
	return res, nil
}
