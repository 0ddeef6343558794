package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// EnsureRankSchedule creates the rank recompute schedule, or updates its interval when it
// already exists with a different one.
func (c *Client) EnsureRankSchedule(ctx context.Context, workflowName string, interval time.Duration) error {
	h := c.TSClient.GetHandle(ctx, RankScheduleID)
	desc, err := h.Describe(ctx)
	if err == nil {
		if sameInterval(desc.Schedule.Spec, interval) {
			c.logger.Info("Rank schedule already exists", zap.String("id", RankScheduleID))
			return nil
		}
		c.logger.Info("Updating rank schedule interval", zap.String("id", RankScheduleID), zap.Duration("interval", interval))
		return h.Update(ctx, client.ScheduleUpdateOptions{
			DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
				s := in.Description.Schedule
				spec := GetScheduleSpec(interval)
				s.Spec = &spec
				return &client.ScheduleUpdate{Schedule: &s}, nil
			},
		})
	}

	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return err
	}

	c.logger.Info("Creating rank schedule", zap.String("id", RankScheduleID), zap.Duration("interval", interval))
	_, err = c.TSClient.Create(ctx, client.ScheduleOptions{
		ID:   RankScheduleID,
		Spec: GetScheduleSpec(interval),
		Action: &client.ScheduleWorkflowAction{
			ID:                       RankWorkflowIDPrefix,
			Workflow:                 workflowName,
			TaskQueue:                c.RankQueue,
			WorkflowExecutionTimeout: 30 * time.Minute,
			WorkflowTaskTimeout:      time.Minute,
		},
		// a pass that outlives the interval is not doubled up
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	return err
}

// TriggerRankSchedule starts an immediate run through the schedule.
func (c *Client) TriggerRankSchedule(ctx context.Context) error {
	return c.TSClient.GetHandle(ctx, RankScheduleID).Trigger(ctx, client.ScheduleTriggerOptions{
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
}

func sameInterval(spec *client.ScheduleSpec, interval time.Duration) bool {
	if spec == nil || len(spec.Intervals) != 1 || len(spec.CronExpressions) > 0 || len(spec.Calendars) > 0 {
		return false
	}
	return spec.Intervals[0].Every == interval
}
