package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	DefaultNamespace = "engagex"
	DefaultRetention = 72 * time.Hour

	// RankQueue serves the rank recompute workflow and activity.
	RankQueue = "ranks"
	// RankScheduleID is the schedule that starts RecomputeRanksWorkflow.
	RankScheduleID = "ranks:recompute"
	// RankWorkflowIDPrefix prefixes workflow ids started by the rank schedule.
	RankWorkflowIDPrefix = "ranks-recompute"
)

type Options struct {
	HostPort  string
	Namespace string
	// Retention applies when the namespace has to be registered.
	Retention time.Duration
}

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string
	RankQueue string

	logger *zap.Logger
}

type Health struct {
	ConnectionOK bool                      `json:"connection_ok"`
	RankQueue    []*taskqueuepb.PollerInfo `json:"rank_queue"`
}

// NewClient makes sure the namespace exists and connects to it.
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	logger = logger.With(zap.String("component", "temporal"))

	logger.Info("Connecting to Temporal", zap.String("host", opts.HostPort), zap.String("namespace", opts.Namespace))
	if err := EnsureNamespace(ctx, logger, opts.HostPort, opts.Namespace, opts.Retention); err != nil {
		return nil, err
	}

	tClient, err := Dial(ctx, opts.HostPort, opts.Namespace, NewZapAdapter(logger))
	if err != nil {
		return nil, err
	}
	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		tClient.Close()
		return nil, err
	}

	return &Client{
		TClient:   tClient,
		TSClient:  tClient.ScheduleClient(),
		Namespace: opts.Namespace,
		RankQueue: RankQueue,
		logger:    logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// EnsureNamespace registers the namespace when it does not exist yet and waits until it can be
// described.
func EnsureNamespace(ctx context.Context, logger *zap.Logger, hostPort, namespace string, retention time.Duration) error {
	nsClient, err := client.NewNamespaceClient(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("failed to create namespace client: %w", err)
	}
	defer nsClient.Close()

	_, err = nsClient.Describe(ctx, namespace)
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NamespaceNotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe namespace: %w", err)
	}

	logger.Info("Registering Temporal namespace", zap.String("namespace", namespace), zap.Duration("retention", retention))
	err = nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        namespace,
		WorkflowExecutionRetentionPeriod: durationpb.New(retention),
	})
	var exists *serviceerror.NamespaceAlreadyExists
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("failed to register namespace: %w", err)
	}

	// registration propagates asynchronously
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := nsClient.Describe(ctx, namespace); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("namespace %s not available: %w", namespace, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetScheduleSpec returns a schedule spec for the given interval.
func GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// Health reports the connection and the pollers on the rank queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		return Health{}, err
	}
	if svc := c.TClient.WorkflowService(); svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservice.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.RankQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.RankQueue = rep.GetPollers()
		}
	}
	return h, nil
}

func (c *Client) Close() {
	c.TClient.Close()
}
