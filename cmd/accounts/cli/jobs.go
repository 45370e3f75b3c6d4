package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-accounts/jobs"
)

type sweepEnqueuer interface {
	EnqueueExpirySweep(ctx context.Context, payload jobs.ExpirySweepPayload) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    sweepEnqueuer
	inspector queueInspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// EnqueueSweep queues an expiry sweep. A zero lapsed id lets the worker use
// its configured lapsed account.
func (c *JobsCLI) EnqueueSweep(ctx context.Context, lapsedAccountID int64, asOf string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	if asOf != "" {
		if _, err := time.Parse(time.RFC3339, asOf); err != nil {
			return nil, fmt.Errorf("jobs cli: invalid as-of %q: %w", asOf, err)
		}
	}
	return c.client.EnqueueExpirySweep(ctx, jobs.ExpirySweepPayload{LapsedAccountID: lapsedAccountID, AsOf: asOf})
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// QueueCommand prints queue statistics and upcoming scheduled tasks.
func (c *JobsCLI) QueueCommand(ctx context.Context, out Output) int {
	out.defaults()
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "queue: %v\n", err)
		return 1
	}
	scheduled, err := c.ListScheduled(ctx, 10)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "queue: %v\n", err)
		return 1
	}
	if out.JSON {
		return out.encode("queue", struct {
			QueueStats
			Upcoming []string `json:"upcoming"`
		}{QueueStats: stats, Upcoming: taskTypes(scheduled)})
	}
	renderQueue(out.Stdout, stats, scheduled)
	return 0
}

func renderQueue(w io.Writer, stats QueueStats, scheduled []*asynq.TaskInfo) {
	_, _ = fmt.Fprintf(w, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	for _, info := range scheduled {
		if info == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s %s at %s\n", info.ID, info.Type, info.NextProcessAt.UTC().Format(time.RFC3339))
	}
}

func taskTypes(infos []*asynq.TaskInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		if info != nil {
			out = append(out, info.Type)
		}
	}
	return out
}
