package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-accounts/internal/jobs"
	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
	"github.com/odyssey-erp/odyssey-accounts/internal/platform/cache"
)

const (
	// TaskLedgerExpirySweep closes expired accounts and moves their balance to the lapsed account.
	TaskLedgerExpirySweep = "ledger:expiry_sweep"

	expirySweepLockKey = "ledger:expiry_sweep:lock"
)

// ExpirySweepPayload configures one sweep run. Zero values use the job defaults.
type ExpirySweepPayload struct {
	LapsedAccountID int64  `json:"lapsed_account_id,omitempty"`
	AsOf            string `json:"as_of,omitempty"`
}

// Sweeper runs the ledger expiry sweep.
type Sweeper interface {
	SweepExpired(ctx context.Context, in ledger.SweepInput) (ledger.SweepReport, error)
}

// ExpirySweepJob runs the expiry sweep under a Redis lock so only one worker
// sweeps at a time.
type ExpirySweepJob struct {
	Sweeper         Sweeper
	Locker          *cache.Locker
	LapsedAccountID int64
	LockTTL         time.Duration
	Logger          *slog.Logger
	Metrics         *jobmetrics.Metrics
	clock           func() time.Time
}

// NewExpirySweepJob constructs the job handler.
func NewExpirySweepJob(sweeper Sweeper, locker *cache.Locker, lapsedAccountID int64, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{
		Sweeper:         sweeper,
		Locker:          locker,
		LapsedAccountID: lapsedAccountID,
		LockTTL:         30 * time.Minute,
		Logger:          logger,
		Metrics:         metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewExpirySweepTask creates an Asynq task for the expiry sweep.
func NewExpirySweepTask(payload ExpirySweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerExpirySweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Handle executes the expiry sweep.
func (j *ExpirySweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("expiry sweep: dependencies not configured")
	}
	var payload ExpirySweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	input := ledger.SweepInput{Now: j.now(), LapsedAccountID: j.LapsedAccountID}
	if payload.LapsedAccountID > 0 {
		input.LapsedAccountID = payload.LapsedAccountID
	}
	if payload.AsOf != "" {
		asOf, err := time.Parse(time.RFC3339, payload.AsOf)
		if err != nil {
			return fmt.Errorf("expiry sweep: as_of %q: %w", payload.AsOf, asynq.SkipRetry)
		}
		input.Now = asOf
	}
	if input.LapsedAccountID == 0 {
		return fmt.Errorf("expiry sweep: lapsed account not configured: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLedgerExpirySweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Locker != nil {
		lock, err := j.Locker.Acquire(ctx, expirySweepLockKey, j.lockTTL())
		if errors.Is(err, cache.ErrLockHeld) {
			j.log().Info("expiry sweep already running elsewhere")
			return nil
		}
		if err != nil {
			resultErr = err
			j.log().Error("acquire sweep lock", slog.Any("error", err))
			return resultErr
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				j.log().Warn("release sweep lock", slog.Any("error", err))
			}
		}()
	}

	start := time.Now()
	report, err := j.Sweeper.SweepExpired(ctx, input)
	j.metrics().AddSweepResults(report.Closed, report.Skipped, report.Failed)
	if err != nil {
		resultErr = err
		j.log().Error("expiry sweep", slog.String("run_id", report.RunID), slog.Any("error", err))
		return resultErr
	}
	if report.Failed > 0 {
		j.log().Warn("expiry sweep left accounts open", slog.String("run_id", report.RunID), slog.Int("failed", report.Failed))
	}
	j.log().Info("expiry sweep completed",
		slog.String("run_id", report.RunID),
		slog.Int("closed", report.Closed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ExpirySweepJob) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return 30 * time.Minute
}

func (j *ExpirySweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ExpirySweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerExpirySweep))
	}
	return slog.Default().With(slog.String("job", TaskLedgerExpirySweep))
}

func (j *ExpirySweepJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ExpirySweepJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
