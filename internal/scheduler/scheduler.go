package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"alarmsync/internal/lock"
	"alarmsync/internal/syncer"
)

const defaultLockTTL = 10 * time.Minute

// Store lists the work of a poll round.
type Store interface {
	UsersWithActiveAccounts(ctx context.Context) ([]string, error)
	PurgeOrphanedEvents(ctx context.Context) (int64, error)
}

// Syncer is satisfied by *syncer.Syncer.
type Syncer interface {
	Sync(ctx context.Context, userID string, session *syncer.Session) syncer.Result
}

// Round summarizes one poll round.
type Round struct {
	Users   int
	Synced  int
	Skipped int
	Failed  int
	Purged  int64
}

// Scheduler polls every user with active accounts on a cron schedule.
type Scheduler struct {
	logger  *slog.Logger
	store   Store
	syncer  Syncer
	locker  lock.Locker
	lockTTL time.Duration
	cron    *cron.Cron
}

func New(logger *slog.Logger, store Store, s Syncer, locker lock.Locker) *Scheduler {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		syncer:  s,
		locker:  locker,
		lockTTL: defaultLockTTL,
	}
}

// Start schedules RunOnce on spec (standard five-field cron syntax).
// Rounds that are still running when the next tick fires are skipped.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("Started sync scheduler.", "schedule", spec)
	return nil
}

// Stop halts the schedule and waits for a running round to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RunOnce purges orphaned events, then syncs every user with an active
// account. Users whose previous pass still holds the lock are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) Round {
	var round Round
	purged, err := s.store.PurgeOrphanedEvents(ctx)
	if err != nil {
		s.logger.Error("Failed to purge orphaned events", "error", err)
	}
	round.Purged = purged

	users, err := s.store.UsersWithActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list users to sync", "error", err)
		return round
	}
	round.Users = len(users)

	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		res, err := s.SyncUser(ctx, userID)
		switch {
		case errors.Is(err, lock.ErrHeld):
			s.logger.Info("Sync already running, skipping user", "user_id", userID)
			round.Skipped++
		case err != nil:
			s.logger.Error("Sync failed", "user_id", userID, "error", err)
			round.Failed++
		case res.SyncError != "":
			round.Failed++
		default:
			round.Synced++
		}
	}
	s.logger.Info("Poll round finished.", "users", round.Users, "synced", round.Synced,
		"skipped", round.Skipped, "failed", round.Failed, "purged", round.Purged)
	return round
}

// SyncUser runs one pass for userID under the user's lock.
func (s *Scheduler) SyncUser(ctx context.Context, userID string) (syncer.Result, error) {
	release, err := s.locker.Acquire(ctx, userID, s.lockTTL)
	if err != nil {
		return syncer.Result{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sync lock", "user_id", userID, "error", err)
		}
	}()
	return s.syncer.Sync(ctx, userID, nil), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
