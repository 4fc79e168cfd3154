// Package scheduler runs recurring natural-language requests on cron
// schedules, resubmitting each through the planner and executor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aide-sh/aide/internal/engine"
	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/pkg/schema"
)

// RequestRunner is the slice of the executor the scheduler needs.
type RequestRunner interface {
	Run(ctx context.Context, sessionID, userID, request string) (*engine.WorkflowResult, error)
}

// DefaultTickInterval is how often due requests are checked.
const DefaultTickInterval = time.Minute

// Scheduler polls the store for due scheduled requests and runs them.
type Scheduler struct {
	store    store.Store
	runner   RequestRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // request IDs currently executing
}

// NewScheduler creates a Scheduler with the standard 5-field cron parser.
func NewScheduler(s store.Store, runner RequestRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: DefaultTickInterval,
		inflight: make(map[string]struct{}),
	}
}

// Schedule validates the cron expression and persists a new enabled
// scheduled request with its first run time computed.
func (s *Scheduler) Schedule(ctx context.Context, sessionID, userID, request, cronExpr string) (*store.ScheduledRequest, error) {
	if request == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled request is empty")
	}
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).WithCause(err)
	}

	req := &store.ScheduledRequest{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		Request:        request,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateScheduledRequest(ctx, req); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "request scheduled",
		slog.String("schedule_id", req.ID),
		slog.String("cron", cronExpr))
	return req, nil
}

// Remove deletes a scheduled request.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.store.DeleteScheduledRequest(ctx, id)
}

// SetEnabled toggles a scheduled request without deleting its history.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.UpdateScheduledRequest(ctx, id, store.ScheduledRequestUpdate{Enabled: &enabled})
}

// List returns the session's scheduled requests.
func (s *Scheduler) List(ctx context.Context, sessionID string) ([]*store.ScheduledRequest, error) {
	return s.store.ListScheduledRequests(ctx, store.ScheduledRequestFilter{SessionID: sessionID})
}

// Start launches the background loop. Missed runs are recovered first so a
// restart does not silently swallow overdue schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.RecoverMissed(ctx); err != nil {
		s.logger.WarnContext(ctx, "missed-run recovery failed",
			slog.String("error", err.Error()))
	}

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled request whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	reqs, err := s.store.ListScheduledRequests(ctx, store.ScheduledRequestFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list scheduled requests",
			slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, req := range reqs {
		if req.NextRunAt != nil && req.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(req.ID) {
			continue // previous run still in flight
		}
		if err := s.runRequest(ctx, req, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled request failed",
				slog.String("schedule_id", req.ID),
				slog.String("error", err.Error()))
		}
		s.release(req.ID)
	}
}

// runRequest resubmits the request through the executor and stamps the
// outcome and next run time.
func (s *Scheduler) runRequest(ctx context.Context, req *store.ScheduledRequest, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled request",
		slog.String("schedule_id", req.ID),
		slog.String("session_id", req.SessionID))

	status := "success"
	result, err := s.runner.Run(ctx, req.SessionID, req.UserID, req.Request)
	switch {
	case err != nil:
		status = "error"
	case result.Status == schema.WorkflowStatusFailed:
		status = "failed"
	case result.AwaitingConfirmation:
		status = "awaiting_confirmation"
	}

	return s.stamp(ctx, req, now, status)
}

func (s *Scheduler) stamp(ctx context.Context, req *store.ScheduledRequest, now time.Time, status string) error {
	next, err := s.CalculateNextRun(req.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", req.ID, err)
	}
	return s.store.UpdateScheduledRequest(ctx, req.ID, store.ScheduledRequestUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// RecoverMissed runs each enabled request whose next run time passed while
// the process was down, once, then reschedules it.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	reqs, err := s.store.ListScheduledRequests(ctx, store.ScheduledRequestFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list scheduled requests: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, req := range reqs {
		if req.NextRunAt == nil || !req.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(req.ID) {
			continue
		}
		if err := s.runRequest(ctx, req, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to recover missed request",
				slog.String("schedule_id", req.ID),
				slog.String("error", err.Error()))
		} else {
			recovered++
		}
		s.release(req.ID)
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed requests", slog.Int("count", recovered))
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
