package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/logging"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func (e *Engine) runCycle(ctx context.Context) (Summary, error) {
	sum := Summary{CycleID: uuid.NewString()}
	ctx = logging.WithInstanceID(ctx, e.local.InstanceID())
	ctx = logging.WithCycleID(ctx, sum.CycleID)

	ctx, span := e.tracer.Start(ctx, "syncer.cycle",
		trace.WithAttributes(attribute.String("cycle.id", sum.CycleID)))
	defer span.End()

	e.states.resetFailed()

	patterns, err := e.local.GetUnsyncedPatterns(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list unsynced patterns")
		return sum, fmt.Errorf("listing unsynced patterns: %w", err)
	}
	span.SetAttributes(attribute.Int("sync.patterns", len(patterns)))
	e.logger.Debug(ctx, "sync cycle starting", zap.Int("patterns", len(patterns)))

	attempted := make(map[string]bool, len(patterns))
	for i := range patterns {
		if ctx.Err() != nil || !e.breaker.Allow() {
			sum.Abandoned = len(patterns) - i
			break
		}
		attempted[patterns[i].ID] = true
		e.syncPattern(ctx, &patterns[i], &sum)
	}

	if ctx.Err() == nil && !e.breaker.IsOpen() {
		e.syncLeftoverSolutions(ctx, attempted, &sum)
	}
	if ctx.Err() == nil && !e.breaker.IsOpen() {
		e.syncFeedback(ctx, &sum)
	}

	span.SetAttributes(
		attribute.Int("sync.patterns_synced", sum.PatternsSynced),
		attribute.Int("sync.patterns_failed", sum.PatternsFailed),
		attribute.Int("sync.abandoned", sum.Abandoned),
	)
	e.logger.Info(ctx, "sync cycle finished",
		zap.Int("patterns_synced", sum.PatternsSynced),
		zap.Int("patterns_failed", sum.PatternsFailed),
		zap.Int("solutions_synced", sum.SolutionsSynced),
		zap.Int("solutions_failed", sum.SolutionsFailed),
		zap.Int("feedback_synced", sum.FeedbackSynced),
		zap.Int("feedback_failed", sum.FeedbackFailed),
		zap.Int("abandoned", sum.Abandoned),
		zap.String("breaker", e.breaker.State()))

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return sum, err
	}
	return sum, nil
}

// detach returns a context that survives cancellation of ctx but is bounded
// by the per-pattern timeout.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PatternTimeout)
}

func (e *Engine) syncPattern(ctx context.Context, p *pattern.ErrorPattern, sum *Summary) {
	ctx = logging.WithPatternID(ctx, p.ID)
	ctx, span := e.tracer.Start(ctx, "syncer.pattern", trace.WithAttributes(
		attribute.String("pattern.id", p.ID),
		attribute.String("pattern.language", p.Language),
		attribute.Int64("pattern.occurrences", p.OccurrenceCount),
	))
	defer span.End()

	e.states.set(p.ID, StateSyncing)
	opCtx, cancel := e.detach(ctx)
	defer cancel()

	centralID, err := e.pushPattern(ctx, opCtx, p, sum)
	if err != nil {
		e.states.set(p.ID, StateFailed)
		sum.PatternsFailed++
		sum.addError(pattern.EntityPattern, p.ID, err)
		e.metrics.item(pattern.EntityPattern, pattern.SyncFailed)
		e.auditLocal(opCtx, pattern.EntityPattern, p.ID, centralID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pattern sync failed")
		e.logger.Warn(ctx, "pattern sync failed", zap.Error(err))
		return
	}

	e.states.set(p.ID, StateSynced)
	sum.PatternsSynced++
	e.metrics.item(pattern.EntityPattern, pattern.SyncSuccess)
	span.SetAttributes(attribute.String("pattern.central_id", centralID))
	e.logger.Debug(ctx, "pattern synced", zap.String("central_id", centralID))
}

// pushPattern runs the protocol for one pattern. The returned central id is
// set as soon as it is known, even on failure.
func (e *Engine) pushPattern(ctx, opCtx context.Context, p *pattern.ErrorPattern, sum *Summary) (string, error) {
	req := &pattern.PatternSyncRequest{
		InstanceID:      e.local.InstanceID(),
		Language:        p.Language,
		Pattern:         p.Pattern,
		Signature:       p.Signature,
		Category:        p.Category,
		Description:     p.Description,
		Severity:        p.Severity,
		Technologies:    p.Technologies,
		OccurrenceCount: p.OccurrenceCount,
		FirstSeen:       p.FirstSeen,
		LastSeen:        p.LastSeen,
	}

	var res *pattern.PatternSyncResult
	err := e.call(ctx, opCtx, func(c context.Context) error {
		var err error
		res, err = e.central.FindOrCreatePattern(c, req)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("find or create pattern: %w", err)
	}

	solutions, err := e.local.GetUnsyncedSolutionsForPattern(opCtx, p.ID)
	if err != nil {
		return res.CentralID, fmt.Errorf("listing solutions: %w", err)
	}
	var solutionErr error
	for i := range solutions {
		if !e.breaker.Allow() {
			solutionErr = errors.Join(solutionErr, fmt.Errorf("%w: circuit breaker open", pattern.ErrSyncTransient))
			break
		}
		if err := e.syncSolution(ctx, opCtx, &solutions[i], res.CentralID, sum); err != nil {
			solutionErr = errors.Join(solutionErr, err)
		}
	}
	if solutionErr != nil {
		return res.CentralID, fmt.Errorf("solutions: %w", solutionErr)
	}

	if err := e.local.MarkPatternSynced(opCtx, p.ID, res.CentralID, p.OccurrenceCount); err != nil {
		return res.CentralID, fmt.Errorf("mark pattern synced: %w", err)
	}
	e.audit(ctx, opCtx, pattern.EntityPattern, p.ID, res.CentralID)
	return res.CentralID, nil
}

func (e *Engine) syncSolution(ctx, opCtx context.Context, sol *pattern.Solution, centralPatternID string, sum *Summary) error {
	req := &pattern.SolutionSyncRequest{
		InstanceID:       e.local.InstanceID(),
		LocalSolutionID:  sol.ID,
		PatternID:        centralPatternID,
		Title:            sol.Title,
		Description:      sol.Description,
		CodeChange:       sol.CodeChange,
		Steps:            sol.Steps,
		MinutesToResolve: sol.MinutesToResolve,
		Effectiveness:    sol.Effectiveness,
		TimesApplied:     sol.TimesApplied,
		AppliedBy:        sol.AppliedBy,
	}

	var res *pattern.SolutionSyncResult
	err := e.call(ctx, opCtx, func(c context.Context) error {
		var err error
		res, err = e.central.FindOrCreateSolution(c, req)
		return err
	})
	if err == nil {
		if err = e.local.MarkSolutionSynced(opCtx, sol.ID, res.CentralID, sol.TimesApplied); err != nil {
			err = fmt.Errorf("mark solution synced: %w", err)
		}
	}
	if err != nil {
		centralID := ""
		if res != nil {
			centralID = res.CentralID
		}
		sum.SolutionsFailed++
		sum.addError(pattern.EntitySolution, sol.ID, err)
		e.metrics.item(pattern.EntitySolution, pattern.SyncFailed)
		e.auditLocal(opCtx, pattern.EntitySolution, sol.ID, centralID, err)
		return fmt.Errorf("solution %s: %w", sol.ID, err)
	}

	sum.SolutionsSynced++
	e.metrics.item(pattern.EntitySolution, pattern.SyncSuccess)
	e.audit(ctx, opCtx, pattern.EntitySolution, sol.ID, res.CentralID)
	e.logger.Debug(ctx, "solution synced",
		zap.String("solution_id", sol.ID),
		zap.String("central_id", res.CentralID),
		zap.Bool("merged", res.Merged))
	return nil
}

// syncLeftoverSolutions pushes solutions added to patterns that were synced
// in an earlier cycle.
func (e *Engine) syncLeftoverSolutions(ctx context.Context, attempted map[string]bool, sum *Summary) {
	solutions, err := e.local.GetUnsyncedSolutions(ctx)
	if err != nil {
		sum.addError(pattern.EntitySolution, "*", err)
		e.logger.Warn(ctx, "listing unsynced solutions failed", zap.Error(err))
		return
	}

	centralIDs := make(map[string]string)
	for i := range solutions {
		sol := &solutions[i]
		if attempted[sol.PatternID] {
			continue
		}
		centralID, ok := centralIDs[sol.PatternID]
		if !ok {
			p, err := e.local.GetPattern(ctx, sol.PatternID)
			if err != nil {
				sum.addError(pattern.EntitySolution, sol.ID, err)
				continue
			}
			centralID = p.CentralID
			centralIDs[sol.PatternID] = centralID
		}
		if centralID == "" {
			continue
		}
		if ctx.Err() != nil || !e.breaker.Allow() {
			return
		}

		pctx := logging.WithPatternID(ctx, sol.PatternID)
		opCtx, cancel := e.detach(pctx)
		_ = e.syncSolution(pctx, opCtx, sol, centralID, sum)
		cancel()
	}
}

func (e *Engine) syncFeedback(ctx context.Context, sum *Summary) {
	events, err := e.local.GetUnsyncedFeedback(ctx)
	if err != nil {
		sum.addError(pattern.EntityFeedback, "*", err)
		e.logger.Warn(ctx, "listing unsynced feedback failed", zap.Error(err))
		return
	}

	for i := range events {
		ev := &events[i]
		if ctx.Err() != nil || !e.breaker.Allow() {
			return
		}
		opCtx, cancel := e.detach(ctx)
		err := e.pushFeedback(ctx, opCtx, ev)
		if err != nil {
			sum.FeedbackFailed++
			sum.addError(pattern.EntityFeedback, ev.ID, err)
			e.metrics.item(pattern.EntityFeedback, pattern.SyncFailed)
			e.auditLocal(opCtx, pattern.EntityFeedback, ev.ID, ev.SolutionCentralID, err)
			e.logger.Warn(ctx, "feedback sync failed", zap.String("event_id", ev.ID), zap.Error(err))
		} else {
			sum.FeedbackSynced++
			e.metrics.item(pattern.EntityFeedback, pattern.SyncSuccess)
			e.audit(ctx, opCtx, pattern.EntityFeedback, ev.ID, ev.SolutionCentralID)
		}
		cancel()
	}
}

func (e *Engine) pushFeedback(ctx, opCtx context.Context, ev *pattern.FeedbackEvent) error {
	req := &pattern.FeedbackSyncRequest{
		EventID:    ev.ID,
		SolutionID: ev.SolutionCentralID,
		Effective:  ev.Effective,
		Rating:     ev.Rating,
		Notes:      ev.Notes,
	}
	if err := e.call(ctx, opCtx, func(c context.Context) error {
		return e.central.RecordFeedback(c, req)
	}); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	if err := e.local.MarkFeedbackSynced(opCtx, ev.ID); err != nil {
		return fmt.Errorf("mark feedback synced: %w", err)
	}
	return nil
}

// call runs op against the central store with rate limiting and retry.
// Waits between attempts observe ctx, so no new attempt starts once the
// cycle is cancelled; the attempts themselves run under opCtx. Only
// transient failures count against the breaker.
func (e *Engine) call(ctx, opCtx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.Multiplier = 2

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := e.limiter.Wait(opCtx); err != nil {
			last = fmt.Errorf("%w: rate limiter: %v", pattern.ErrSyncTransient, err)
			return struct{}{}, backoff.Permanent(last)
		}
		err := op(opCtx)
		if err == nil {
			last = nil
			return struct{}{}, nil
		}
		last = err
		if !pattern.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(e.cfg.PatternTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug(ctx, "retrying central call", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	if err != nil && last != nil {
		err = last
	}

	switch {
	case err == nil:
		e.breaker.RecordSuccess()
	case pattern.IsTransient(err):
		e.breaker.RecordFailure()
	default:
		// The central store answered; it is reachable.
		e.breaker.RecordSuccess()
	}
	return err
}

// audit appends a success record locally and, best effort, centrally.
func (e *Engine) audit(ctx, opCtx context.Context, kind pattern.EntityType, localID, centralID string) {
	rec := pattern.SyncRecord{
		InstanceID: e.local.InstanceID(),
		EntityType: kind,
		LocalID:    localID,
		CentralID:  centralID,
		Status:     pattern.SyncSuccess,
		CreatedAt:  e.now(),
	}
	local := rec
	if err := e.local.AppendSyncRecord(opCtx, &local); err != nil {
		e.logger.Warn(ctx, "local sync record append failed", zap.Error(err))
	}
	if err := e.limiter.Wait(opCtx); err != nil {
		return
	}
	if err := e.central.AppendSyncRecord(opCtx, &rec); err != nil {
		e.logger.Warn(ctx, "central sync record append failed",
			zap.String("entity", string(kind)), zap.String("local_id", localID), zap.Error(err))
	}
}

// auditLocal appends a failure record to the local audit log only.
func (e *Engine) auditLocal(ctx context.Context, kind pattern.EntityType, localID, centralID string, cause error) {
	rec := &pattern.SyncRecord{
		InstanceID:   e.local.InstanceID(),
		EntityType:   kind,
		LocalID:      localID,
		CentralID:    centralID,
		Status:       pattern.SyncFailed,
		ErrorMessage: cause.Error(),
		CreatedAt:    e.now(),
	}
	if err := e.local.AppendSyncRecord(ctx, rec); err != nil {
		e.logger.Warn(ctx, "local sync record append failed", zap.Error(err))
	}
}
