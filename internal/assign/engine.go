// Package assign owns job records and drives them through
// pending -> assigned -> in_progress -> {completed, disputed, cancelled}.
// Matching runs on a fixed tick over pending jobs in creation order; there is
// no auction inside this core.
package assign

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/observability"
	"github.com/example/meshwork/internal/payment"
	"github.com/example/meshwork/internal/registry"
	"github.com/example/meshwork/internal/state"
)

// Reputation deltas applied on completion outcomes.
const (
	SuccessDelta = 150
	FailureDelta = -300
)

// DisputeOpener decouples the deadline sweep from the dispute coordinator;
// the coordinator implements it and is wired in at bootstrap.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, jobID, openerID, opener, reason, category string) (state.DisputeRecord, error)
}

type Options struct {
	Tick            time.Duration
	RetentionWindow time.Duration
}

type Engine struct {
	store     state.Store
	registry  *registry.Registry
	streamer  *payment.Streamer
	log       *logrus.Logger
	jobLocks  *state.KeyedMutex
	tick      time.Duration
	retention time.Duration
	opener    DisputeOpener
}

func New(store state.Store, reg *registry.Registry, streamer *payment.Streamer, jobLocks *state.KeyedMutex, log *logrus.Logger, opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if jobLocks == nil {
		jobLocks = state.NewKeyedMutex()
	}
	return &Engine{
		store:     store,
		registry:  reg,
		streamer:  streamer,
		log:       log,
		jobLocks:  jobLocks,
		tick:      opts.Tick,
		retention: opts.RetentionWindow,
	}
}

func (e *Engine) SetDisputeOpener(o DisputeOpener) { e.opener = o }

// JobLocks exposes the per-job lock map so the dispute coordinator serializes
// against the same locks when it touches job records.
func (e *Engine) JobLocks() *state.KeyedMutex { return e.jobLocks }

func (e *Engine) CreateJob(ctx context.Context, requesterID, jobType string, req state.Requirements, escrowAmount int64, deadline time.Time) (state.JobRecord, error) {
	if requesterID == "" {
		return state.JobRecord{}, errs.Validation("job", "", "requester id is required")
	}
	if escrowAmount <= 0 {
		return state.JobRecord{}, errs.Validation("job", "", "escrow amount must be positive")
	}
	if req.MinReputation < 0 || req.MinReputation > state.MaxReputation {
		return state.JobRecord{}, errs.Validation("job", "", "min reputation out of range")
	}
	for _, c := range req.Capabilities {
		if !state.ValidCapability(c) {
			return state.JobRecord{}, errs.Validation("job", "", "unknown capability "+string(c))
		}
	}
	ctx, span := observability.StartSpan(ctx, "assign.create_job",
		attribute.String("requester.id", requesterID),
		attribute.String("job.type", jobType),
	)
	defer span.End()

	now := time.Now().UTC()
	job := state.JobRecord{
		ID:           uuid.NewString(),
		Type:         jobType,
		RequesterID:  requesterID,
		Requirements: req,
		EscrowAmount: escrowAmount,
		Deadline:     deadline,
		Status:       state.JobPending,
		CreatedAt:    now,
	}
	if err := e.store.SaveJob(ctx, job); err != nil {
		return state.JobRecord{}, err
	}
	observability.Default.IncCounter("assign_jobs_created_total", nil, 1)
	return job, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (state.JobRecord, bool, error) {
	return e.store.LoadJob(ctx, jobID)
}

// TryAssign matches one pending job to the best eligible worker. Candidates
// are walked in the registry's deterministic order; a candidate that turns
// busy between listing and binding is skipped, not an error.
func (e *Engine) TryAssign(ctx context.Context, jobID string) (state.JobRecord, bool, error) {
	ctx, span := observability.StartSpan(ctx, "assign.try_assign", attribute.String("job.id", jobID))
	defer span.End()

	unlock := e.jobLocks.Lock(jobID)
	defer unlock()

	job, ok, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, false, err
	}
	if !ok {
		return state.JobRecord{}, false, errs.NotFound("job", jobID)
	}
	if job.Status != state.JobPending {
		return job, false, nil
	}
	candidates, err := e.registry.ListEligible(ctx, job.Requirements)
	if err != nil {
		return job, false, err
	}
	for i := range candidates {
		workerID := candidates[i].ID
		if err := e.registry.MarkBusy(ctx, workerID, job.ID); err != nil {
			if errs.IsConflict(err) {
				continue
			}
			return job, false, err
		}
		job.WorkerID = workerID
		job.Status = state.JobAssigned
		if err := e.store.SaveJob(ctx, job); err != nil {
			return job, false, err
		}
		observability.Default.IncCounter("assign_assignments_total", nil, 1)
		e.log.WithFields(logrus.Fields{"job_id": job.ID, "worker_id": workerID}).Info("job assigned")
		return job, true, nil
	}
	return job, false, nil
}

// AssignPending runs one assignment pass over pending jobs in creation order.
func (e *Engine) AssignPending(ctx context.Context) int {
	pending, err := e.store.ListJobsByStatus(ctx, state.JobPending)
	if err != nil {
		e.log.WithError(err).Warn("assignment tick: list pending failed")
		return 0
	}
	assigned := 0
	for i := range pending {
		_, ok, err := e.TryAssign(ctx, pending[i].ID)
		if err != nil {
			e.log.WithError(err).WithField("job_id", pending[i].ID).Warn("assignment tick: try assign failed")
			continue
		}
		if ok {
			assigned++
		}
	}
	return assigned
}

// ReportProgress applies a monotone progress update and streams the payment
// increment. The first report moves the job to in_progress. A decrease means
// a stale or duplicate message and is rejected; an equal value is a harmless
// duplicate.
func (e *Engine) ReportProgress(ctx context.Context, jobID, workerID string, progress int, metrics map[string]float64) error {
	if progress < 0 || progress > 100 {
		return errs.Validation("job", jobID, "progress out of range")
	}
	unlock := e.jobLocks.Lock(jobID)
	defer unlock()

	job, ok, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("job", jobID)
	}
	if job.Status != state.JobAssigned && job.Status != state.JobInProgress {
		return errs.InvalidState("job", jobID, "progress not accepted in status "+string(job.Status))
	}
	if workerID != "" && workerID != job.WorkerID {
		return errs.Conflict("job", jobID, "progress from non-assigned worker "+workerID)
	}
	if progress < job.Progress {
		e.log.WithFields(logrus.Fields{"job_id": jobID, "have": job.Progress, "got": progress}).Warn("stale progress report rejected")
		return errs.Conflict("job", jobID, "progress would decrease")
	}
	if job.Status == state.JobAssigned {
		job.Status = state.JobInProgress
	}
	if progress == job.Progress && job.Status == state.JobInProgress {
		// Duplicate delivery; nothing to pay, nothing to change.
		return e.store.SaveJob(ctx, job)
	}
	job.Progress = progress
	delta := e.streamer.OnProgress(&job)
	if delta > 0 {
		observability.Default.IncCounter("payment_streamed_total", nil, float64(delta))
	}
	return e.store.SaveJob(ctx, job)
}

// Complete finishes the job, releases the worker, pays out the remainder and
// applies the completion reputation delta (positive unless the requester
// flagged the result as failed).
func (e *Engine) Complete(ctx context.Context, jobID, workerID string, success bool, resultHash string) error {
	ctx, span := observability.StartSpan(ctx, "assign.complete", attribute.String("job.id", jobID))
	defer span.End()

	unlock := e.jobLocks.Lock(jobID)
	defer unlock()

	job, ok, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("job", jobID)
	}
	if job.Status != state.JobAssigned && job.Status != state.JobInProgress {
		return errs.InvalidState("job", jobID, "complete not accepted in status "+string(job.Status))
	}
	if workerID != "" && workerID != job.WorkerID {
		return errs.Conflict("job", jobID, "completion from non-assigned worker "+workerID)
	}
	job.Progress = 100
	job.Status = state.JobCompleted
	job.ResultHash = resultHash
	job.ClosedAt = time.Now().UTC()
	e.streamer.OnComplete(&job)
	if err := e.store.SaveJob(ctx, job); err != nil {
		return err
	}
	assigned := job.WorkerID

	// Job lock is still held; Job -> Worker is the allowed order.
	if err := e.registry.MarkAvailable(ctx, assigned); err != nil {
		e.log.WithError(err).WithField("worker_id", assigned).Warn("complete: release worker failed")
	}
	delta := SuccessDelta
	reason := "job_completed"
	if !success {
		delta = FailureDelta
		reason = "job_failed"
	}
	if _, err := e.registry.ApplyReputationDelta(ctx, assigned, delta, reason); err != nil {
		e.log.WithError(err).WithField("worker_id", assigned).Warn("complete: reputation delta failed")
	}
	observability.Default.IncCounter("assign_jobs_completed_total", map[string]string{"success": boolLabel(success)}, 1)
	return nil
}

// Cancel is only valid while the job is still pending.
func (e *Engine) Cancel(ctx context.Context, jobID, requesterID string) error {
	unlock := e.jobLocks.Lock(jobID)
	defer unlock()

	job, ok, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("job", jobID)
	}
	if requesterID != "" && requesterID != job.RequesterID {
		return errs.Conflict("job", jobID, "cancel from non-owner "+requesterID)
	}
	if job.Status != state.JobPending {
		return errs.InvalidState("job", jobID, "cancel only allowed while pending")
	}
	job.Status = state.JobCancelled
	job.ClosedAt = time.Now().UTC()
	return e.store.SaveJob(ctx, job)
}

// HandleWorkerOffline returns a job orphaned by a lapsed worker to pending so
// the next tick can reassign it. This is a retry, not a failure; escrow
// already paid stays paid and progress restarts.
func (e *Engine) HandleWorkerOffline(ctx context.Context, jobID, workerID string) {
	unlock := e.jobLocks.Lock(jobID)
	defer unlock()

	job, ok, err := e.store.LoadJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	if job.WorkerID != workerID {
		return
	}
	if job.Status != state.JobAssigned && job.Status != state.JobInProgress {
		return
	}
	job.WorkerID = ""
	job.Status = state.JobPending
	job.Progress = 0
	job.Message = "worker " + workerID + " went offline; requeued"
	if err := e.store.SaveJob(ctx, job); err != nil {
		e.log.WithError(err).WithField("job_id", jobID).Warn("offline requeue: save failed")
		return
	}
	observability.Default.IncCounter("assign_offline_requeues_total", nil, 1)
	e.log.WithFields(logrus.Fields{"job_id": jobID, "worker_id": workerID}).Info("job requeued after worker went offline")
}

// SweepDeadlines forces jobs past their deadline into a dispute (the one
// automatic dispute trigger) and archives terminal jobs past retention.
func (e *Engine) SweepDeadlines(ctx context.Context, now time.Time) {
	active, err := e.store.ListJobsByStatus(ctx, state.JobAssigned, state.JobInProgress)
	if err != nil {
		e.log.WithError(err).Warn("deadline sweep: list failed")
		return
	}
	for i := range active {
		job := active[i]
		if job.Deadline.IsZero() || job.Deadline.After(now) {
			continue
		}
		if e.opener == nil {
			e.log.WithField("job_id", job.ID).Warn("deadline missed but no dispute opener wired; job left as is")
			continue
		}
		if _, err := e.opener.OpenDispute(ctx, job.ID, job.RequesterID, "requester", "deadline missed", "deadline"); err != nil {
			if !errs.IsInvalidState(err) && !errs.IsConflict(err) {
				e.log.WithError(err).WithField("job_id", job.ID).Warn("deadline sweep: open dispute failed")
			}
			continue
		}
		observability.Default.IncCounter("assign_deadline_disputes_total", nil, 1)
		e.log.WithFields(logrus.Fields{"job_id": job.ID, "deadline": job.Deadline}).Info("deadline missed; dispute opened")
	}
	e.archive(ctx, now)
}

func (e *Engine) archive(ctx context.Context, now time.Time) {
	closed, err := e.store.ListJobsByStatus(ctx, state.JobCompleted, state.JobCancelled, state.JobDisputed)
	if err != nil {
		return
	}
	cutoff := now.Add(-e.retention)
	for i := range closed {
		j := closed[i]
		if !j.TerminalStatus() || j.ClosedAt.IsZero() || j.ClosedAt.After(cutoff) {
			continue
		}
		if err := e.store.DeleteJob(ctx, j.ID); err != nil {
			e.log.WithError(err).WithField("job_id", j.ID).Warn("archive: delete failed")
		}
	}
}

// Run drives the assignment tick and deadline sweep until cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.AssignPending(ctx)
			e.SweepDeadlines(ctx, time.Now().UTC())
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
