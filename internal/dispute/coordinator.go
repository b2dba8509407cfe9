// Package dispute owns dispute records and runs them through
// open -> jury_selection -> voting -> {resolved, timeout}. Jurors are drawn
// from the registry excluding the job parties; resolution is irreversible and
// triggers exactly one reputation delta per involved party and rewarded
// juror, plus the payment split for the remaining escrow.
package dispute

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/events"
	"github.com/example/meshwork/internal/observability"
	"github.com/example/meshwork/internal/payment"
	"github.com/example/meshwork/internal/registry"
	"github.com/example/meshwork/internal/state"
)

// Reputation deltas applied at resolution.
const (
	JurorRewardDelta = 100
	LossDelta        = -400
)

const (
	OpenerRequester = "requester"
	OpenerWorker    = "worker"
)

type Options struct {
	JurySize           int
	JuryBuffer         int
	ConsensusThreshold int
	MinJury            int
	AcceptWindow       time.Duration
	VoteWindow         time.Duration
	MinJurorReputation int
	SweepInterval      time.Duration
	RetentionWindow    time.Duration
}

type Coordinator struct {
	store    state.Store
	registry *registry.Registry
	streamer *payment.Streamer
	sink     events.Sink
	log      *logrus.Logger

	jobLocks     *state.KeyedMutex
	disputeLocks *state.KeyedMutex

	opts Options
}

func New(store state.Store, reg *registry.Registry, streamer *payment.Streamer, sink events.Sink, jobLocks *state.KeyedMutex, log *logrus.Logger, opts Options) *Coordinator {
	if opts.JurySize <= 0 {
		opts.JurySize = 10
	}
	if opts.JuryBuffer <= 0 {
		opts.JuryBuffer = 5
	}
	if opts.ConsensusThreshold <= 0 || opts.ConsensusThreshold > opts.JurySize {
		opts.ConsensusThreshold = 8
	}
	if opts.MinJury <= 0 {
		opts.MinJury = 3
	}
	if opts.AcceptWindow <= 0 {
		opts.AcceptWindow = 5 * time.Minute
	}
	if opts.VoteWindow <= 0 {
		opts.VoteWindow = 25 * time.Minute
	}
	if opts.MinJurorReputation <= 0 {
		opts.MinJurorReputation = 7000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
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
	return &Coordinator{
		store:        store,
		registry:     reg,
		streamer:     streamer,
		sink:         sink,
		log:          log,
		jobLocks:     jobLocks,
		disputeLocks: state.NewKeyedMutex(),
		opts:         opts,
	}
}

// OpenDispute moves the job to disputed and creates the dispute record, then
// immediately attempts jury selection. Only the job party the opener role
// names may open; the job-status check makes disputes 1:1 with jobs, so a
// second open attempt sees status disputed and fails.
func (c *Coordinator) OpenDispute(ctx context.Context, jobID, openerID, opener, reason, category string) (state.DisputeRecord, error) {
	if opener != OpenerRequester && opener != OpenerWorker {
		return state.DisputeRecord{}, errs.Validation("dispute", "", "opener must be requester or worker")
	}
	if category == "" {
		return state.DisputeRecord{}, errs.Validation("dispute", "", "category is required")
	}
	ctx, span := observability.StartSpan(ctx, "dispute.open",
		attribute.String("job.id", jobID),
		attribute.String("opener", opener),
	)
	defer span.End()

	var job state.JobRecord
	var prevStatus state.JobStatus
	err := func() error {
		unlock := c.jobLocks.Lock(jobID)
		defer unlock()
		loaded, ok, err := c.store.LoadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound("job", jobID)
		}
		switch loaded.Status {
		case state.JobAssigned, state.JobInProgress, state.JobCompleted:
		default:
			return errs.InvalidState("job", jobID, "dispute not allowed in status "+string(loaded.Status))
		}
		if loaded.WorkerID == "" {
			return errs.InvalidState("job", jobID, "dispute requires an assigned worker")
		}
		party := loaded.RequesterID
		if opener == OpenerWorker {
			party = loaded.WorkerID
		}
		if openerID != party {
			return errs.Conflict("job", jobID, "opener "+openerID+" is not the job "+opener)
		}
		prevStatus = loaded.Status
		loaded.Status = state.JobDisputed
		if err := c.store.SaveJob(ctx, loaded); err != nil {
			return err
		}
		job = loaded
		return nil
	}()
	if err != nil {
		return state.DisputeRecord{}, err
	}

	now := time.Now().UTC()
	d := state.DisputeRecord{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		RequesterID: job.RequesterID,
		WorkerID:    job.WorkerID,
		Opener:      opener,
		Category:    category,
		Reason:      reason,
		Status:      state.DisputeOpen,
		CreatedAt:   now,
	}
	if err := c.store.SaveDispute(ctx, d); err != nil {
		// Without a dispute record the job must not stay disputed, or the
		// opener could never retry. Best-effort restore of the prior status.
		c.revertJobStatus(ctx, job.ID, prevStatus)
		return state.DisputeRecord{}, err
	}
	observability.Default.IncCounter("dispute_opened_total", map[string]string{"opener": opener}, 1)
	c.log.WithFields(logrus.Fields{"dispute_id": d.ID, "job_id": job.ID, "opener": opener, "category": category}).Info("dispute opened")

	if err := c.SelectJury(ctx, d.ID); err != nil {
		// Zero eligible jurors is visibly stuck, not fatal; the sweep retries.
		c.log.WithError(err).WithField("dispute_id", d.ID).Warn("initial jury selection failed")
	}
	d, _, _ = c.store.LoadDispute(ctx, d.ID)
	return d, nil
}

func (c *Coordinator) GetDispute(ctx context.Context, disputeID string) (state.DisputeRecord, bool, error) {
	return c.store.LoadDispute(ctx, disputeID)
}

// SelectJury invites jurySize+buffer candidates drawn from the registry,
// shuffled with a seed derived from the dispute ID so selection is
// reproducible for a given dispute.
func (c *Coordinator) SelectJury(ctx context.Context, disputeID string) error {
	unlock := c.disputeLocks.Lock(disputeID)
	defer unlock()

	d, ok, err := c.store.LoadDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("dispute", disputeID)
	}
	if d.Status != state.DisputeOpen {
		return errs.InvalidState("dispute", disputeID, "jury already selected")
	}
	req := state.Requirements{
		Capabilities:  []state.Capability{state.CapabilityJury},
		MinReputation: c.opts.MinJurorReputation,
	}
	candidates, err := c.registry.ListEligible(ctx, req, d.RequesterID, d.WorkerID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return errs.NotFound("jury", disputeID)
	}
	shuffleCandidates(d.ID, candidates)

	invites := c.opts.JurySize + c.opts.JuryBuffer
	if invites > len(candidates) {
		invites = len(candidates)
	}
	now := time.Now().UTC()
	d.Jury = make([]state.JurorSlot, 0, invites)
	d.JuryDeadline = now.Add(c.opts.AcceptWindow)
	for i := 0; i < invites; i++ {
		d.Jury = append(d.Jury, state.JurorSlot{WorkerID: candidates[i].ID, InvitedAt: now})
	}
	d.Status = state.DisputeJurySelection
	if err := c.store.SaveDispute(ctx, d); err != nil {
		return err
	}
	for i := range d.Jury {
		c.sink.Emit(events.JuryInvite(d.ID, d.Jury[i].WorkerID, d.JuryDeadline))
	}
	observability.Default.IncCounter("dispute_jury_invites_total", nil, float64(len(d.Jury)))
	return nil
}

// AcceptInvite records a juror's acceptance. Once jurySize have accepted the
// jury is truncated to exactly those members (first accepted wins) and voting
// opens. A duplicate acceptance is a harmless no-op.
func (c *Coordinator) AcceptInvite(ctx context.Context, disputeID, workerID string) error {
	unlock := c.disputeLocks.Lock(disputeID)
	defer unlock()

	d, ok, err := c.store.LoadDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("dispute", disputeID)
	}
	if d.Status != state.DisputeJurySelection {
		return errs.InvalidState("dispute", disputeID, "not accepting jurors in status "+string(d.Status))
	}
	if !d.JuryDeadline.After(time.Now().UTC()) {
		// The sweep will close the window; the late juror is turned away now.
		return errs.DeadlineExceeded("dispute", disputeID, "accept window has closed")
	}
	slot := d.Slot(workerID)
	if slot == nil {
		return errs.Conflict("dispute", disputeID, "worker "+workerID+" was not invited")
	}
	if slot.Accepted() {
		return nil
	}
	slot.AcceptedAt = time.Now().UTC()

	if d.AcceptedCount() >= c.opts.JurySize {
		c.startVoting(&d, c.opts.JurySize, c.opts.ConsensusThreshold, time.Now().UTC())
	}
	return c.store.SaveDispute(ctx, d)
}

// SubmitEvidence appends an evidence reference. Only the two job parties may
// submit, and only before resolution; the trail is append-only.
func (c *Coordinator) SubmitEvidence(ctx context.Context, disputeID, submitterID, contentHash, evidenceType string) error {
	if contentHash == "" {
		return errs.Validation("dispute", disputeID, "evidence content hash is required")
	}
	unlock := c.disputeLocks.Lock(disputeID)
	defer unlock()

	d, ok, err := c.store.LoadDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("dispute", disputeID)
	}
	if submitterID != d.RequesterID && submitterID != d.WorkerID {
		return errs.Conflict("dispute", disputeID, "evidence only accepted from job parties")
	}
	switch d.Status {
	case state.DisputeOpen, state.DisputeJurySelection, state.DisputeVoting:
	default:
		return errs.InvalidState("dispute", disputeID, "evidence not accepted in status "+string(d.Status))
	}
	d.Evidence = append(d.Evidence, state.EvidenceRecord{
		SubmitterID: submitterID,
		ContentHash: contentHash,
		Type:        evidenceType,
		SubmittedAt: time.Now().UTC(),
	})
	return c.store.SaveDispute(ctx, d)
}

// SubmitVote records an accepted juror's single, immutable vote and resolves
// immediately if the consensus threshold is reached or every accepted juror
// has voted.
func (c *Coordinator) SubmitVote(ctx context.Context, disputeID, workerID string, vote state.Verdict, confidence int) error {
	switch vote {
	case state.VerdictRequesterWin, state.VerdictWorkerWin, state.VerdictSplit:
	default:
		return errs.Validation("dispute", disputeID, "invalid vote "+string(vote))
	}
	if confidence < 0 || confidence > 100 {
		return errs.Validation("dispute", disputeID, "confidence out of range")
	}

	var resolved *state.DisputeRecord
	err := func() error {
		unlock := c.disputeLocks.Lock(disputeID)
		defer unlock()

		d, ok, err := c.store.LoadDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound("dispute", disputeID)
		}
		if d.Status != state.DisputeVoting {
			return errs.InvalidState("dispute", disputeID, "not voting in status "+string(d.Status))
		}
		if !d.VotingDeadline.After(time.Now().UTC()) {
			return errs.DeadlineExceeded("dispute", disputeID, "voting window has closed")
		}
		slot := d.Slot(workerID)
		if slot == nil || !slot.Accepted() {
			return errs.Conflict("dispute", disputeID, "worker "+workerID+" is not an accepted juror")
		}
		if slot.Voted() {
			return errs.Conflict("dispute", disputeID, "juror "+workerID+" already voted")
		}
		slot.Vote = vote
		slot.Confidence = confidence
		slot.VotedAt = time.Now().UTC()
		observability.Default.IncCounter("dispute_votes_total", map[string]string{"vote": string(vote)}, 1)

		counts, voted, accepted := tally(&d)
		if verdict, done := verdictFromCounts(counts, voted, accepted, d.Threshold, false); done {
			c.markResolved(&d, verdict, counts)
			resolved = &d
		}
		return c.store.SaveDispute(ctx, d)
	}()
	if err != nil {
		return err
	}
	if resolved != nil {
		c.finalize(ctx, *resolved)
	}
	return nil
}

// SweepDeadlines enforces every timed dispute state: it retries jury
// selection for stuck-open disputes, applies the under-quorum fallback or
// timeout at the accept deadline, closes voting at the voting deadline, and
// archives terminal disputes past retention. A dispute nobody polls still
// resolves on schedule.
func (c *Coordinator) SweepDeadlines(ctx context.Context, now time.Time) {
	open, err := c.store.ListDisputesByStatus(ctx, state.DisputeOpen, state.DisputeJurySelection, state.DisputeVoting)
	if err != nil {
		c.log.WithError(err).Warn("dispute sweep: list failed")
		return
	}
	for i := range open {
		d := open[i]
		switch d.Status {
		case state.DisputeOpen:
			if err := c.SelectJury(ctx, d.ID); err != nil && !errs.IsInvalidState(err) {
				c.log.WithError(err).WithField("dispute_id", d.ID).Warn("dispute stuck: no eligible jurors")
			}
		case state.DisputeJurySelection:
			if !d.JuryDeadline.After(now) {
				c.closeAcceptWindow(ctx, d.ID, now)
			}
		case state.DisputeVoting:
			if !d.VotingDeadline.After(now) {
				c.closeVoting(ctx, d.ID, now)
			}
		}
	}
	c.archive(ctx, now)
}

// Run drives the dispute sweep until cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.SweepDeadlines(ctx, time.Now().UTC())
		}
	}
}

// closeAcceptWindow applies the under-quorum policy: with at least MinJury
// acceptances voting proceeds with the accepted jurors at a strict-majority
// threshold; with fewer the dispute times out and the escrow remainder is
// refunded.
func (c *Coordinator) closeAcceptWindow(ctx context.Context, disputeID string, now time.Time) {
	var resolved *state.DisputeRecord
	err := func() error {
		unlock := c.disputeLocks.Lock(disputeID)
		defer unlock()
		d, ok, err := c.store.LoadDispute(ctx, disputeID)
		if err != nil || !ok {
			return err
		}
		if d.Status != state.DisputeJurySelection || d.JuryDeadline.After(now) {
			return nil
		}
		accepted := d.AcceptedCount()
		if accepted >= c.opts.MinJury {
			threshold := accepted/2 + 1
			if accepted >= c.opts.JurySize {
				threshold = c.opts.ConsensusThreshold
			}
			c.startVoting(&d, accepted, threshold, now)
			c.log.WithFields(logrus.Fields{"dispute_id": d.ID, "jurors": accepted, "threshold": threshold}).Info("accept window closed; voting started")
		} else {
			c.markResolved(&d, state.VerdictTimeout, map[string]int{})
			resolved = &d
			c.log.WithFields(logrus.Fields{"dispute_id": d.ID, "accepted": accepted}).Warn("jury never formed; dispute timed out")
		}
		return c.store.SaveDispute(ctx, d)
	}()
	if err != nil {
		c.log.WithError(err).WithField("dispute_id", disputeID).Warn("accept window close failed")
		return
	}
	if resolved != nil {
		c.finalize(ctx, *resolved)
	}
}

// closeVoting resolves at the voting deadline: plurality if one exists, split
// on a tie, timeout if nobody voted.
func (c *Coordinator) closeVoting(ctx context.Context, disputeID string, now time.Time) {
	var resolved *state.DisputeRecord
	err := func() error {
		unlock := c.disputeLocks.Lock(disputeID)
		defer unlock()
		d, ok, err := c.store.LoadDispute(ctx, disputeID)
		if err != nil || !ok {
			return err
		}
		if d.Status != state.DisputeVoting || d.VotingDeadline.After(now) {
			return nil
		}
		counts, voted, accepted := tally(&d)
		verdict, _ := verdictFromCounts(counts, voted, accepted, d.Threshold, true)
		c.markResolved(&d, verdict, counts)
		resolved = &d
		return c.store.SaveDispute(ctx, d)
	}()
	if err != nil {
		c.log.WithError(err).WithField("dispute_id", disputeID).Warn("voting close failed")
		return
	}
	if resolved != nil {
		c.finalize(ctx, *resolved)
	}
}

// markResolved mutates the record to its terminal state and flags rewarded
// jurors. Side effects that need other entity locks happen in finalize, after
// the dispute lock is released.
func (c *Coordinator) markResolved(d *state.DisputeRecord, verdict state.Verdict, counts map[string]int) {
	now := time.Now().UTC()
	d.Verdict = verdict
	d.VoteBreakdown = counts
	d.ClosedAt = now
	if verdict == state.VerdictTimeout {
		d.Status = state.DisputeTimeout
		return
	}
	d.Status = state.DisputeResolved
	for i := range d.Jury {
		if d.Jury[i].Voted() && d.Jury[i].Vote == verdict {
			d.Jury[i].Rewarded = true
		}
	}
}

// finalize applies resolution side effects outside the dispute lock, in the
// Job -> Worker lock order: payment split and job terminal state first, then
// worker release and reputation deltas. Exactly one call per dispute; the
// terminal status transition guards re-entry.
func (c *Coordinator) finalize(ctx context.Context, d state.DisputeRecord) {
	func() {
		unlock := c.jobLocks.Lock(d.JobID)
		defer unlock()
		job, ok, err := c.store.LoadJob(ctx, d.JobID)
		if err != nil || !ok {
			return
		}
		c.streamer.Resolve(&job, d.Verdict)
		job.ClosedAt = d.ClosedAt
		if d.Verdict == state.VerdictTimeout {
			job.Status = state.JobCancelled
			job.WorkerID = ""
			job.Message = "dispute timed out; escrow remainder refunded"
		}
		if err := c.store.SaveJob(ctx, job); err != nil {
			c.log.WithError(err).WithField("job_id", d.JobID).Warn("finalize: save job failed")
		}
	}()

	if d.WorkerID != "" {
		if err := c.registry.MarkAvailable(ctx, d.WorkerID); err != nil && !errs.IsNotFound(err) {
			c.log.WithError(err).WithField("worker_id", d.WorkerID).Warn("finalize: release worker failed")
		}
	}

	c.sink.Emit(events.VerdictAnnounced(d.ID, string(d.Verdict), d.VoteBreakdown))
	observability.Default.IncCounter("dispute_resolved_total", map[string]string{"verdict": string(d.Verdict)}, 1)

	if d.Verdict == state.VerdictTimeout {
		// No party loses and no juror is rewarded when nothing was decided.
		return
	}
	switch d.Verdict {
	case state.VerdictWorkerWin:
		c.applyDelta(ctx, d.RequesterID, LossDelta, "dispute_lost")
	case state.VerdictRequesterWin:
		c.applyDelta(ctx, d.WorkerID, LossDelta, "dispute_lost")
	}
	for i := range d.Jury {
		if d.Jury[i].Rewarded {
			c.applyDelta(ctx, d.Jury[i].WorkerID, JurorRewardDelta, "juror_reward")
		}
	}
	c.log.WithFields(logrus.Fields{"dispute_id": d.ID, "verdict": d.Verdict, "breakdown": d.VoteBreakdown}).Info("dispute resolved")
}

// revertJobStatus undoes the disputed transition when dispute creation fails
// after the job was already saved.
func (c *Coordinator) revertJobStatus(ctx context.Context, jobID string, prev state.JobStatus) {
	unlock := c.jobLocks.Lock(jobID)
	defer unlock()
	job, ok, err := c.store.LoadJob(ctx, jobID)
	if err != nil || !ok || job.Status != state.JobDisputed {
		return
	}
	job.Status = prev
	if err := c.store.SaveJob(ctx, job); err != nil {
		c.log.WithError(err).WithField("job_id", jobID).Warn("open dispute rollback failed; job stuck disputed")
	}
}

// applyDelta tolerates parties that have no worker record (a requester that
// never heartbeated cannot lose reputation it does not have).
func (c *Coordinator) applyDelta(ctx context.Context, partyID string, delta int, reason string) {
	if partyID == "" {
		return
	}
	if _, err := c.registry.ApplyReputationDelta(ctx, partyID, delta, reason); err != nil && !errs.IsNotFound(err) {
		c.log.WithError(err).WithField("party_id", partyID).Warn("resolution reputation delta failed")
	}
}

func (c *Coordinator) startVoting(d *state.DisputeRecord, size, threshold int, now time.Time) {
	accepted := make([]state.JurorSlot, 0, size)
	for i := range d.Jury {
		if d.Jury[i].Accepted() {
			accepted = append(accepted, d.Jury[i])
			if len(accepted) == size {
				break
			}
		}
	}
	d.Jury = accepted
	d.Status = state.DisputeVoting
	d.Threshold = threshold
	d.VotingDeadline = now.Add(c.opts.VoteWindow)
}

func (c *Coordinator) archive(ctx context.Context, now time.Time) {
	closed, err := c.store.ListDisputesByStatus(ctx, state.DisputeResolved, state.DisputeTimeout)
	if err != nil {
		return
	}
	cutoff := now.Add(-c.opts.RetentionWindow)
	for i := range closed {
		d := closed[i]
		if d.ClosedAt.IsZero() || d.ClosedAt.After(cutoff) {
			continue
		}
		if err := c.store.DeleteDispute(ctx, d.ID); err != nil {
			c.log.WithError(err).WithField("dispute_id", d.ID).Warn("archive: delete failed")
		}
	}
}
