package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/events"
	"github.com/example/meshwork/internal/payment"
	"github.com/example/meshwork/internal/registry"
	"github.com/example/meshwork/internal/state"
)

type harness struct {
	store    state.Store
	reg      *registry.Registry
	coord    *Coordinator
	recorder *events.Recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := state.NewMemoryStore()
	rec := events.NewRecorder()
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := registry.New(store, rec, log, registry.Options{LivenessTimeout: 90 * time.Second})
	streamer := payment.New(rec, 300)
	coord := New(store, reg, streamer, rec, state.NewKeyedMutex(), log, opts)
	return &harness{store: store, reg: reg, coord: coord, recorder: rec}
}

func (h *harness) addJuror(t *testing.T, id string, reputation int) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.reg.Heartbeat(ctx, id, "", []state.Capability{state.CapabilityJury}, nil); err != nil {
		t.Fatalf("heartbeat %s: %v", id, err)
	}
	w, _, _ := h.store.LoadWorker(ctx, id)
	w.Reputation = reputation
	if err := h.store.SaveWorker(ctx, w); err != nil {
		t.Fatalf("save juror %s: %v", id, err)
	}
}

func (h *harness) addJurors(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("juror-%02d", i)
		h.addJuror(t, id, 8000)
		ids = append(ids, id)
	}
	return ids
}

// seedJob stores an in-progress job with a bound worker, partially paid.
func (h *harness) seedJob(t *testing.T, id string, escrow, paid int64) state.JobRecord {
	t.Helper()
	ctx := context.Background()
	job := state.JobRecord{
		ID:           id,
		Type:         "transcode",
		RequesterID:  "req-1",
		WorkerID:     "worker-a",
		EscrowAmount: escrow,
		AmountPaid:   paid,
		Progress:     int(paid * 100 / escrow),
		Status:       state.JobInProgress,
		Deadline:     time.Now().Add(time.Hour),
	}
	if err := h.store.SaveJob(ctx, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, err := h.reg.Heartbeat(ctx, "worker-a", "", []state.Capability{state.CapabilityCompute}, nil); err != nil {
		t.Fatalf("heartbeat worker: %v", err)
	}
	if err := h.reg.MarkBusy(ctx, "worker-a", id); err != nil {
		t.Fatalf("bind worker: %v", err)
	}
	return job
}

func (h *harness) acceptAll(t *testing.T, d state.DisputeRecord) state.DisputeRecord {
	t.Helper()
	ctx := context.Background()
	for _, slot := range d.Jury {
		if err := h.coord.AcceptInvite(ctx, d.ID, slot.WorkerID); err != nil && !errs.IsInvalidState(err) {
			t.Fatalf("accept %s: %v", slot.WorkerID, err)
		}
	}
	out, ok, err := h.store.LoadDispute(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("reload dispute: ok=%v err=%v", ok, err)
	}
	return out
}

func TestOpenDisputeMovesJobAndInvitesJury(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "bad output", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.Status != state.DisputeJurySelection {
		t.Fatalf("expected jury_selection, got %s", d.Status)
	}
	// jurySize + buffer invites.
	if len(d.Jury) != 15 {
		t.Fatalf("expected 15 invites, got %d", len(d.Jury))
	}
	if len(h.recorder.Invites()) != 15 {
		t.Fatalf("expected 15 invite intents, got %d", len(h.recorder.Invites()))
	}
	job, _, _ := h.store.LoadJob(ctx, "job-1")
	if job.Status != state.JobDisputed {
		t.Fatalf("job not disputed: %s", job.Status)
	}

	// 1:1 with the job: a second open attempt fails.
	if _, err := h.coord.OpenDispute(ctx, "job-1", "worker-a", OpenerWorker, "again", "payment"); !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state for second dispute, got %v", err)
	}
}

func TestOpenDisputeRejectsNonParties(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	// A stranger claiming either role is turned away.
	if _, err := h.coord.OpenDispute(ctx, "job-1", "mallory", OpenerRequester, "r", "quality"); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for outsider opener, got %v", err)
	}
	// So is a real party claiming the other party's role.
	if _, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerWorker, "r", "quality"); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for role mismatch, got %v", err)
	}

	job, _, _ := h.store.LoadJob(ctx, "job-1")
	if job.Status != state.JobInProgress {
		t.Fatalf("rejected open must not touch the job, got %s", job.Status)
	}
	disputes, err := h.store.ListDisputesByStatus(ctx, state.DisputeOpen, state.DisputeJurySelection)
	if err != nil || len(disputes) != 0 {
		t.Fatalf("no dispute record expected, got %d (err=%v)", len(disputes), err)
	}
}

// flakyStore fails a fixed number of dispute saves, then behaves normally.
type flakyStore struct {
	state.Store
	disputeSaveFails int
}

func (s *flakyStore) SaveDispute(ctx context.Context, d state.DisputeRecord) error {
	if s.disputeSaveFails > 0 {
		s.disputeSaveFails--
		return errors.New("backend unavailable")
	}
	return s.Store.SaveDispute(ctx, d)
}

func TestOpenDisputeRollsBackJobWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: state.NewMemoryStore(), disputeSaveFails: 1}
	rec := events.NewRecorder()
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := registry.New(store, rec, log, registry.Options{LivenessTimeout: 90 * time.Second})
	streamer := payment.New(rec, 300)
	coord := New(store, reg, streamer, rec, state.NewKeyedMutex(), log, Options{})
	h := &harness{store: store, reg: reg, coord: coord, recorder: rec}
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	if _, err := coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality"); err == nil {
		t.Fatalf("expected store error to surface")
	}
	// The job must not be left disputed with no dispute record behind it.
	job, _, _ := store.LoadJob(ctx, "job-1")
	if job.Status != state.JobInProgress {
		t.Fatalf("job not rolled back, got %s", job.Status)
	}

	// The opener can retry once the backend recovers.
	d, err := coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if d.Status != state.DisputeJurySelection {
		t.Fatalf("expected jury_selection on retry, got %s", d.Status)
	}
}

func TestJurySelectionExcludesPartiesAndLowReputation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 0)
	h.addJurors(t, 20)
	// The worker holds the jury capability too; it must still be excluded.
	w, _, _ := h.store.LoadWorker(ctx, "worker-a")
	w.Capabilities = append(w.Capabilities, state.CapabilityJury)
	w.Reputation = 9999
	if err := h.store.SaveWorker(ctx, w); err != nil {
		t.Fatalf("save worker: %v", err)
	}
	h.addJuror(t, "juror-low", 5000)

	d, err := h.coord.OpenDispute(ctx, "job-1", "worker-a", OpenerWorker, "unpaid", "payment")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	for _, slot := range d.Jury {
		if slot.WorkerID == "worker-a" || slot.WorkerID == "req-1" {
			t.Fatalf("job party invited as juror: %s", slot.WorkerID)
		}
		if slot.WorkerID == "juror-low" {
			t.Fatalf("under-reputation juror invited")
		}
	}
}

func TestConsensusResolvesImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "bad output", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	d = h.acceptAll(t, d)
	if d.Status != state.DisputeVoting {
		t.Fatalf("expected voting after acceptances, got %s", d.Status)
	}
	if len(d.Jury) != 10 {
		t.Fatalf("jury should be truncated to size, got %d", len(d.Jury))
	}

	// Seven votes for the worker: no verdict yet.
	for _, slot := range d.Jury[:7] {
		if err := h.coord.SubmitVote(ctx, d.ID, slot.WorkerID, state.VerdictWorkerWin, 80); err != nil {
			t.Fatalf("vote %s: %v", slot.WorkerID, err)
		}
	}
	mid, _, _ := h.store.LoadDispute(ctx, d.ID)
	if mid.Status != state.DisputeVoting {
		t.Fatalf("resolved before threshold: %s", mid.Status)
	}

	// The eighth vote reaches consensus.
	if err := h.coord.SubmitVote(ctx, d.ID, d.Jury[7].WorkerID, state.VerdictWorkerWin, 90); err != nil {
		t.Fatalf("eighth vote: %v", err)
	}
	final, _, _ := h.store.LoadDispute(ctx, d.ID)
	if final.Status != state.DisputeResolved || final.Verdict != state.VerdictWorkerWin {
		t.Fatalf("expected worker_win resolution, got %s/%s", final.Status, final.Verdict)
	}
	if final.VoteBreakdown[string(state.VerdictWorkerWin)] != 8 {
		t.Fatalf("wrong breakdown: %+v", final.VoteBreakdown)
	}

	// Late votes bounce off the terminal record.
	if err := h.coord.SubmitVote(ctx, d.ID, d.Jury[8].WorkerID, state.VerdictSplit, 50); !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state for late vote, got %v", err)
	}

	// Worker win pays the remainder minus fee, plus the protocol fee intent.
	payments := h.recorder.Payments()
	if len(payments) != 2 || payments[0].Reason != "final" || payments[1].Reason != "protocol_fee" {
		t.Fatalf("unexpected payments: %+v", payments)
	}
	if len(h.recorder.Verdicts()) != 1 {
		t.Fatalf("verdict not announced")
	}

	// Losing requester has no worker record; that is tolerated. Majority
	// jurors earn the reward, dissenters do not.
	ctxJob, _, _ := h.store.LoadJob(ctx, "job-1")
	if ctxJob.Status != state.JobDisputed || ctxJob.ClosedAt.IsZero() {
		t.Fatalf("job should be terminally disputed: %+v", ctxJob)
	}
	for i, slot := range final.Jury {
		w, _, _ := h.store.LoadWorker(ctx, slot.WorkerID)
		if i < 8 {
			if w.Reputation != 8000+JurorRewardDelta {
				t.Fatalf("majority juror %s not rewarded: %d", slot.WorkerID, w.Reputation)
			}
		} else if w.Reputation != 8000 {
			t.Fatalf("non-voter %s should be untouched: %d", slot.WorkerID, w.Reputation)
		}
	}

	// The bound worker is released.
	w, _, _ := h.store.LoadWorker(ctx, "worker-a")
	if w.CurrentJobID != "" {
		t.Fatalf("worker still bound after resolution")
	}
}

func TestRequesterWinRefundsAndPenalizesWorker(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "bad output", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	d = h.acceptAll(t, d)
	for _, slot := range d.Jury[:8] {
		if err := h.coord.SubmitVote(ctx, d.ID, slot.WorkerID, state.VerdictRequesterWin, 70); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	payments := h.recorder.Payments()
	if len(payments) != 1 || payments[0].PayeeID != "req-1" || payments[0].Amount != 600 || payments[0].Reason != "dispute_refund" {
		t.Fatalf("expected 600 refund to requester, got %+v", payments)
	}
	w, _, _ := h.store.LoadWorker(ctx, "worker-a")
	if w.Reputation != state.InitialReputation+LossDelta {
		t.Fatalf("losing worker delta not applied: %d", w.Reputation)
	}
}

func TestDoubleVoteAndOutsiderVoteConflict(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 0)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	d = h.acceptAll(t, d)
	juror := d.Jury[0].WorkerID
	if err := h.coord.SubmitVote(ctx, d.ID, juror, state.VerdictSplit, 50); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := h.coord.SubmitVote(ctx, d.ID, juror, state.VerdictWorkerWin, 50); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for double vote, got %v", err)
	}
	if err := h.coord.SubmitVote(ctx, d.ID, "stranger", state.VerdictSplit, 50); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for outsider, got %v", err)
	}
}

func TestUnderQuorumFallsBackToSmallJury(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	// Only three jurors accept before the deadline.
	for _, slot := range d.Jury[:3] {
		if err := h.coord.AcceptInvite(ctx, d.ID, slot.WorkerID); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	h.coord.SweepDeadlines(ctx, time.Now().UTC().Add(10*time.Minute))

	got, _, _ := h.store.LoadDispute(ctx, d.ID)
	if got.Status != state.DisputeVoting {
		t.Fatalf("expected voting with reduced jury, got %s", got.Status)
	}
	if len(got.Jury) != 3 || got.Threshold != 2 {
		t.Fatalf("expected 3 jurors with majority threshold 2, got %d/%d", len(got.Jury), got.Threshold)
	}

	// Two matching votes out of three resolve it.
	if err := h.coord.SubmitVote(ctx, d.ID, got.Jury[0].WorkerID, state.VerdictSplit, 60); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := h.coord.SubmitVote(ctx, d.ID, got.Jury[1].WorkerID, state.VerdictSplit, 60); err != nil {
		t.Fatalf("vote: %v", err)
	}
	final, _, _ := h.store.LoadDispute(ctx, d.ID)
	if final.Status != state.DisputeResolved || final.Verdict != state.VerdictSplit {
		t.Fatalf("expected split resolution, got %s/%s", final.Status, final.Verdict)
	}
	// 600 remainder: 300 back to the requester, 300 to the worker.
	payments := h.recorder.Payments()
	if len(payments) != 2 || payments[0].Amount != 300 || payments[1].Amount != 300 {
		t.Fatalf("wrong split payments: %+v", payments)
	}
}

func TestJuryNeverFormsTimesOutAndRefunds(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 400)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	h.coord.SweepDeadlines(ctx, time.Now().UTC().Add(10*time.Minute))

	got, _, _ := h.store.LoadDispute(ctx, d.ID)
	if got.Status != state.DisputeTimeout || got.Verdict != state.VerdictTimeout {
		t.Fatalf("expected timeout, got %s/%s", got.Status, got.Verdict)
	}
	job, _, _ := h.store.LoadJob(ctx, "job-1")
	if job.Status != state.JobCancelled || job.WorkerID != "" {
		t.Fatalf("job should be cancelled and unbound: %+v", job)
	}
	payments := h.recorder.Payments()
	if len(payments) != 1 || payments[0].PayeeID != "req-1" || payments[0].Amount != 600 || payments[0].Reason != "timeout_refund" {
		t.Fatalf("expected 600 timeout refund, got %+v", payments)
	}
	// Nobody is paid, penalized, or rewarded on a timeout.
	if len(h.recorder.ReputationChanges()) != 0 {
		t.Fatalf("no reputation changes expected on timeout")
	}
}

func TestNobodyVotesByDeadlineTimesOut(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 0)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	d = h.acceptAll(t, d)
	if d.Status != state.DisputeVoting {
		t.Fatalf("expected voting, got %s", d.Status)
	}
	h.coord.SweepDeadlines(ctx, time.Now().UTC().Add(time.Hour))

	got, _, _ := h.store.LoadDispute(ctx, d.ID)
	if got.Status != state.DisputeTimeout || got.Verdict != state.VerdictTimeout {
		t.Fatalf("expected timeout with no votes, got %s/%s", got.Status, got.Verdict)
	}
}

func TestDeadlinePluralityWins(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 0)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	d = h.acceptAll(t, d)
	// 3 worker_win vs 2 requester_win, below threshold; deadline decides.
	for _, slot := range d.Jury[:3] {
		if err := h.coord.SubmitVote(ctx, d.ID, slot.WorkerID, state.VerdictWorkerWin, 60); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	for _, slot := range d.Jury[3:5] {
		if err := h.coord.SubmitVote(ctx, d.ID, slot.WorkerID, state.VerdictRequesterWin, 60); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	h.coord.SweepDeadlines(ctx, time.Now().UTC().Add(time.Hour))

	got, _, _ := h.store.LoadDispute(ctx, d.ID)
	if got.Status != state.DisputeResolved || got.Verdict != state.VerdictWorkerWin {
		t.Fatalf("expected plurality worker_win, got %s/%s", got.Status, got.Verdict)
	}
}

func TestEvidenceOnlyFromPartiesBeforeResolution(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedJob(t, "job-1", 1000, 0)
	h.addJurors(t, 20)

	d, err := h.coord.OpenDispute(ctx, "job-1", "req-1", OpenerRequester, "r", "quality")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if err := h.coord.SubmitEvidence(ctx, d.ID, "req-1", "hash-1", "log"); err != nil {
		t.Fatalf("requester evidence: %v", err)
	}
	if err := h.coord.SubmitEvidence(ctx, d.ID, "worker-a", "hash-2", "output"); err != nil {
		t.Fatalf("worker evidence: %v", err)
	}
	if err := h.coord.SubmitEvidence(ctx, d.ID, "stranger", "hash-3", ""); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for outsider evidence, got %v", err)
	}
	if err := h.coord.SubmitEvidence(ctx, d.ID, "req-1", "", "log"); !errs.IsValidation(err) {
		t.Fatalf("expected validation for empty hash, got %v", err)
	}

	got, _, _ := h.store.LoadDispute(ctx, d.ID)
	if len(got.Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(got.Evidence))
	}

	// Terminal disputes accept nothing.
	h.coord.SweepDeadlines(ctx, time.Now().UTC().Add(time.Hour))
	if err := h.coord.SubmitEvidence(ctx, d.ID, "req-1", "hash-4", ""); !errs.IsInvalidState(err) {
		t.Fatalf("expected invalid state after closure, got %v", err)
	}
}

func TestLateAcceptanceAndVoteAreTurnedAway(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	d := state.DisputeRecord{
		ID:           "d-late",
		JobID:        "job-1",
		RequesterID:  "req-1",
		WorkerID:     "worker-a",
		Opener:       OpenerRequester,
		Category:     "quality",
		Status:       state.DisputeJurySelection,
		Jury:         []state.JurorSlot{{WorkerID: "juror-00", InvitedAt: past}},
		JuryDeadline: past,
	}
	if err := h.store.SaveDispute(ctx, d); err != nil {
		t.Fatalf("seed dispute: %v", err)
	}
	if err := h.coord.AcceptInvite(ctx, "d-late", "juror-00"); !errs.IsDeadlineExceeded(err) {
		t.Fatalf("expected deadline error for late acceptance, got %v", err)
	}

	d.Status = state.DisputeVoting
	d.Jury[0].AcceptedAt = past
	d.Threshold = 1
	d.VotingDeadline = past
	if err := h.store.SaveDispute(ctx, d); err != nil {
		t.Fatalf("reseed dispute: %v", err)
	}
	if err := h.coord.SubmitVote(ctx, "d-late", "juror-00", state.VerdictSplit, 50); !errs.IsDeadlineExceeded(err) {
		t.Fatalf("expected deadline error for late vote, got %v", err)
	}
}

func TestJurySelectionIsDeterministicPerDispute(t *testing.T) {
	pool := make([]state.WorkerRecord, 0, 20)
	for i := 0; i < 20; i++ {
		pool = append(pool, state.WorkerRecord{ID: fmt.Sprintf("juror-%02d", i)})
	}
	a := append([]state.WorkerRecord(nil), pool...)
	b := append([]state.WorkerRecord(nil), pool...)
	shuffleCandidates("dispute-1", a)
	shuffleCandidates("dispute-1", b)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("same dispute must shuffle identically")
		}
	}
	c := append([]state.WorkerRecord(nil), pool...)
	shuffleCandidates("dispute-2", c)
	same := true
	for i := range a {
		if a[i].ID != c[i].ID {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different disputes should get different orderings")
	}
}
