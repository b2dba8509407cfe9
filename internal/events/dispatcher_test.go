package events

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/state"
	"github.com/example/meshwork/pkg/meshapi"
)

type fakeCore struct {
	heartbeats []string
	created    []meshapi.CreateJobPayload
	progress   []int
	completes  []string
	cancels    []string
	opened     []string
	openers    []string
	evidence   []string
	accepts    []string
	votes      []state.Verdict
}

func (f *fakeCore) Heartbeat(_ context.Context, workerID, _ string, _ []state.Capability, _ map[string]float64) (state.Liveness, error) {
	f.heartbeats = append(f.heartbeats, workerID)
	return state.LivenessOnline, nil
}

func (f *fakeCore) CreateJob(_ context.Context, requesterID, jobType string, req state.Requirements, escrow int64, _ time.Time) (state.JobRecord, error) {
	f.created = append(f.created, meshapi.CreateJobPayload{RequesterID: requesterID, JobType: jobType, EscrowAmount: escrow})
	return state.JobRecord{}, nil
}

func (f *fakeCore) Cancel(_ context.Context, jobID, _ string) error {
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeCore) ReportProgress(_ context.Context, _, _ string, progress int, _ map[string]float64) error {
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeCore) Complete(_ context.Context, jobID, _ string, _ bool, _ string) error {
	f.completes = append(f.completes, jobID)
	return nil
}

func (f *fakeCore) OpenDispute(_ context.Context, jobID, openerID, _, _, _ string) (state.DisputeRecord, error) {
	f.opened = append(f.opened, jobID)
	f.openers = append(f.openers, openerID)
	return state.DisputeRecord{}, nil
}

func (f *fakeCore) SubmitEvidence(_ context.Context, disputeID, _, _, _ string) error {
	f.evidence = append(f.evidence, disputeID)
	return nil
}

func (f *fakeCore) AcceptInvite(_ context.Context, disputeID, _ string) error {
	f.accepts = append(f.accepts, disputeID)
	return nil
}

func (f *fakeCore) SubmitVote(_ context.Context, _, _ string, vote state.Verdict, _ int) error {
	f.votes = append(f.votes, vote)
	return nil
}

func newTestDispatcher() (*Dispatcher, *fakeCore) {
	core := &fakeCore{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewDispatcher(core, core, core, log, 5*time.Minute), core
}

func event(t *testing.T, kind, sender string, payload any) meshapi.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return meshapi.Event{
		ID:            "ev-1",
		Kind:          kind,
		SenderID:      sender,
		TimestampUnix: time.Now().Unix(),
		SchemaVersion: meshapi.SchemaVersion,
		Payload:       raw,
	}
}

func TestDispatchRoutesKinds(t *testing.T) {
	d, core := newTestDispatcher()
	ctx := context.Background()

	cases := []meshapi.Event{
		event(t, meshapi.KindHeartbeat, "worker-a", meshapi.HeartbeatPayload{WorkerID: "worker-a", Capabilities: []string{"compute"}}),
		event(t, meshapi.KindCreateJob, "req-1", meshapi.CreateJobPayload{RequesterID: "req-1", JobType: "transcode", EscrowAmount: 1000, DeadlineUnix: time.Now().Add(time.Hour).Unix()}),
		event(t, meshapi.KindReportProgress, "worker-a", meshapi.ReportProgressPayload{JobID: "job-1", WorkerID: "worker-a", Progress: 40}),
		event(t, meshapi.KindCompleteJob, "worker-a", meshapi.CompleteJobPayload{JobID: "job-1", WorkerID: "worker-a", Success: true}),
		event(t, meshapi.KindCancelJob, "req-1", meshapi.CancelJobPayload{JobID: "job-2", RequesterID: "req-1"}),
		event(t, meshapi.KindOpenDispute, "req-1", meshapi.OpenDisputePayload{JobID: "job-1", Opener: "requester", Reason: "bad", Category: "quality"}),
		event(t, meshapi.KindSubmitEvidence, "req-1", meshapi.SubmitEvidencePayload{DisputeID: "d-1", SubmitterID: "req-1", ContentHash: "h"}),
		event(t, meshapi.KindAcceptInvite, "juror-1", meshapi.AcceptInvitePayload{DisputeID: "d-1", WorkerID: "juror-1"}),
		event(t, meshapi.KindSubmitVote, "juror-1", meshapi.SubmitVotePayload{DisputeID: "d-1", WorkerID: "juror-1", Vote: "split", Confidence: 60}),
	}
	for _, ev := range cases {
		if err := d.Dispatch(ctx, ev); err != nil {
			t.Fatalf("dispatch %s: %v", ev.Kind, err)
		}
	}
	if len(core.heartbeats) != 1 || len(core.created) != 1 || len(core.progress) != 1 ||
		len(core.completes) != 1 || len(core.cancels) != 1 || len(core.opened) != 1 ||
		len(core.evidence) != 1 || len(core.accepts) != 1 || len(core.votes) != 1 {
		t.Fatalf("not every kind routed: %+v", core)
	}
	if core.votes[0] != state.VerdictSplit {
		t.Fatalf("wrong vote routed: %s", core.votes[0])
	}
	// The dispute opener is identified by the envelope sender, not the payload.
	if core.openers[0] != "req-1" {
		t.Fatalf("dispute opener should be the sender, got %s", core.openers[0])
	}
}

func TestDispatchRejectsSkewedTimestamps(t *testing.T) {
	d, core := newTestDispatcher()
	ev := event(t, meshapi.KindHeartbeat, "worker-a", meshapi.HeartbeatPayload{WorkerID: "worker-a", Capabilities: []string{"compute"}})
	ev.TimestampUnix = time.Now().Add(-10 * time.Minute).Unix()
	if err := d.Dispatch(context.Background(), ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for stale timestamp, got %v", err)
	}
	ev.TimestampUnix = time.Now().Add(10 * time.Minute).Unix()
	if err := d.Dispatch(context.Background(), ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for future timestamp, got %v", err)
	}
	if len(core.heartbeats) != 0 {
		t.Fatalf("skewed event must not reach the registry")
	}
}

func TestDispatchRejectsSenderMismatch(t *testing.T) {
	d, core := newTestDispatcher()
	ev := event(t, meshapi.KindReportProgress, "worker-b", meshapi.ReportProgressPayload{JobID: "job-1", WorkerID: "worker-a", Progress: 40})
	if err := d.Dispatch(context.Background(), ev); !errs.IsConflict(err) {
		t.Fatalf("expected conflict for impersonated progress, got %v", err)
	}
	if len(core.progress) != 0 {
		t.Fatalf("impersonated event must not reach the engine")
	}
}

func TestDispatchRejectsMalformedPayloads(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()

	ev := event(t, meshapi.KindSubmitVote, "juror-1", meshapi.SubmitVotePayload{DisputeID: "d-1", WorkerID: "juror-1", Vote: "maybe"})
	if err := d.Dispatch(ctx, ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for bad vote option, got %v", err)
	}

	ev = event(t, meshapi.KindHeartbeat, "worker-a", meshapi.HeartbeatPayload{WorkerID: "worker-a", Capabilities: []string{"quantum"}})
	if err := d.Dispatch(ctx, ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for unknown capability, got %v", err)
	}

	ev = event(t, "teleport", "worker-a", map[string]string{})
	if err := d.Dispatch(ctx, ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}

	ev = event(t, meshapi.KindCreateJob, "req-1", meshapi.CreateJobPayload{RequesterID: "req-1", JobType: "t", EscrowAmount: -5, DeadlineUnix: 1})
	if err := d.Dispatch(ctx, ev); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for negative escrow, got %v", err)
	}
}
