package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/observability"
	"github.com/example/meshwork/internal/state"
	"github.com/example/meshwork/pkg/meshapi"
)

// Handlers are the core operations the dispatcher routes inbound events to.
// Each collaborator is a narrow interface so tests can stub one component
// while exercising the routing around it.
type RegistryHandler interface {
	Heartbeat(ctx context.Context, workerID, walletAddress string, capabilities []state.Capability, metrics map[string]float64) (state.Liveness, error)
}

type JobHandler interface {
	CreateJob(ctx context.Context, requesterID, jobType string, req state.Requirements, escrowAmount int64, deadline time.Time) (state.JobRecord, error)
	Cancel(ctx context.Context, jobID, requesterID string) error
	ReportProgress(ctx context.Context, jobID, workerID string, progress int, metrics map[string]float64) error
	Complete(ctx context.Context, jobID, workerID string, success bool, resultHash string) error
}

type DisputeHandler interface {
	OpenDispute(ctx context.Context, jobID, openerID, opener, reason, category string) (state.DisputeRecord, error)
	SubmitEvidence(ctx context.Context, disputeID, submitterID, contentHash, evidenceType string) error
	AcceptInvite(ctx context.Context, disputeID, workerID string) error
	SubmitVote(ctx context.Context, disputeID, workerID string, vote state.Verdict, confidence int) error
}

// Dispatcher validates inbound envelopes and routes them to the owning
// component. It is the single entry point the transport layer calls; the
// transport itself (sockets, queues, signatures) lives outside the core.
type Dispatcher struct {
	registry RegistryHandler
	jobs     JobHandler
	disputes DisputeHandler
	log      *logrus.Logger
	validate *validator.Validate
	skew     time.Duration
}

func NewDispatcher(reg RegistryHandler, jobs JobHandler, disputes DisputeHandler, log *logrus.Logger, skew time.Duration) *Dispatcher {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		registry: reg,
		jobs:     jobs,
		disputes: disputes,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		skew:     skew,
	}
}

// Dispatch decodes, validates and routes one inbound event. Events stamped
// outside the skew window are rejected outright; replayed messages inside the
// window rely on each operation's own idempotency.
func (d *Dispatcher) Dispatch(ctx context.Context, ev meshapi.Event) error {
	if err := d.validate.Struct(ev); err != nil {
		return errs.Validation("event", ev.ID, err.Error())
	}
	if ev.SchemaVersion != 0 && ev.SchemaVersion > meshapi.SchemaVersion {
		return errs.Validation("event", ev.ID, "unsupported schema version")
	}
	stamped := time.Unix(ev.TimestampUnix, 0)
	if drift := time.Since(stamped); drift > d.skew || drift < -d.skew {
		observability.Default.IncCounter("events_rejected_total", map[string]string{"reason": "skew"}, 1)
		return errs.Validation("event", ev.ID, "timestamp outside accepted skew window")
	}

	err := d.route(ctx, ev)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.Default.IncCounter("events_dispatched_total", map[string]string{"kind": ev.Kind, "status": status}, 1)
	return err
}

func (d *Dispatcher) route(ctx context.Context, ev meshapi.Event) error {
	switch ev.Kind {
	case meshapi.KindHeartbeat:
		var p meshapi.HeartbeatPayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.WorkerID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "heartbeat sender does not match worker id")
		}
		caps := make([]state.Capability, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			capability := state.Capability(c)
			if !state.ValidCapability(capability) {
				return errs.Validation("worker", p.WorkerID, "unknown capability "+c)
			}
			caps = append(caps, capability)
		}
		_, err := d.registry.Heartbeat(ctx, p.WorkerID, p.WalletAddress, caps, p.Metrics)
		return err

	case meshapi.KindCreateJob:
		var p meshapi.CreateJobPayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.RequesterID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "create_job sender does not match requester id")
		}
		req := state.Requirements{
			MinReputation: p.Requirements.MinReputation,
			Thresholds:    p.Requirements.Thresholds,
		}
		for _, c := range p.Requirements.Capabilities {
			req.Capabilities = append(req.Capabilities, state.Capability(c))
		}
		_, err := d.jobs.CreateJob(ctx, p.RequesterID, p.JobType, req, p.EscrowAmount, time.Unix(p.DeadlineUnix, 0).UTC())
		return err

	case meshapi.KindCancelJob:
		var p meshapi.CancelJobPayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		return d.jobs.Cancel(ctx, p.JobID, ev.SenderID)

	case meshapi.KindReportProgress:
		var p meshapi.ReportProgressPayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.WorkerID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "progress sender does not match worker id")
		}
		return d.jobs.ReportProgress(ctx, p.JobID, p.WorkerID, p.Progress, p.Metrics)

	case meshapi.KindCompleteJob:
		var p meshapi.CompleteJobPayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.WorkerID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "completion sender does not match worker id")
		}
		return d.jobs.Complete(ctx, p.JobID, p.WorkerID, p.Success, p.ResultHash)

	case meshapi.KindOpenDispute:
		var p meshapi.OpenDisputePayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		// The sender is the acting party; the coordinator checks it against
		// the job party the opener role names.
		_, err := d.disputes.OpenDispute(ctx, p.JobID, ev.SenderID, p.Opener, p.Reason, p.Category)
		return err

	case meshapi.KindSubmitEvidence:
		var p meshapi.SubmitEvidencePayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.SubmitterID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "evidence sender does not match submitter id")
		}
		return d.disputes.SubmitEvidence(ctx, p.DisputeID, p.SubmitterID, p.ContentHash, p.Type)

	case meshapi.KindAcceptInvite:
		var p meshapi.AcceptInvitePayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.WorkerID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "invite acceptance sender does not match worker id")
		}
		return d.disputes.AcceptInvite(ctx, p.DisputeID, p.WorkerID)

	case meshapi.KindSubmitVote:
		var p meshapi.SubmitVotePayload
		if err := d.decode(ev, &p); err != nil {
			return err
		}
		if p.WorkerID != ev.SenderID {
			return errs.Conflict("event", ev.ID, "vote sender does not match worker id")
		}
		return d.disputes.SubmitVote(ctx, p.DisputeID, p.WorkerID, state.Verdict(p.Vote), p.Confidence)

	default:
		return errs.Validation("event", ev.ID, "unknown event kind "+ev.Kind)
	}
}

func (d *Dispatcher) decode(ev meshapi.Event, out any) error {
	if len(ev.Payload) == 0 {
		return errs.Validation("event", ev.ID, "missing payload")
	}
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return errs.Validation("event", ev.ID, "malformed payload: "+err.Error())
	}
	if err := d.validate.Struct(out); err != nil {
		return errs.Validation("event", ev.ID, err.Error())
	}
	return nil
}
