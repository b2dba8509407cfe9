// Package events carries messages across the core's boundary: inbound events
// from the transport layer through a single dispatcher, and outbound intents
// toward the settlement/transport collaborators through a fire-and-forget
// sink. Nothing in this package blocks on network I/O.
package events

import (
	"time"

	"github.com/example/meshwork/pkg/meshapi"
)

// Sink receives outbound intents. Emit must not block; implementations that
// can fill up drop and count instead.
type Sink interface {
	Emit(out meshapi.Outbound)
}

func PaymentIntent(jobID, payeeID string, amount int64, reason string) meshapi.Outbound {
	return meshapi.Outbound{
		Kind:      meshapi.OutboundPaymentIntent,
		EmittedAt: time.Now().Unix(),
		Payment:   &meshapi.PaymentIntent{JobID: jobID, PayeeID: payeeID, Amount: amount, Reason: reason},
	}
}

func JuryInvite(disputeID, workerID string, expiresAt time.Time) meshapi.Outbound {
	return meshapi.Outbound{
		Kind:      meshapi.OutboundJuryInvite,
		EmittedAt: time.Now().Unix(),
		Invite:    &meshapi.JuryInvite{DisputeID: disputeID, WorkerID: workerID, ExpiresAtUnix: expiresAt.Unix()},
	}
}

func VerdictAnnounced(disputeID, verdict string, breakdown map[string]int) meshapi.Outbound {
	return meshapi.Outbound{
		Kind:      meshapi.OutboundVerdictAnnounced,
		EmittedAt: time.Now().Unix(),
		Verdict:   &meshapi.VerdictAnnounced{DisputeID: disputeID, Verdict: verdict, Breakdown: breakdown},
	}
}

func ReputationChanged(workerID string, oldScore, newScore int, reason string) meshapi.Outbound {
	return meshapi.Outbound{
		Kind:       meshapi.OutboundReputationChanged,
		EmittedAt:  time.Now().Unix(),
		Reputation: &meshapi.ReputationChanged{WorkerID: workerID, OldScore: oldScore, NewScore: newScore, Reason: reason},
	}
}

// Recorder is a Sink that remembers everything; tests use it to assert on
// emitted intents.
type Recorder struct {
	emitted []meshapi.Outbound
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(out meshapi.Outbound) { r.emitted = append(r.emitted, out) }

func (r *Recorder) All() []meshapi.Outbound { return r.emitted }

func (r *Recorder) Payments() []meshapi.PaymentIntent {
	out := make([]meshapi.PaymentIntent, 0, len(r.emitted))
	for _, e := range r.emitted {
		if e.Payment != nil {
			out = append(out, *e.Payment)
		}
	}
	return out
}

func (r *Recorder) Invites() []meshapi.JuryInvite {
	out := make([]meshapi.JuryInvite, 0, len(r.emitted))
	for _, e := range r.emitted {
		if e.Invite != nil {
			out = append(out, *e.Invite)
		}
	}
	return out
}

func (r *Recorder) Verdicts() []meshapi.VerdictAnnounced {
	out := make([]meshapi.VerdictAnnounced, 0)
	for _, e := range r.emitted {
		if e.Verdict != nil {
			out = append(out, *e.Verdict)
		}
	}
	return out
}

func (r *Recorder) ReputationChanges() []meshapi.ReputationChanged {
	out := make([]meshapi.ReputationChanged, 0)
	for _, e := range r.emitted {
		if e.Reputation != nil {
			out = append(out, *e.Reputation)
		}
	}
	return out
}
