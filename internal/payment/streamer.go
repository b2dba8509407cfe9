// Package payment computes escrow releases as pure functions of job state and
// emits payment intents. It holds no storage of its own; amountPaid on the
// job record is the only ledger, and it never decreases.
package payment

import (
	"github.com/example/meshwork/internal/events"
	"github.com/example/meshwork/internal/state"
	"github.com/example/meshwork/pkg/meshapi"
)

const feeDenominator = 10000

type Streamer struct {
	sink   events.Sink
	feeBps int
}

func New(sink events.Sink, protocolFeeBps int) *Streamer {
	if protocolFeeBps < 0 || protocolFeeBps >= feeDenominator {
		protocolFeeBps = 300
	}
	return &Streamer{sink: sink, feeBps: protocolFeeBps}
}

// AmountToRelease is the cumulative amount owed at the job's current
// progress: floor(escrow * progress / 100).
func AmountToRelease(job *state.JobRecord) int64 {
	p := int64(job.Progress)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return job.EscrowAmount * p / 100
}

// OnProgress releases the increment owed since the last report. A zero or
// negative delta (stale or duplicate progress) emits nothing.
func (s *Streamer) OnProgress(job *state.JobRecord) int64 {
	delta := AmountToRelease(job) - job.AmountPaid
	if delta <= 0 {
		return 0
	}
	job.AmountPaid += delta
	s.sink.Emit(events.PaymentIntent(job.ID, job.WorkerID, delta, "progress"))
	return delta
}

// OnComplete releases the remaining escrow, split once by the protocol fee:
// the fee is computed on the full escrow and withheld from the final tranche.
func (s *Streamer) OnComplete(job *state.JobRecord) {
	remainder := job.EscrowAmount - job.AmountPaid
	if remainder < 0 {
		remainder = 0
	}
	fee := s.fee(job.EscrowAmount)
	if fee > remainder {
		fee = remainder
	}
	workerCut := remainder - fee
	if workerCut > 0 {
		s.sink.Emit(events.PaymentIntent(job.ID, job.WorkerID, workerCut, "final"))
	}
	if fee > 0 {
		s.sink.Emit(events.PaymentIntent(job.ID, meshapi.PlatformAccount, fee, "protocol_fee"))
	}
	job.AmountPaid = job.EscrowAmount
}

// Resolve disburses the remaining escrow according to a dispute verdict.
// Already-streamed progress payments are never clawed back; the core does not
// emit negative intents.
func (s *Streamer) Resolve(job *state.JobRecord, verdict state.Verdict) {
	remainder := job.EscrowAmount - job.AmountPaid
	if remainder < 0 {
		remainder = 0
	}
	switch verdict {
	case state.VerdictWorkerWin:
		s.OnComplete(job)
		return
	case state.VerdictRequesterWin:
		if remainder > 0 {
			s.sink.Emit(events.PaymentIntent(job.ID, job.RequesterID, remainder, "dispute_refund"))
		}
	case state.VerdictSplit:
		half := remainder / 2
		if half > 0 {
			s.sink.Emit(events.PaymentIntent(job.ID, job.RequesterID, half, "dispute_refund"))
		}
		if remainder-half > 0 {
			s.sink.Emit(events.PaymentIntent(job.ID, job.WorkerID, remainder-half, "dispute_split"))
		}
	case state.VerdictTimeout:
		if remainder > 0 {
			s.sink.Emit(events.PaymentIntent(job.ID, job.RequesterID, remainder, "timeout_refund"))
		}
	}
	job.AmountPaid = job.EscrowAmount
}

func (s *Streamer) fee(amount int64) int64 {
	return amount * int64(s.feeBps) / feeDenominator
}
