// Package meshapi defines the closed, versioned message schema exchanged
// between the coordination core and the external transport and settlement
// layers. Inbound events carry a sender identity and a unix timestamp;
// payloads are raw JSON decoded against exactly one struct per kind, and
// unknown fields are carried opaquely, never interpreted.
package meshapi

import "encoding/json"

const SchemaVersion = 1

// Inbound event kinds.
const (
	KindHeartbeat      = "heartbeat"
	KindCreateJob      = "create_job"
	KindCancelJob      = "cancel_job"
	KindReportProgress = "report_progress"
	KindCompleteJob    = "complete_job"
	KindOpenDispute    = "open_dispute"
	KindSubmitEvidence = "submit_evidence"
	KindAcceptInvite   = "accept_invite"
	KindSubmitVote     = "submit_vote"
)

type Event struct {
	ID            string          `json:"id,omitempty"`
	Kind          string          `json:"kind" validate:"required"`
	SenderID      string          `json:"sender_id" validate:"required"`
	TimestampUnix int64           `json:"timestamp_unix" validate:"required"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type HeartbeatPayload struct {
	WorkerID      string             `json:"worker_id" validate:"required"`
	WalletAddress string             `json:"wallet_address,omitempty"`
	Capabilities  []string           `json:"capabilities" validate:"required,min=1,dive,required"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

type JobRequirements struct {
	Capabilities  []string           `json:"capabilities,omitempty"`
	MinReputation int                `json:"min_reputation,omitempty" validate:"gte=0,lte=10000"`
	Thresholds    map[string]float64 `json:"thresholds,omitempty"`
}

type CreateJobPayload struct {
	JobID        string          `json:"job_id,omitempty"`
	JobType      string          `json:"job_type" validate:"required"`
	RequesterID  string          `json:"requester_id" validate:"required"`
	Requirements JobRequirements `json:"requirements"`
	EscrowAmount int64           `json:"escrow_amount" validate:"gt=0"`
	DeadlineUnix int64           `json:"deadline_unix" validate:"gt=0"`
}

type CancelJobPayload struct {
	JobID       string `json:"job_id" validate:"required"`
	RequesterID string `json:"requester_id" validate:"required"`
}

type ReportProgressPayload struct {
	JobID    string             `json:"job_id" validate:"required"`
	WorkerID string             `json:"worker_id" validate:"required"`
	Progress int                `json:"progress" validate:"gte=0,lte=100"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

type CompleteJobPayload struct {
	JobID      string `json:"job_id" validate:"required"`
	WorkerID   string `json:"worker_id" validate:"required"`
	Success    bool   `json:"success"`
	ResultHash string `json:"result_hash,omitempty"`
}

type OpenDisputePayload struct {
	JobID    string `json:"job_id" validate:"required"`
	Opener   string `json:"opener" validate:"required,oneof=requester worker"`
	Reason   string `json:"reason" validate:"required"`
	Category string `json:"category" validate:"required"`
}

type SubmitEvidencePayload struct {
	DisputeID   string `json:"dispute_id" validate:"required"`
	SubmitterID string `json:"submitter_id" validate:"required"`
	ContentHash string `json:"content_hash" validate:"required"`
	Type        string `json:"type,omitempty"`
}

type AcceptInvitePayload struct {
	DisputeID string `json:"dispute_id" validate:"required"`
	WorkerID  string `json:"worker_id" validate:"required"`
}

type SubmitVotePayload struct {
	DisputeID  string `json:"dispute_id" validate:"required"`
	WorkerID   string `json:"worker_id" validate:"required"`
	Vote       string `json:"vote" validate:"required,oneof=requester_win worker_win split"`
	Confidence int    `json:"confidence" validate:"gte=0,lte=100"`
}

// Outbound message kinds emitted by the core toward the transport and
// settlement collaborators. The core never moves funds or sends bytes on the
// wire itself; everything below is fire-and-forget intent.
type OutboundKind string

const (
	OutboundPaymentIntent     OutboundKind = "payment_intent"
	OutboundJuryInvite        OutboundKind = "jury_invite"
	OutboundVerdictAnnounced  OutboundKind = "verdict_announced"
	OutboundReputationChanged OutboundKind = "reputation_changed"
)

// PaymentIntent payee IDs name the receiving wallet party: the worker for
// payouts, the requester for refunds, PlatformAccount for the protocol fee.
const PlatformAccount = "platform"

type PaymentIntent struct {
	JobID   string `json:"job_id"`
	PayeeID string `json:"payee_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

type JuryInvite struct {
	DisputeID     string `json:"dispute_id"`
	WorkerID      string `json:"worker_id"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

type VerdictAnnounced struct {
	DisputeID string         `json:"dispute_id"`
	Verdict   string         `json:"verdict"`
	Breakdown map[string]int `json:"breakdown"`
}

type ReputationChanged struct {
	WorkerID string `json:"worker_id"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
	Reason   string `json:"reason"`
}

// Outbound is the envelope placed on the outbox; exactly one of the payload
// pointers matching Kind is set.
type Outbound struct {
	Kind       OutboundKind       `json:"kind"`
	EmittedAt  int64              `json:"emitted_at_unix"`
	Payment    *PaymentIntent     `json:"payment,omitempty"`
	Invite     *JuryInvite        `json:"invite,omitempty"`
	Verdict    *VerdictAnnounced  `json:"verdict,omitempty"`
	Reputation *ReputationChanged `json:"reputation,omitempty"`
}
