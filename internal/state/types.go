package state

import "time"

// Capability is the closed set of things a worker can advertise.
type Capability string

const (
	CapabilityRelay   Capability = "relay"
	CapabilityCompute Capability = "compute"
	CapabilityVerify  Capability = "verify"
	CapabilityJury    Capability = "jury"
	CapabilityStorage Capability = "storage"
)

func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityRelay, CapabilityCompute, CapabilityVerify, CapabilityJury, CapabilityStorage:
		return true
	}
	return false
}

type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessBusy    Liveness = "busy"
	LivenessOffline Liveness = "offline"
)

// Reputation scores live in [0, MaxReputation] and are mutated only through
// the registry's ApplyReputationDelta.
const (
	MaxReputation     = 10000
	InitialReputation = 5000
)

type WorkerRecord struct {
	ID            string             `json:"id"`
	WalletAddress string             `json:"wallet_address,omitempty"`
	Capabilities  []Capability       `json:"capabilities"`
	Reputation    int                `json:"reputation"`
	Liveness      Liveness           `json:"liveness"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	CurrentJobID  string             `json:"current_job_id,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (w *WorkerRecord) HasCapabilities(required []Capability) bool {
	for _, req := range required {
		found := false
		for _, c := range w.Capabilities {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MeetsThresholds checks the worker's last reported metrics against minimum
// numeric requirements (bandwidth and the like). A missing metric fails the
// check.
func (w *WorkerRecord) MeetsThresholds(thresholds map[string]float64) bool {
	for name, min := range thresholds {
		v, ok := w.Metrics[name]
		if !ok || v < min {
			return false
		}
	}
	return true
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobDisputed   JobStatus = "disputed"
	JobCancelled  JobStatus = "cancelled"
)

type Requirements struct {
	Capabilities  []Capability       `json:"capabilities,omitempty"`
	MinReputation int                `json:"min_reputation,omitempty"`
	Thresholds    map[string]float64 `json:"thresholds,omitempty"`
}

type JobRecord struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	RequesterID  string       `json:"requester_id"`
	WorkerID     string       `json:"worker_id,omitempty"`
	Requirements Requirements `json:"requirements"`
	EscrowAmount int64        `json:"escrow_amount"`
	AmountPaid   int64        `json:"amount_paid"`
	Progress     int          `json:"progress"`
	Deadline     time.Time    `json:"deadline"`
	Status       JobStatus    `json:"status"`
	ResultHash   string       `json:"result_hash,omitempty"`
	Message      string       `json:"message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ClosedAt     time.Time    `json:"closed_at,omitempty"`
}

func (j *JobRecord) TerminalStatus() bool {
	return j.Status == JobCompleted || j.Status == JobCancelled ||
		(j.Status == JobDisputed && !j.ClosedAt.IsZero())
}

type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeJurySelection DisputeStatus = "jury_selection"
	DisputeVoting        DisputeStatus = "voting"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeTimeout       DisputeStatus = "timeout"
)

type Verdict string

const (
	VerdictNone         Verdict = ""
	VerdictRequesterWin Verdict = "requester_win"
	VerdictWorkerWin    Verdict = "worker_win"
	VerdictSplit        Verdict = "split"
	VerdictTimeout      Verdict = "timeout"
)

type EvidenceRecord struct {
	SubmitterID string    `json:"submitter_id"`
	ContentHash string    `json:"content_hash"`
	Type        string    `json:"type,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JurorSlot tracks one invited juror. AcceptedAt and VotedAt are zero until
// the corresponding action happens; a cast vote is immutable.
type JurorSlot struct {
	WorkerID   string    `json:"worker_id"`
	InvitedAt  time.Time `json:"invited_at"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
	Vote       Verdict   `json:"vote,omitempty"`
	Confidence int       `json:"confidence,omitempty"`
	VotedAt    time.Time `json:"voted_at,omitempty"`
	Rewarded   bool      `json:"rewarded,omitempty"`
}

func (s *JurorSlot) Accepted() bool { return !s.AcceptedAt.IsZero() }
func (s *JurorSlot) Voted() bool    { return !s.VotedAt.IsZero() }

type DisputeRecord struct {
	ID             string           `json:"id"`
	JobID          string           `json:"job_id"`
	RequesterID    string           `json:"requester_id"`
	WorkerID       string           `json:"worker_id"`
	Opener         string           `json:"opener"`
	Category       string           `json:"category"`
	Reason         string           `json:"reason,omitempty"`
	Evidence       []EvidenceRecord `json:"evidence,omitempty"`
	Jury           []JurorSlot      `json:"jury,omitempty"`
	Status         DisputeStatus    `json:"status"`
	Verdict        Verdict          `json:"verdict,omitempty"`
	VoteBreakdown  map[string]int   `json:"vote_breakdown,omitempty"`
	Threshold      int              `json:"threshold,omitempty"`
	JuryDeadline   time.Time        `json:"jury_deadline,omitempty"`
	VotingDeadline time.Time        `json:"voting_deadline,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ClosedAt       time.Time        `json:"closed_at,omitempty"`
}

func (d *DisputeRecord) Terminal() bool {
	return d.Status == DisputeResolved || d.Status == DisputeTimeout
}

func (d *DisputeRecord) Slot(workerID string) *JurorSlot {
	for i := range d.Jury {
		if d.Jury[i].WorkerID == workerID {
			return &d.Jury[i]
		}
	}
	return nil
}

func (d *DisputeRecord) AcceptedCount() int {
	n := 0
	for i := range d.Jury {
		if d.Jury[i].Accepted() {
			n++
		}
	}
	return n
}
