package state

import "context"

// Store is the persistence contract consumed by the core. Backends guarantee
// atomicity per entity only; nothing in the core assumes cross-entity
// transactions. List methods return detached copies in a deterministic order
// (CreatedAt ascending, ID as tiebreaker) so sweeps and assignment are
// reproducible.
type Store interface {
	LoadWorker(ctx context.Context, id string) (WorkerRecord, bool, error)
	SaveWorker(ctx context.Context, worker WorkerRecord) error
	ListWorkers(ctx context.Context) ([]WorkerRecord, error)

	LoadJob(ctx context.Context, id string) (JobRecord, bool, error)
	SaveJob(ctx context.Context, job JobRecord) error
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]JobRecord, error)
	DeleteJob(ctx context.Context, id string) error

	LoadDispute(ctx context.Context, id string) (DisputeRecord, bool, error)
	SaveDispute(ctx context.Context, dispute DisputeRecord) error
	ListDisputesByStatus(ctx context.Context, statuses ...DisputeStatus) ([]DisputeRecord, error)
	DeleteDispute(ctx context.Context, id string) error
}

func statusMatch[T ~string](status T, wanted []T) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if status == w {
			return true
		}
	}
	return false
}
