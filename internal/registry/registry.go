// Package registry tracks worker liveness, capabilities, and reputation.
// It exclusively owns worker records; reputation is mutated only through
// ApplyReputationDelta.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/meshwork/internal/errs"
	"github.com/example/meshwork/internal/events"
	"github.com/example/meshwork/internal/observability"
	"github.com/example/meshwork/internal/state"
)

type Options struct {
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
}

// OfflineHandler is invoked after the liveness sweep marks a busy worker
// offline, once the worker lock is released. The assignment engine uses it to
// return the orphaned job to pending.
type OfflineHandler func(ctx context.Context, jobID, workerID string)

type Registry struct {
	store     state.Store
	sink      events.Sink
	locks     *state.KeyedMutex
	log       *logrus.Logger
	timeout   time.Duration
	interval  time.Duration
	onOffline OfflineHandler
}

func New(store state.Store, sink events.Sink, log *logrus.Logger, opts Options) *Registry {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 90 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		store:    store,
		sink:     sink,
		locks:    state.NewKeyedMutex(),
		log:      log,
		timeout:  opts.LivenessTimeout,
		interval: opts.SweepInterval,
	}
}

func (r *Registry) SetOfflineHandler(h OfflineHandler) { r.onOffline = h }

// Heartbeat upserts the worker record and refreshes liveness. Duplicate
// heartbeats are harmless.
func (r *Registry) Heartbeat(ctx context.Context, workerID, walletAddress string, capabilities []state.Capability, metrics map[string]float64) (state.Liveness, error) {
	if workerID == "" {
		return "", errs.Validation("worker", "", "worker id is required")
	}
	for _, c := range capabilities {
		if !state.ValidCapability(c) {
			return "", errs.Validation("worker", workerID, "unknown capability "+string(c))
		}
	}
	ctx, span := observability.StartSpan(ctx, "registry.heartbeat", attribute.String("worker.id", workerID))
	defer span.End()

	unlock := r.locks.Lock(workerID)
	defer unlock()

	now := time.Now().UTC()
	worker, ok, err := r.store.LoadWorker(ctx, workerID)
	if err != nil {
		return "", err
	}
	if !ok {
		worker = state.WorkerRecord{
			ID:         workerID,
			Reputation: state.InitialReputation,
			CreatedAt:  now,
		}
		r.log.WithFields(logrus.Fields{"worker_id": workerID}).Info("worker registered")
	}
	if walletAddress != "" {
		worker.WalletAddress = walletAddress
	}
	if len(capabilities) > 0 {
		worker.Capabilities = capabilities
	}
	if metrics != nil {
		worker.Metrics = metrics
	}
	worker.LastHeartbeat = now
	if worker.CurrentJobID != "" {
		worker.Liveness = state.LivenessBusy
	} else {
		worker.Liveness = state.LivenessOnline
	}
	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return "", err
	}
	observability.Default.IncCounter("registry_heartbeats_total", nil, 1)
	return worker.Liveness, nil
}

// ListEligible returns online workers satisfying the requirements, excluding
// the given IDs, ordered by (reputation desc, last heartbeat desc, id) so
// selection is reproducible.
func (r *Registry) ListEligible(ctx context.Context, req state.Requirements, exclude ...string) ([]state.WorkerRecord, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	out := make([]state.WorkerRecord, 0, len(workers))
	for i := range workers {
		w := workers[i]
		if excluded[w.ID] || w.Liveness != state.LivenessOnline {
			continue
		}
		if w.Reputation < req.MinReputation {
			continue
		}
		if !w.HasCapabilities(req.Capabilities) || !w.MeetsThresholds(req.Thresholds) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkBusy binds the worker to a job. Binding the same job twice is a no-op;
// a different job is a conflict.
func (r *Registry) MarkBusy(ctx context.Context, workerID, jobID string) error {
	unlock := r.locks.Lock(workerID)
	defer unlock()

	worker, ok, err := r.store.LoadWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("worker", workerID)
	}
	if worker.CurrentJobID == jobID {
		return nil
	}
	if worker.CurrentJobID != "" {
		return errs.Conflict("worker", workerID, "already busy with job "+worker.CurrentJobID)
	}
	if worker.Liveness == state.LivenessOffline {
		return errs.Conflict("worker", workerID, "worker is offline")
	}
	worker.CurrentJobID = jobID
	worker.Liveness = state.LivenessBusy
	return r.store.SaveWorker(ctx, worker)
}

// MarkAvailable clears the worker's job binding. Already-available workers
// are a no-op, not an error.
func (r *Registry) MarkAvailable(ctx context.Context, workerID string) error {
	unlock := r.locks.Lock(workerID)
	defer unlock()

	worker, ok, err := r.store.LoadWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("worker", workerID)
	}
	if worker.CurrentJobID == "" {
		return nil
	}
	worker.CurrentJobID = ""
	if worker.Liveness == state.LivenessBusy {
		worker.Liveness = state.LivenessOnline
	}
	return r.store.SaveWorker(ctx, worker)
}

// ApplyReputationDelta is the sole mutator of reputation; the result is
// clamped to [0, MaxReputation] and announced on the sink.
func (r *Registry) ApplyReputationDelta(ctx context.Context, workerID string, delta int, reason string) (int, error) {
	unlock := r.locks.Lock(workerID)
	defer unlock()

	worker, ok, err := r.store.LoadWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.NotFound("worker", workerID)
	}
	old := worker.Reputation
	next := old + delta
	if next < 0 {
		next = 0
	}
	if next > state.MaxReputation {
		next = state.MaxReputation
	}
	worker.Reputation = next
	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return 0, err
	}
	if r.sink != nil && next != old {
		r.sink.Emit(events.ReputationChanged(workerID, old, next, reason))
	}
	r.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"old_score": old,
		"new_score": next,
		"reason":    reason,
	}).Debug("reputation delta applied")
	return next, nil
}

// SweepLiveness marks workers whose heartbeat lapsed as offline. Busy
// workers' orphaned jobs are reported to the offline handler after the worker
// lock is released; the handler locks the job only, so no two entity locks
// are ever held together.
func (r *Registry) SweepLiveness(ctx context.Context, now time.Time) int {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.log.WithError(err).Warn("liveness sweep: list workers failed")
		return 0
	}
	cutoff := now.Add(-r.timeout)
	type orphan struct{ jobID, workerID string }
	orphans := make([]orphan, 0, 2)
	swept := 0
	for i := range workers {
		id := workers[i].ID
		if workers[i].Liveness == state.LivenessOffline || !workers[i].LastHeartbeat.Before(cutoff) {
			continue
		}
		func() {
			unlock := r.locks.Lock(id)
			defer unlock()
			worker, ok, err := r.store.LoadWorker(ctx, id)
			if err != nil || !ok {
				return
			}
			// Recheck under the lock; a heartbeat may have raced the sweep.
			if worker.Liveness == state.LivenessOffline || !worker.LastHeartbeat.Before(cutoff) {
				return
			}
			if worker.CurrentJobID != "" {
				orphans = append(orphans, orphan{jobID: worker.CurrentJobID, workerID: id})
				worker.CurrentJobID = ""
			}
			worker.Liveness = state.LivenessOffline
			if err := r.store.SaveWorker(ctx, worker); err != nil {
				r.log.WithError(err).WithField("worker_id", id).Warn("liveness sweep: save failed")
				return
			}
			swept++
			r.log.WithFields(logrus.Fields{"worker_id": id, "last_heartbeat": worker.LastHeartbeat}).Info("worker marked offline")
		}()
	}
	for _, o := range orphans {
		if r.onOffline != nil {
			r.onOffline(ctx, o.jobID, o.workerID)
		}
	}
	observability.Default.IncCounter("registry_offline_swept_total", nil, float64(swept))
	return swept
}

// Run drives the liveness sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepLiveness(ctx, time.Now().UTC())
		}
	}
}
