package state

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdWorkerPrefix  = "/mesh/workers/"
	etcdJobPrefix     = "/mesh/jobs/"
	etcdDisputePrefix = "/mesh/disputes/"
)

// EtcdStore stores each entity as a JSON value under a typed key prefix.
type EtcdStore struct {
	client *clientv3.Client
}

func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: cli}, nil
}

func (e *EtcdStore) Close() error { return e.client.Close() }

func (e *EtcdStore) LoadWorker(ctx context.Context, id string) (WorkerRecord, bool, error) {
	var rec WorkerRecord
	ok, err := e.load(ctx, etcdWorkerPrefix+id, &rec)
	return rec, ok, err
}

func (e *EtcdStore) SaveWorker(ctx context.Context, worker WorkerRecord) error {
	stampWorker(&worker)
	return e.put(ctx, etcdWorkerPrefix+worker.ID, worker)
}

func (e *EtcdStore) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	out, err := etcdList[WorkerRecord](ctx, e, etcdWorkerPrefix)
	if err != nil {
		return nil, err
	}
	sortByCreation(out, func(w WorkerRecord) (time.Time, string) { return w.CreatedAt, w.ID })
	return out, nil
}

func (e *EtcdStore) LoadJob(ctx context.Context, id string) (JobRecord, bool, error) {
	var rec JobRecord
	ok, err := e.load(ctx, etcdJobPrefix+id, &rec)
	return rec, ok, err
}

func (e *EtcdStore) SaveJob(ctx context.Context, job JobRecord) error {
	stampJob(&job)
	return e.put(ctx, etcdJobPrefix+job.ID, job)
}

func (e *EtcdStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]JobRecord, error) {
	all, err := etcdList[JobRecord](ctx, e, etcdJobPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(all))
	for _, j := range all {
		if statusMatch(j.Status, statuses) {
			out = append(out, j)
		}
	}
	sortByCreation(out, func(j JobRecord) (time.Time, string) { return j.CreatedAt, j.ID })
	return out, nil
}

func (e *EtcdStore) DeleteJob(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, etcdJobPrefix+id)
	return err
}

func (e *EtcdStore) LoadDispute(ctx context.Context, id string) (DisputeRecord, bool, error) {
	var rec DisputeRecord
	ok, err := e.load(ctx, etcdDisputePrefix+id, &rec)
	return rec, ok, err
}

func (e *EtcdStore) SaveDispute(ctx context.Context, dispute DisputeRecord) error {
	stampDispute(&dispute)
	return e.put(ctx, etcdDisputePrefix+dispute.ID, dispute)
}

func (e *EtcdStore) ListDisputesByStatus(ctx context.Context, statuses ...DisputeStatus) ([]DisputeRecord, error) {
	all, err := etcdList[DisputeRecord](ctx, e, etcdDisputePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]DisputeRecord, 0, len(all))
	for _, d := range all {
		if statusMatch(d.Status, statuses) {
			out = append(out, d)
		}
	}
	sortByCreation(out, func(d DisputeRecord) (time.Time, string) { return d.CreatedAt, d.ID })
	return out, nil
}

func (e *EtcdStore) DeleteDispute(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, etcdDisputePrefix+id)
	return err
}

func (e *EtcdStore) load(ctx context.Context, key string, out any) (bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(resp.Kvs[0].Value, out)
}

func (e *EtcdStore) put(ctx context.Context, key string, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(raw))
	return err
}

func etcdList[T any](ctx context.Context, e *EtcdStore, prefix string) ([]T, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec T
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
