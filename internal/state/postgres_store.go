package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/example/meshwork/db/migrations"
)

// PostgresStore keeps one row per entity with the full record as a JSONB
// document plus the columns the list queries need. Per-entity atomicity falls
// out of single-row upserts; the core never asks for more.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) LoadWorker(ctx context.Context, id string) (WorkerRecord, bool, error) {
	var rec WorkerRecord
	ok, err := p.loadDoc(ctx, "workers", id, &rec)
	return rec, ok, err
}

func (p *PostgresStore) SaveWorker(ctx context.Context, worker WorkerRecord) error {
	now := time.Now().UTC()
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	worker.UpdatedAt = now
	return p.saveDoc(ctx, "workers", worker.ID, string(worker.Liveness), worker.CreatedAt, worker)
}

func (p *PostgresStore) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	return listDocs[WorkerRecord](ctx, p, "workers", nil)
}

func (p *PostgresStore) LoadJob(ctx context.Context, id string) (JobRecord, bool, error) {
	var rec JobRecord
	ok, err := p.loadDoc(ctx, "jobs", id, &rec)
	return rec, ok, err
}

func (p *PostgresStore) SaveJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return p.saveDoc(ctx, "jobs", job.ID, string(job.Status), job.CreatedAt, job)
}

func (p *PostgresStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]JobRecord, error) {
	return listDocs[JobRecord](ctx, p, "jobs", statusStrings(statuses))
}

func (p *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) LoadDispute(ctx context.Context, id string) (DisputeRecord, bool, error) {
	var rec DisputeRecord
	ok, err := p.loadDoc(ctx, "disputes", id, &rec)
	return rec, ok, err
}

func (p *PostgresStore) SaveDispute(ctx context.Context, dispute DisputeRecord) error {
	now := time.Now().UTC()
	if dispute.CreatedAt.IsZero() {
		dispute.CreatedAt = now
	}
	dispute.UpdatedAt = now
	return p.saveDoc(ctx, "disputes", dispute.ID, string(dispute.Status), dispute.CreatedAt, dispute)
}

func (p *PostgresStore) ListDisputesByStatus(ctx context.Context, statuses ...DisputeStatus) ([]DisputeRecord, error) {
	return listDocs[DisputeRecord](ctx, p, "disputes", statusStrings(statuses))
}

func (p *PostgresStore) DeleteDispute(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) loadDoc(ctx context.Context, table, id string, out any) (bool, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(doc, out)
}

func (p *PostgresStore) saveDoc(ctx context.Context, table, id, status string, createdAt time.Time, rec any) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, status, created_at, doc) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, doc=EXCLUDED.doc`,
		id, status, createdAt, doc,
	)
	return err
}

func listDocs[T any](ctx context.Context, p *PostgresStore, table string, statuses []string) ([]T, error) {
	query := `SELECT doc FROM ` + table
	args := make([]any, 0, 1)
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at, id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0, 16)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func statusStrings[T ~string](statuses []T) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
