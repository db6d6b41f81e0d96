package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/netconverge/netconverge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultPageSize is the number of ledger rows History fetches per query.
const defaultPageSize = 256

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	cfg      Config
	pageSize int
	now      func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PageSize is the number of rows History reads per query.
	PageSize int
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	return &SQLiteStore{
		cfg:      cfg,
		pageSize: cfg.PageSize,
		now:      time.Now,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// m.Close would close the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Record appends a change record to the ledger.
func (s *SQLiteStore) Record(ctx context.Context, rec engine.ChangeRecord) error {
	if rec.RunID == "" || rec.Location == "" {
		return fmt.Errorf("change record requires run id and location")
	}
	if err := rec.Outcome.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	query := `
		INSERT INTO change_records (
			id, run_id, location, sequence, op_id, kind, verb, command, target,
			attribute, previous, new_value, outcome, error, attempts, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.RunID,
		rec.Location,
		rec.Sequence,
		rec.OpID,
		string(rec.Kind),
		rec.Verb,
		rec.Command,
		rec.Target,
		rec.Attribute,
		rec.Previous,
		rec.New,
		string(rec.Outcome),
		rec.Error,
		rec.Attempts,
		rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}

	return nil
}

// History yields ledger entries matching filter, oldest first. Rows are read
// in pages keyed on (recorded_at, rowid) so concurrent appends never shift
// the cursor.
func (s *SQLiteStore) History(ctx context.Context, filter HistoryFilter) iter.Seq2[engine.ChangeRecord, error] {
	return func(yield func(engine.ChangeRecord, error) bool) {
		if s.db == nil {
			yield(engine.ChangeRecord{}, fmt.Errorf("database not initialized"))
			return
		}

		var (
			afterTime  int64
			afterRow   int64
			started    bool
			yielded    int
			conditions []string
			baseArgs   []interface{}
		)

		if filter.Location != "" {
			conditions = append(conditions, "location = ?")
			baseArgs = append(baseArgs, filter.Location)
		}
		if filter.RunID != "" {
			conditions = append(conditions, "run_id = ?")
			baseArgs = append(baseArgs, filter.RunID)
		}
		if filter.Target != "" {
			conditions = append(conditions, "target = ?")
			baseArgs = append(baseArgs, filter.Target)
		}
		if filter.Outcome != "" {
			conditions = append(conditions, "outcome = ?")
			baseArgs = append(baseArgs, string(filter.Outcome))
		}
		if !filter.Since.IsZero() {
			conditions = append(conditions, "recorded_at >= ?")
			baseArgs = append(baseArgs, filter.Since.UnixNano())
		}
		if !filter.Until.IsZero() {
			conditions = append(conditions, "recorded_at < ?")
			baseArgs = append(baseArgs, filter.Until.UnixNano())
		}

		for {
			pageSize := s.pageSize
			if filter.Limit > 0 && filter.Limit-yielded < pageSize {
				pageSize = filter.Limit - yielded
			}
			if pageSize <= 0 {
				return
			}

			where := append([]string(nil), conditions...)
			args := append([]interface{}(nil), baseArgs...)
			if started {
				where = append(where, "(recorded_at > ? OR (recorded_at = ? AND rowid > ?))")
				args = append(args, afterTime, afterTime, afterRow)
			}
			args = append(args, pageSize)

			query := `
				SELECT rowid, id, run_id, location, sequence, op_id, kind, verb, command, target,
					attribute, previous, new_value, outcome, error, attempts, recorded_at
				FROM change_records`
			if len(where) > 0 {
				query += " WHERE " + strings.Join(where, " AND ")
			}
			query += " ORDER BY recorded_at, rowid LIMIT ?"

			page, err := s.historyPage(ctx, query, args)
			if err != nil {
				yield(engine.ChangeRecord{}, err)
				return
			}

			for _, row := range page {
				if !yield(row.rec, nil) {
					return
				}
				yielded++
				afterTime, afterRow = row.rec.Timestamp.UnixNano(), row.rowid
				started = true
			}

			if len(page) < pageSize {
				return
			}
		}
	}
}

type historyRow struct {
	rowid int64
	rec   engine.ChangeRecord
}

// historyPage reads one page fully so no rows handle stays open while the
// caller's loop body runs.
func (s *SQLiteStore) historyPage(ctx context.Context, query string, args []interface{}) ([]historyRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var page []historyRow
	for rows.Next() {
		var (
			row        historyRow
			kind       string
			outcome    string
			recordedAt int64
		)
		err := rows.Scan(
			&row.rowid,
			&row.rec.ID,
			&row.rec.RunID,
			&row.rec.Location,
			&row.rec.Sequence,
			&row.rec.OpID,
			&kind,
			&row.rec.Verb,
			&row.rec.Command,
			&row.rec.Target,
			&row.rec.Attribute,
			&row.rec.Previous,
			&row.rec.New,
			&outcome,
			&row.rec.Error,
			&row.rec.Attempts,
			&recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		row.rec.Kind = engine.OperationKind(kind)
		row.rec.Outcome = engine.Outcome(outcome)
		row.rec.Timestamp = time.Unix(0, recordedAt)
		page = append(page, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return page, nil
}

// SaveRun stores an apply report. Saving the same run again replaces the
// previous summary, so multi-pass converges keep only their latest state.
func (s *SQLiteStore) SaveRun(ctx context.Context, report *engine.ApplyReport) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("run report requires a run id")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	query := `
		INSERT INTO runs (id, plan_id, location, status, op_count, applied, started_at, completed_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			op_count = excluded.op_count,
			applied = excluded.applied,
			completed_at = excluded.completed_at,
			report = excluded.report
	`

	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		report.PlanID,
		report.Location,
		string(report.Status),
		len(report.Results),
		report.Count(engine.OutcomeSuccess),
		report.StartedAt.UnixNano(),
		report.CompletedAt.UnixNano(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run report by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.ApplyReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("run not found", nil).
			WithCode(engine.ErrCodeNotFound).WithTarget(id)
	}
	return report, err
}

// LastRun returns the most recently started run for location.
func (s *SQLiteStore) LastRun(ctx context.Context, location string) (*engine.ApplyReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report FROM runs
		WHERE location = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, location)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("no runs recorded", nil).
			WithCode(engine.ErrCodeNotFound).WithTarget("location/" + location)
	}
	return report, err
}

func scanReport(row *sql.Row) (*engine.ApplyReport, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	report := &engine.ApplyReport{}
	if err := json.Unmarshal([]byte(data), report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run report: %w", err)
	}
	return report, nil
}

// ListRuns lists runs with pagination, newest first. An empty location lists
// every location.
func (s *SQLiteStore) ListRuns(ctx context.Context, location string, limit, offset int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, plan_id, location, status, op_count, applied, started_at, completed_at
		FROM runs
		WHERE (? = '' OR location = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, location, location, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunSummary{}
	for rows.Next() {
		var (
			run         RunSummary
			status      string
			startedAt   int64
			completedAt int64
		)
		err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&run.Location,
			&status,
			&run.OpCount,
			&run.Applied,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.ApplyStatus(status)
		run.StartedAt = time.Unix(0, startedAt)
		run.CompletedAt = time.Unix(0, completedAt)
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AcquireLock takes the lock on location for owner. Expired locks are
// reclaimed and an owner may refresh its own lock.
func (s *SQLiteStore) AcquireLock(ctx context.Context, location, owner string, ttl time.Duration) error {
	if location == "" || owner == "" {
		return fmt.Errorf("lock requires location and owner")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM location_locks WHERE location = ? AND expires_at <= ?`, location, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to reclaim expired lock: %w", err)
	}

	var holder string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM location_locks WHERE location = ?`, location).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read lock: %w", err)
	case holder != owner:
		return engine.NewConflictError(fmt.Sprintf("location is locked by %s", holder), nil).
			WithCode(engine.ErrCodeLocked).WithTarget("location/"+location).
			WithDetail("owner", holder)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO location_locks (location, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(location) DO UPDATE SET expires_at = excluded.expires_at
	`, location, owner, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}
	return nil
}

// ReleaseLock releases the lock on location if owner holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, location, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM location_locks WHERE location = ? AND owner = ?`, location, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// GetLock returns the unexpired holder of the location lock, or nil.
func (s *SQLiteStore) GetLock(ctx context.Context, location string) (*LockInfo, error) {
	var (
		info       LockInfo
		acquiredAt int64
		expiresAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT location, owner, acquired_at, expires_at
		FROM location_locks
		WHERE location = ? AND expires_at > ?
	`, location, s.now().UnixNano()).Scan(&info.Location, &info.Owner, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	info.AcquiredAt = time.Unix(0, acquiredAt)
	info.ExpiresAt = time.Unix(0, expiresAt)
	return &info, nil
}

var _ Store = (*SQLiteStore)(nil)
