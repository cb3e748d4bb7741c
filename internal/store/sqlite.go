package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/companion/internal/domain"
	_ "modernc.org/sqlite"
)

// pendingClause matches records that have not left the pending state.
// Legacy rows may carry an empty or NULL status.
const pendingClause = `(status = 'pending' OR status IS NULL OR status = '')`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	// rewardMu serializes read-modify-write of reward rows to prevent SQLITE_BUSY.
	rewardMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository. Payloads and profiles are
// encrypted with sealer before they reach disk.
func NewSQLite(dbPath string, sealer *Sealer) (*SQLiteStore, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, sealer: sealer}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scheduled_at INTEGER NOT NULL,
		status TEXT DEFAULT 'pending',
		is_routine INTEGER NOT NULL DEFAULT 0,
		routine_clock TEXT,
		encrypted_payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_queue_due ON task_queue(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_name TEXT NOT NULL,
		energy_level INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		xp INTEGER NOT NULL DEFAULT 0,
		streak_count INTEGER NOT NULL DEFAULT 0,
		last_completion_date TEXT
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetProfile returns the stored trait map for a user.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	var profile domain.Profile
	if err := s.openJSON(sealed, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// SaveProfile creates or replaces the trait map for a user.
func (s *SQLiteStore) SaveProfile(ctx context.Context, userID string, profile domain.Profile) error {
	sealed, err := s.sealJSON(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	query := `
	INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "save_profile", func() error {
		if _, err := s.db.ExecContext(ctx, query, userID, sealed, time.Now().Unix()); err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
}

// ScheduleTask inserts a pending queue record.
func (s *SQLiteStore) ScheduleTask(ctx context.Context, at time.Time, payload domain.TaskPayload) (int64, error) {
	var id int64
	err := withBusyRetry(ctx, "schedule_task", func() error {
		var err error
		id, err = s.insertTask(ctx, s.db, at, payload, time.Now().Unix())
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ScheduleTasks inserts pending queue records in a single transaction.
func (s *SQLiteStore) ScheduleTasks(ctx context.Context, tasks []domain.NewTask) ([]int64, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	var ids []int64
	err := withBusyRetry(ctx, "schedule_tasks", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schedule: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		ids = make([]int64, 0, len(tasks))
		for _, t := range tasks {
			id, err := s.insertTask(ctx, tx, t.At, t.Payload, now)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertTask(ctx context.Context, db execer, at time.Time, payload domain.TaskPayload, now int64) (int64, error) {
	sealed, err := s.sealJSON(payload)
	if err != nil {
		return 0, fmt.Errorf("encode task payload: %w", err)
	}

	var routineClock any
	if payload.IsRoutine {
		routineClock = at.Format("15:04")
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO task_queue (scheduled_at, status, is_routine, routine_clock, encrypted_payload, created_at, updated_at)
		VALUES (?, 'pending', ?, ?, ?, ?, ?)`,
		at.Unix(), payload.IsRoutine, routineClock, sealed, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

const taskColumns = `id, scheduled_at, COALESCE(NULLIF(status, ''), 'pending'), is_routine, encrypted_payload, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTask(row rowScanner) (*domain.ScheduledTaskRecord, error) {
	var rec domain.ScheduledTaskRecord
	var scheduledAt, createdAt int64
	var status string
	var sealed []byte

	if err := row.Scan(&rec.ID, &scheduledAt, &status, &rec.IsRoutine, &sealed, &createdAt); err != nil {
		return nil, err
	}
	if err := s.openJSON(sealed, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode task %d payload: %w", rec.ID, err)
	}
	rec.ScheduledAt = time.Unix(scheduledAt, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.Status = domain.TaskStatus(status)
	rec.Payload.IsRoutine = rec.IsRoutine
	return &rec, nil
}

// NextDueTask returns the earliest pending record scheduled within [from, to].
func (s *SQLiteStore) NextDueTask(ctx context.Context, from, to time.Time) (*domain.ScheduledTaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM task_queue
		WHERE scheduled_at BETWEEN ? AND ? AND ` + pendingClause + `
		ORDER BY scheduled_at ASC, id ASC
		LIMIT 1`

	rec, err := s.scanTask(s.db.QueryRowContext(ctx, query, from.Unix(), to.Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query due task: %w", err)
	}
	return rec, nil
}

// GetTask returns a single queue record.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*domain.ScheduledTaskRecord, error) {
	rec, err := s.scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return rec, nil
}

// UpdateTaskStatus moves a record between statuses with a single
// compare-and-set write.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id int64, from, to domain.TaskStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE task_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if from == domain.TaskPending {
		query = `UPDATE task_queue SET status = ?, updated_at = ? WHERE id = ? AND ` + pendingClause
	}
	args := []any{string(to), time.Now().Unix(), id}
	if from != domain.TaskPending {
		args = append(args, string(from))
	}

	var rows int64
	err := withBusyRetry(ctx, "update_task_status", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	slog.Warn("UpdateTaskStatus lost compare-and-set", "task_id", id, "from", from, "to", to)
	return ErrStatusConflict
}

// ListTasks returns queue records, optionally filtered by status.
func (s *SQLiteStore) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.ScheduledTaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM task_queue`
	var args []any
	switch status {
	case "":
	case domain.TaskPending:
		query += ` WHERE ` + pendingClause
	default:
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task rows", "error", closeErr)
		}
	}()

	var out []*domain.ScheduledTaskRecord
	for rows.Next() {
		rec, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// MissedTasks returns ids of pending records scheduled before the cutoff.
func (s *SQLiteStore) MissedTasks(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM task_queue WHERE scheduled_at < ? AND `+pendingClause+` ORDER BY scheduled_at ASC LIMIT ?`,
		before.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query missed tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close missed task rows", "error", closeErr)
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan missed task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RescueTasks resets records with an empty status to pending.
func (s *SQLiteStore) RescueTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = 'pending', updated_at = ? WHERE status IS NULL OR status = ''`,
		time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("rescue tasks: %w", err)
	}
	return res.RowsAffected()
}

// PruneTasks deletes finished or skipped records scheduled before the cutoff.
func (s *SQLiteStore) PruneTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE status IN ('done', 'skipped') AND scheduled_at < ?`,
		before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}

// LogCompletion appends a completion to the history log.
func (s *SQLiteStore) LogCompletion(ctx context.Context, name string, energy int, at time.Time) error {
	return withBusyRetry(ctx, "log_completion", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO history (task_name, energy_level, completed_at) VALUES (?, ?, ?)`,
			name, energy, at.Unix())
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// defaultPeakHour is reported before any completion history exists.
const defaultPeakHour = "10:00"

// PlanningContext returns the hour with the highest average completion energy
// and the distinct registered routines.
func (s *SQLiteStore) PlanningContext(ctx context.Context) (string, []domain.Routine, error) {
	peak := defaultPeakHour
	var hour sql.NullString
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT strftime('%H', completed_at, 'unixepoch', 'localtime') AS hr, AVG(energy_level)
		FROM history GROUP BY hr ORDER BY 2 DESC LIMIT 1`).Scan(&hour, &avg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", nil, fmt.Errorf("query peak hour: %w", err)
	case hour.Valid:
		peak = hour.String + ":00"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT encrypted_payload, routine_clock FROM task_queue
		WHERE is_routine = 1 ORDER BY routine_clock ASC, id ASC`)
	if err != nil {
		return "", nil, fmt.Errorf("query routines: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close routine rows", "error", closeErr)
		}
	}()

	seen := make(map[string]bool)
	var routines []domain.Routine
	for rows.Next() {
		var sealed []byte
		var clock sql.NullString
		if err := rows.Scan(&sealed, &clock); err != nil {
			return "", nil, fmt.Errorf("scan routine: %w", err)
		}
		var payload domain.TaskPayload
		if err := s.openJSON(sealed, &payload); err != nil {
			return "", nil, fmt.Errorf("decode routine: %w", err)
		}
		key := strings.ToLower(payload.Activity) + "@" + clock.String
		if seen[key] {
			continue
		}
		seen[key] = true
		routines = append(routines, domain.Routine{Activity: payload.Activity, Time: clock.String})
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate routines: %w", err)
	}
	return peak, routines, nil
}

// GetRewardStats returns the reward record for a user.
func (s *SQLiteStore) GetRewardStats(ctx context.Context, userID string) (*domain.RewardStats, error) {
	s.rewardMu.Lock()
	defer s.rewardMu.Unlock()

	var stats domain.RewardStats
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, xp, streak_count, last_completion_date FROM user_stats WHERE user_id = ?`, userID).
		Scan(&stats.UserID, &stats.XP, &stats.StreakCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reward stats: %w", err)
	}
	stats.LastCompletionDate = last.String
	return &stats, nil
}

// SaveRewardStats creates or replaces the reward record for a user.
func (s *SQLiteStore) SaveRewardStats(ctx context.Context, stats domain.RewardStats) error {
	s.rewardMu.Lock()
	defer s.rewardMu.Unlock()

	query := `
	INSERT INTO user_stats (user_id, xp, streak_count, last_completion_date) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		xp = excluded.xp,
		streak_count = excluded.streak_count,
		last_completion_date = excluded.last_completion_date`
	return withBusyRetry(ctx, "save_reward_stats", func() error {
		if _, err := s.db.ExecContext(ctx, query, stats.UserID, stats.XP, stats.StreakCount, stats.LastCompletionDate); err != nil {
			return fmt.Errorf("upsert reward stats: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) sealJSON(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.sealer.Seal(plain)
}

func (s *SQLiteStore) openJSON(sealed []byte, v any) error {
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

var _ Repository = (*SQLiteStore)(nil)
