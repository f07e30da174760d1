package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pruneChunk bounds the IN list of a single prune statement.
const pruneChunk = 500

var preferenceColumns = map[string]string{
	PrefNewChapters:   "pref_new_chapters",
	PrefAnnouncements: "pref_announcements",
	PrefComments:      "pref_comments",
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore holds the queries shared by the Postgres and SQLite stores.
// Queries are written with `?` placeholders and rebound for Postgres.
type sqlStore struct {
	db       *sql.DB
	numbered bool
	now      func() time.Time
}

func newSQLStore(db *sql.DB, numbered bool) *sqlStore {
	return &sqlStore{
		db:       db,
		numbered: numbered,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockDevice touches the user's row so later statements in the transaction
// serialize against concurrent mutations of the same user.
func (s *sqlStore) lockDevice(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	result, err := tx.ExecContext(ctx, s.q(`UPDATE user_devices SET user_id = user_id WHERE user_id = ?`), userID)
	if err != nil {
		return false, err
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

func (s *sqlStore) ensureDevice(ctx context.Context, tx *sql.Tx, userID string) error {
	query := `INSERT INTO user_devices(user_id, created_at) VALUES(?, ?) ON CONFLICT (user_id) DO NOTHING`
	_, err := tx.ExecContext(ctx, s.q(query), userID, formatTime(s.now()))
	return err
}

func (s *sqlStore) loadDevice(ctx context.Context, db querier, userID string) (*UserDevice, error) {
	query := `SELECT user_id, notifications_enabled, pref_new_chapters, pref_announcements, pref_comments, last_token_update
		FROM user_devices WHERE user_id = ?`

	var d UserDevice
	var lastUpdate string
	err := db.QueryRowContext(ctx, s.q(query), userID).Scan(
		&d.UserID, &d.NotificationsEnabled,
		&d.Preferences.NewChapters, &d.Preferences.Announcements, &d.Preferences.Comments,
		&lastUpdate,
	)
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting user device: %w", err)
	}
	if d.LastTokenUpdate, err = parseTime(lastUpdate); err != nil {
		return nil, fmt.Errorf("error parsing last_token_update: %w", err)
	}

	rows, err := db.QueryContext(ctx, s.q(`SELECT token FROM device_tokens WHERE user_id = ? ORDER BY token`), userID)
	if err != nil {
		return nil, fmt.Errorf("error getting tokens: %w", err)
	}
	defer rows.Close()

	d.Tokens = NewTokenSet()
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("error scanning token: %w", err)
		}
		d.Tokens.Add(token)
	}
	return &d, rows.Err()
}

func (s *sqlStore) AddToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	var device *UserDevice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureDevice(ctx, tx, userID); err != nil {
			return fmt.Errorf("error creating user device: %w", err)
		}

		query := `INSERT INTO device_tokens(user_id, token, created_at) VALUES(?, ?, ?) ON CONFLICT (user_id, token) DO NOTHING`
		if _, err := tx.ExecContext(ctx, s.q(query), userID, token, formatTime(s.now())); err != nil {
			return fmt.Errorf("error adding token: %w", err)
		}

		query = `UPDATE user_devices SET notifications_enabled = ?, last_token_update = ? WHERE user_id = ?`
		if _, err := tx.ExecContext(ctx, s.q(query), true, formatTime(s.now()), userID); err != nil {
			return fmt.Errorf("error enabling notifications: %w", err)
		}

		var err error
		device, err = s.loadDevice(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *sqlStore) RemoveToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	var device *UserDevice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := s.lockDevice(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("error locking user device: %w", err)
		}
		if !found {
			return Errors.NotFound
		}

		result, err := tx.ExecContext(ctx, s.q(`DELETE FROM device_tokens WHERE user_id = ? AND token = ?`), userID, token)
		if err != nil {
			return fmt.Errorf("error removing token: %w", err)
		}
		removed, _ := result.RowsAffected()

		var remaining int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM device_tokens WHERE user_id = ?`), userID).Scan(&remaining); err != nil {
			return fmt.Errorf("error counting tokens: %w", err)
		}

		if removed > 0 {
			query := `UPDATE user_devices SET notifications_enabled = ?, last_token_update = ? WHERE user_id = ?`
			_, err = tx.ExecContext(ctx, s.q(query), remaining > 0, formatTime(s.now()), userID)
		} else {
			_, err = tx.ExecContext(ctx, s.q(`UPDATE user_devices SET notifications_enabled = ? WHERE user_id = ?`), remaining > 0, userID)
		}
		if err != nil {
			return fmt.Errorf("error updating user device: %w", err)
		}

		device, err = s.loadDevice(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *sqlStore) SetPreferences(ctx context.Context, userID string, prefs Preferences) (*UserDevice, error) {
	var device *UserDevice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO user_devices(user_id, pref_new_chapters, pref_announcements, pref_comments, created_at)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE
				SET pref_new_chapters = excluded.pref_new_chapters,
				    pref_announcements = excluded.pref_announcements,
				    pref_comments = excluded.pref_comments`
		_, err := tx.ExecContext(ctx, s.q(query), userID, prefs.NewChapters, prefs.Announcements, prefs.Comments, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("error setting preferences: %w", err)
		}

		device, err = s.loadDevice(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *sqlStore) GetDevice(ctx context.Context, userID string) (*UserDevice, error) {
	return s.loadDevice(ctx, s.db, userID)
}

func (s *sqlStore) QueryTokens(ctx context.Context, pred Predicate) ([]string, error) {
	var where []string
	var args []any

	if pred.NotificationsEnabled != nil {
		where = append(where, "u.notifications_enabled = ?")
		args = append(args, *pred.NotificationsEnabled)
	}
	for _, name := range pred.Preferences {
		column, ok := preferenceColumns[name]
		if !ok {
			return nil, fmt.Errorf("unknown preference %q", name)
		}
		where = append(where, "u."+column+" = ?")
		args = append(args, true)
	}
	if len(pred.UserIDs) > 0 {
		where = append(where, "u.user_id IN ("+placeholders(len(pred.UserIDs))+")")
		for _, id := range pred.UserIDs {
			args = append(args, id)
		}
	}

	query := `SELECT t.token FROM device_tokens t INNER JOIN user_devices u ON t.user_id = u.user_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.user_id, t.token"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("error scanning token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *sqlStore) PruneTokens(ctx context.Context, tokens []string) (int, error) {
	removed := 0
	for start := 0; start < len(tokens); start += pruneChunk {
		end := min(start+pruneChunk, len(tokens))
		chunk := tokens[start:end]

		args := make([]any, len(chunk))
		for i, t := range chunk {
			args[i] = t
		}
		in := placeholders(len(chunk))

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, s.q(`SELECT DISTINCT user_id FROM device_tokens WHERE token IN (`+in+`)`), args...)
			if err != nil {
				return fmt.Errorf("error finding token owners: %w", err)
			}
			var owners []any
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("error scanning token owner: %w", err)
				}
				owners = append(owners, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			if len(owners) == 0 {
				return nil
			}

			result, err := tx.ExecContext(ctx, s.q(`DELETE FROM device_tokens WHERE token IN (`+in+`)`), args...)
			if err != nil {
				return fmt.Errorf("error pruning tokens: %w", err)
			}
			n, _ := result.RowsAffected()
			removed += int(n)

			query := `UPDATE user_devices
				SET notifications_enabled = EXISTS(SELECT 1 FROM device_tokens t WHERE t.user_id = user_devices.user_id),
				    last_token_update = ?
				WHERE user_id IN (` + placeholders(len(owners)) + `)`
			updateArgs := append([]any{formatTime(s.now())}, owners...)
			if _, err := tx.ExecContext(ctx, s.q(query), updateArgs...); err != nil {
				return fmt.Errorf("error updating pruned owners: %w", err)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Job operations

func (s *sqlStore) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	intent, err := json.Marshal(job.Intent)
	if err != nil {
		return fmt.Errorf("error encoding intent: %w", err)
	}

	query := `INSERT INTO notification_jobs(id, intent, status, send_at, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.q(query), job.ID, string(intent), string(job.Status),
		formatTime(job.SendAt), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return Errors.AlreadyExists
		}
		return fmt.Errorf("error creating job: %w", err)
	}
	return nil
}

const jobColumns = `id, intent, status, send_at, total_tokens, sent_count, failed_count, pruned_count, error_message, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var intent, status, sendAt, createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&job.ID, &intent, &status, &sendAt,
		&job.Outcome.TotalTokens, &job.Outcome.SentCount, &job.Outcome.FailedCount, &job.Outcome.PrunedCount,
		&job.Outcome.Error, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intent), &job.Intent); err != nil {
		return nil, fmt.Errorf("error decoding intent: %w", err)
	}
	job.Status = JobStatus(status)
	if job.SendAt, err = parseTime(sendAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *sqlStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM notification_jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting job: %w", err)
	}
	return job, nil
}

func (s *sqlStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE status = ? AND send_at <= ? ORDER BY send_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.q(query), string(JobScheduled), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("error fetching due jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *sqlStore) GetStaleJobs(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.q(query), string(JobQueued), string(JobInProgress), formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("error fetching stale jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *sqlStore) ClaimJob(ctx context.Context, jobID string, from, to JobStatus) error {
	query := `UPDATE notification_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, s.q(query), string(to), formatTime(s.now()), jobID, string(from))
	if err != nil {
		return fmt.Errorf("error claiming job: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return Errors.Conflict
	}
	return nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, jobID string, status JobStatus, outcome JobOutcome) error {
	query := `UPDATE notification_jobs
		SET status = ?, total_tokens = ?, sent_count = ?, failed_count = ?, pruned_count = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`
	now := formatTime(s.now())
	result, err := s.db.ExecContext(ctx, s.q(query), string(status),
		outcome.TotalTokens, outcome.SentCount, outcome.FailedCount, outcome.PrunedCount, outcome.Error,
		now, now, jobID)
	if err != nil {
		return fmt.Errorf("error completing job: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return Errors.NotFound
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
