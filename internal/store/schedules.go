package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spinelabs/spine/internal/scheduler"
)

func (s *Store) CreateTask(ctx context.Context, t *scheduler.ScheduledTask) error {
	if t.ID == "" {
		return fmt.Errorf("scheduled task id is required")
	}
	kw, err := json.Marshal(t.Kwargs)
	if err != nil {
		return fmt.Errorf("failed to serialize kwargs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks
			(id, name, task, kwargs, every_seconds, crontab, enabled, one_off,
			 expires_at, last_run_at, total_run_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.Task, kw, t.EverySeconds, t.Crontab, t.Enabled, t.OneOff,
		nullableTime(t.ExpiresAt), nullableTime(t.LastRunAt), t.TotalRunCount,
		nullableTime(t.CreatedAt), nullableTime(t.UpdatedAt))
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("scheduled task %s already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}
	return nil
}

const scheduleColumns = `id, name, task, kwargs, every_seconds, crontab, enabled, one_off,
	expires_at, last_run_at, total_run_count, created_at, updated_at`

func scanSchedule(row pgx.Row) (*scheduler.ScheduledTask, error) {
	t := &scheduler.ScheduledTask{}
	var kw []byte
	var expires, lastRun, created, updated *time.Time
	err := row.Scan(&t.ID, &t.Name, &t.Task, &kw, &t.EverySeconds, &t.Crontab, &t.Enabled, &t.OneOff,
		&expires, &lastRun, &t.TotalRunCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	if len(kw) > 0 {
		if err := json.Unmarshal(kw, &t.Kwargs); err != nil {
			return nil, fmt.Errorf("failed to parse kwargs for schedule %s: %w", t.ID, err)
		}
	}
	t.ExpiresAt = timeValue(expires)
	t.LastRunAt = timeValue(lastRun)
	t.CreatedAt = timeValue(created)
	t.UpdatedAt = timeValue(updated)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*scheduler.ScheduledTask, error) {
	t, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]scheduler.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_tasks ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.ScheduledTask
	for rows.Next() {
		t, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *scheduler.ScheduledTask) error {
	kw, err := json.Marshal(t.Kwargs)
	if err != nil {
		return fmt.Errorf("failed to serialize kwargs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET name = $2, task = $3, kwargs = $4, every_seconds = $5, crontab = $6,
		    enabled = $7, one_off = $8, expires_at = $9, last_run_at = $10,
		    total_run_count = $11, created_at = $12, updated_at = $13
		WHERE id = $1`,
		t.ID, t.Name, t.Task, kw, t.EverySeconds, t.Crontab, t.Enabled, t.OneOff,
		nullableTime(t.ExpiresAt), nullableTime(t.LastRunAt), t.TotalRunCount,
		nullableTime(t.CreatedAt), nullableTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to update scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, t.ID)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	return nil
}

func (s *Store) MarkRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = $2,
		    total_run_count = total_run_count + 1,
		    enabled = CASE WHEN one_off THEN FALSE ELSE enabled END,
		    updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	return nil
}

func (s *Store) PutOwnership(ctx context.Context, o *scheduler.Ownership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_ownership (scheduled_task_id, owner_username, owner_user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (scheduled_task_id) DO UPDATE
		SET owner_username = EXCLUDED.owner_username, owner_user_id = EXCLUDED.owner_user_id`,
		o.ScheduledTaskID, o.Username, o.UserID)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, o.ScheduledTaskID)
	}
	if err != nil {
		return fmt.Errorf("failed to store ownership: %w", err)
	}
	return nil
}

func (s *Store) Owner(ctx context.Context, scheduledTaskID string) (string, error) {
	var username string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_username FROM task_ownership WHERE scheduled_task_id = $1`, scheduledTaskID,
	).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", scheduler.ErrOwnershipNotFound, scheduledTaskID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read ownership: %w", err)
	}
	return username, nil
}
