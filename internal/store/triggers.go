package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"suppliersync/internal/domain"
)

const triggerColumns = `trigger_id, thread_id, request_id, trigger_type, triggered_at, resume_status,
	resume_started_at, resume_completed_at, error_message, retry_count`

func scanTrigger(sc scanner) (*domain.ResumeTrigger, error) {
	var (
		t                   domain.ResumeTrigger
		triggerType, status string
		triggeredAt         string
		started, completed  sql.NullString
	)
	err := sc.Scan(&t.TriggerID, &t.ThreadID, &t.RequestID, &triggerType, &triggeredAt, &status,
		&started, &completed, &t.ErrorMessage, &t.RetryCount)
	if err != nil {
		return nil, err
	}
	t.TriggerType = domain.TriggerType(triggerType)
	t.Status = domain.ResumeStatus(status)
	if t.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, err
	}
	if t.ResumeStartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if t.ResumeCompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *domain.ResumeTrigger) error {
	return insertTrigger(ctx, s.db, t)
}

func insertTrigger(ctx context.Context, q queryer, t *domain.ResumeTrigger) error {
	if t.Status == "" {
		t.Status = domain.ResumePending
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO workflow_resume_triggers (`+triggerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TriggerID, t.ThreadID, t.RequestID, string(t.TriggerType), formatTime(t.TriggeredAt), string(t.Status),
		nullTime(t.ResumeStartedAt), nullTime(t.ResumeCompletedAt), t.ErrorMessage, t.RetryCount)
	if isUniqueViolation(err) && t.Status == domain.ResumeProcessing {
		return fmt.Errorf("request %s: %w", t.RequestID, domain.ErrAlreadyResuming)
	}
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, triggerID string) (*domain.ResumeTrigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM workflow_resume_triggers WHERE trigger_id = ?`, triggerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("trigger", triggerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", triggerID, err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTrigger(ctx context.Context, t *domain.ResumeTrigger) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_resume_triggers
		 SET resume_status = ?, resume_started_at = ?, resume_completed_at = ?, error_message = ?, retry_count = ?
		 WHERE trigger_id = ?`,
		string(t.Status), nullTime(t.ResumeStartedAt), nullTime(t.ResumeCompletedAt), t.ErrorMessage, t.RetryCount,
		t.TriggerID)
	if isUniqueViolation(err) {
		return fmt.Errorf("request %s: %w", t.RequestID, domain.ErrAlreadyResuming)
	}
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if affected(res) == 0 {
		return domain.NotFoundf("trigger", t.TriggerID)
	}
	return nil
}

func (s *SQLiteStore) listTriggers(ctx context.Context, where string, args ...any) ([]domain.ResumeTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM workflow_resume_triggers WHERE `+where+` ORDER BY triggered_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []domain.ResumeTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTriggers(ctx context.Context, requestID string) ([]domain.ResumeTrigger, error) {
	return s.listTriggers(ctx, "request_id = ?", requestID)
}

func (s *SQLiteStore) ListUnfinishedTriggers(ctx context.Context) ([]domain.ResumeTrigger, error) {
	return s.listTriggers(ctx, "resume_status IN ('pending', 'processing')")
}

func (s *SQLiteStore) HasProcessingTrigger(ctx context.Context, requestID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_resume_triggers WHERE request_id = ? AND resume_status = 'processing'`,
		requestID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count processing triggers: %w", err)
	}
	return n > 0, nil
}
