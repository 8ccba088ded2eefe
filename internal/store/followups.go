package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"suppliersync/internal/domain"
)

const scheduleColumns = `schedule_id, request_id, supplier_id, recipient, delay_reason, estimated_duration,
	supplier_commitment_level, next_follow_up_date, follow_up_method, initial_tone, status,
	follow_ups_sent, last_follow_up_date, created_at, updated_at`

const messageColumns = `message_id, schedule_id, message_type, subject_line, message_body, tone,
	planned_send_date, actual_send_date, channel, status, response_received, error_message, created_at`

func scanSchedule(sc scanner) (*domain.FollowUpSchedule, error) {
	var (
		f                        domain.FollowUpSchedule
		commitment, tone, status string
		next, last               sql.NullString
		createdAt, updatedAt     string
	)
	err := sc.Scan(&f.ScheduleID, &f.RequestID, &f.SupplierID, &f.Recipient, &f.DelayReason, &f.EstimatedDuration,
		&commitment, &next, &f.Method, &tone, &status,
		&f.FollowUpsSent, &last, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.CommitmentLevel = domain.CommitmentLevel(commitment)
	f.InitialTone = domain.Tone(tone)
	f.Status = domain.ScheduleStatus(status)
	if f.NextFollowUpDate, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if f.LastFollowUpDate, err = parseNullTime(last); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanMessage(sc scanner) (*domain.FollowUpMessage, error) {
	var (
		m                  domain.FollowUpMessage
		tone, status       string
		planned, createdAt string
		actual             sql.NullString
		responseReceived   int
	)
	err := sc.Scan(&m.MessageID, &m.ScheduleID, &m.MessageType, &m.Subject, &m.Body, &tone,
		&planned, &actual, &m.Channel, &status, &responseReceived, &m.ErrorMessage, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Tone = domain.Tone(tone)
	m.Status = domain.MessageStatus(status)
	m.ResponseReceived = responseReceived != 0
	if m.PlannedSendDate, err = parseTime(planned); err != nil {
		return nil, err
	}
	if m.ActualSendDate, err = parseNullTime(actual); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, f *domain.FollowUpSchedule) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = f.CreatedAt
	if f.Status == "" {
		f.Status = domain.ScheduleActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_up_schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ScheduleID, f.RequestID, f.SupplierID, f.Recipient, f.DelayReason, f.EstimatedDuration,
		string(f.CommitmentLevel), nullTime(f.NextFollowUpDate), f.Method, string(f.InitialTone), string(f.Status),
		f.FollowUpsSent, nullTime(f.LastFollowUpDate), formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, scheduleID string) (*domain.FollowUpSchedule, error) {
	f, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM follow_up_schedules WHERE schedule_id = ?`, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("schedule", scheduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", scheduleID, err)
	}
	return f, nil
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, f *domain.FollowUpSchedule) error {
	f.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE follow_up_schedules
		 SET recipient = ?, delay_reason = ?, estimated_duration = ?, supplier_commitment_level = ?,
		     next_follow_up_date = ?, follow_up_method = ?, initial_tone = ?, status = ?,
		     follow_ups_sent = ?, last_follow_up_date = ?, updated_at = ?
		 WHERE schedule_id = ?`,
		f.Recipient, f.DelayReason, f.EstimatedDuration, string(f.CommitmentLevel),
		nullTime(f.NextFollowUpDate), f.Method, string(f.InitialTone), string(f.Status),
		f.FollowUpsSent, nullTime(f.LastFollowUpDate), formatTime(f.UpdatedAt),
		f.ScheduleID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if affected(res) == 0 {
		return domain.NotFoundf("schedule", f.ScheduleID)
	}
	return nil
}

func (s *SQLiteStore) ListSchedulesByRequest(ctx context.Context, requestID string) ([]domain.FollowUpSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM follow_up_schedules WHERE request_id = ? ORDER BY created_at, rowid`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowUpSchedule
	for rows.Next() {
		f, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.FollowUpMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = domain.MessagePending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_up_messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ScheduleID, m.MessageType, m.Subject, m.Body, string(m.Tone),
		formatTime(m.PlannedSendDate), nullTime(m.ActualSendDate), m.Channel, string(m.Status),
		boolInt(m.ResponseReceived), m.ErrorMessage, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert follow-up message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.FollowUpMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM follow_up_messages WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("follow-up message", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get follow-up message %s: %w", messageID, err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *domain.FollowUpMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE follow_up_messages
		 SET subject_line = ?, message_body = ?, tone = ?, planned_send_date = ?, actual_send_date = ?,
		     channel = ?, status = ?, response_received = ?, error_message = ?
		 WHERE message_id = ?`,
		m.Subject, m.Body, string(m.Tone), formatTime(m.PlannedSendDate), nullTime(m.ActualSendDate),
		m.Channel, string(m.Status), boolInt(m.ResponseReceived), m.ErrorMessage,
		m.MessageID)
	if err != nil {
		return fmt.Errorf("update follow-up message: %w", err)
	}
	if affected(res) == 0 {
		return domain.NotFoundf("follow-up message", m.MessageID)
	}
	return nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.FollowUpMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follow-up messages: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowUpMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, scheduleID string) ([]domain.FollowUpMessage, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM follow_up_messages WHERE schedule_id = ?
		 ORDER BY planned_send_date, rowid`, scheduleID)
}

// ListDueMessages returns pending messages of active schedules planned at or
// before now, oldest first.
func (s *SQLiteStore) ListDueMessages(ctx context.Context, now time.Time, limit int) ([]domain.FollowUpMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMessages(ctx,
		`SELECT m.message_id, m.schedule_id, m.message_type, m.subject_line, m.message_body, m.tone,
		        m.planned_send_date, m.actual_send_date, m.channel, m.status, m.response_received,
		        m.error_message, m.created_at
		 FROM follow_up_messages m
		 JOIN follow_up_schedules f ON f.schedule_id = m.schedule_id
		 WHERE m.status = 'pending' AND f.status = 'active' AND m.planned_send_date <= ?
		 ORDER BY m.planned_send_date, m.rowid LIMIT ?`, formatTime(now), limit)
}
