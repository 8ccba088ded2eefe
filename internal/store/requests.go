package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"suppliersync/internal/domain"
)

const requestColumns = `request_id, thread_id, conversation_round, supplier_id, assigned_user_id,
	request_type, request_subject, request_message, request_context, status, priority,
	supplier_response, response_data, responded_at, created_at, expires_at,
	notification_sent_at, reminder_sent_count, last_reminder_at, updated_at`

func scanRequest(sc scanner) (*domain.SupplierRequest, error) {
	var (
		r                         domain.SupplierRequest
		reqType, status, priority string
		reqCtx, respData          sql.NullString
		respondedAt, expiresAt    sql.NullString
		notifiedAt, lastReminder  sql.NullString
		createdAt, updatedAt      string
	)
	err := sc.Scan(&r.RequestID, &r.ThreadID, &r.ConversationRound, &r.SupplierID, &r.AssignedUserID,
		&reqType, &r.Subject, &r.Message, &reqCtx, &status, &priority,
		&r.SupplierResponse, &respData, &respondedAt, &createdAt, &expiresAt,
		&notifiedAt, &r.ReminderSentCount, &lastReminder, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.RequestType = domain.RequestType(reqType)
	r.Status = domain.RequestStatus(status)
	r.Priority = domain.Priority(priority)
	r.Context = parseNullJSON(reqCtx)
	r.ResponseData = parseNullJSON(respData)

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&r.RespondedAt, respondedAt},
		{&r.ExpiresAt, expiresAt},
		{&r.NotificationSentAt, notifiedAt},
		{&r.LastReminderAt, lastReminder},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func getRequest(ctx context.Context, q queryer, requestID string) (*domain.SupplierRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM supplier_requests WHERE request_id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("request", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	return r, nil
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *domain.SupplierRequest) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Status == "" {
		r.Status = domain.RequestPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO supplier_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.ThreadID, r.ConversationRound, r.SupplierID, r.AssignedUserID,
		string(r.RequestType), r.Subject, r.Message, nullJSON(r.Context), string(r.Status), string(r.Priority),
		r.SupplierResponse, nullJSON(r.ResponseData), nullTime(r.RespondedAt), formatTime(r.CreatedAt), nullTime(r.ExpiresAt),
		nullTime(r.NotificationSentAt), r.ReminderSentCount, nullTime(r.LastReminderAt), formatTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return domain.InvalidInputf("request %s already exists", r.RequestID)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*domain.SupplierRequest, error) {
	return getRequest(ctx, s.db, requestID)
}

func (s *SQLiteStore) TransitionRequest(ctx context.Context, t domain.RequestTransition) (*domain.SupplierRequest, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var out *domain.SupplierRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if t.Response != nil {
			res, err = tx.ExecContext(ctx,
				`UPDATE supplier_requests
				 SET status = ?, supplier_response = ?, response_data = ?, responded_at = ?, updated_at = ?
				 WHERE request_id = ? AND status = 'pending'`,
				string(t.To), t.Response.ResponseText, nullJSON(t.Response.ResponseData), formatTime(at), formatTime(at),
				t.RequestID)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE supplier_requests SET status = ?, updated_at = ?
				 WHERE request_id = ? AND status = 'pending'`,
				string(t.To), formatTime(at), t.RequestID)
		}
		if err != nil {
			return fmt.Errorf("update request status: %w", err)
		}

		if affected(res) == 0 {
			cur, err := getRequest(ctx, tx, t.RequestID)
			if err != nil {
				return err
			}
			return &domain.TransitionError{RequestID: t.RequestID, From: cur.Status, To: t.To}
		}

		if t.Response != nil {
			t.Response.RequestID = t.RequestID
			if t.Response.CreatedAt.IsZero() {
				t.Response.CreatedAt = at
			}
			if err := insertResponse(ctx, tx, t.Response); err != nil {
				return err
			}
		}
		if t.Trigger != nil {
			t.Trigger.RequestID = t.RequestID
			if err := insertTrigger(ctx, tx, t.Trigger); err != nil {
				return err
			}
		}

		out, err = getRequest(ctx, tx, t.RequestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertResponse(ctx context.Context, q queryer, r *domain.SupplierResponse) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO supplier_response_history
		 (id, request_id, supplier_user_id, response_text, response_data, response_type, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.SupplierUserID, r.ResponseText, nullJSON(r.ResponseData), string(r.ResponseType),
		r.IPAddress, r.UserAgent, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert response history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordReminder(ctx context.Context, requestID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE supplier_requests
		 SET reminder_sent_count = reminder_sent_count + 1,
		     last_reminder_at = ?,
		     notification_sent_at = COALESCE(notification_sent_at, ?),
		     updated_at = ?
		 WHERE request_id = ?`,
		formatTime(at), formatTime(at), formatTime(at), requestID)
	if err != nil {
		return fmt.Errorf("record reminder: %w", err)
	}
	if affected(res) == 0 {
		return domain.NotFoundf("request", requestID)
	}
	return nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, requestID string) ([]domain.SupplierResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, supplier_user_id, response_text, response_data, response_type,
		        ip_address, user_agent, created_at
		 FROM supplier_response_history WHERE request_id = ? ORDER BY created_at, rowid`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []domain.SupplierResponse
	for rows.Next() {
		var (
			r         domain.SupplierResponse
			data      sql.NullString
			respType  string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.SupplierUserID, &r.ResponseText, &data, &respType,
			&r.IPAddress, &r.UserAgent, &createdAt); err != nil {
			return nil, err
		}
		r.ResponseData = parseNullJSON(data)
		r.ResponseType = domain.ResponseType(respType)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.SupplierRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM supplier_requests
		 WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired requests: %w", err)
	}
	defer rows.Close()

	var out []domain.SupplierRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSupplierRecords(ctx context.Context, supplierID string) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			name  string
			query string
		}{
			{"follow_up_messages", `DELETE FROM follow_up_messages WHERE schedule_id IN
				(SELECT schedule_id FROM follow_up_schedules WHERE supplier_id = ?)`},
			{"follow_up_schedules", `DELETE FROM follow_up_schedules WHERE supplier_id = ?`},
			{"workflow_resume_triggers", `DELETE FROM workflow_resume_triggers WHERE request_id IN
				(SELECT request_id FROM supplier_requests WHERE supplier_id = ?)`},
			{"supplier_response_history", `DELETE FROM supplier_response_history WHERE request_id IN
				(SELECT request_id FROM supplier_requests WHERE supplier_id = ?)`},
		}
		for _, st := range steps {
			res, err := tx.ExecContext(ctx, st.query, supplierID)
			if err != nil {
				return fmt.Errorf("delete %s: %w", st.name, err)
			}
			s.logger.Debug("cascade delete", "table", st.name, "supplier_id", supplierID, "rows", affected(res))
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM supplier_requests WHERE supplier_id = ?`, supplierID)
		if err != nil {
			return fmt.Errorf("delete supplier_requests: %w", err)
		}
		removed = affected(res)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
