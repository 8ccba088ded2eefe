package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"suppliersync/internal/domain"
	"suppliersync/internal/followup"
	"suppliersync/internal/lifecycle"
	"suppliersync/internal/security"
)

type createRequestBody struct {
	lifecycle.NewRequest
	FollowUp *followup.NewSchedule `json:"follow_up,omitempty"`
}

type createRequestResult struct {
	Request  *domain.SupplierRequest  `json:"request"`
	Schedule *domain.FollowUpSchedule `json:"follow_up_schedule,omitempty"`
	Message  *domain.FollowUpMessage  `json:"follow_up_message,omitempty"`
	Warning  string                   `json:"warning,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body createRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Lifecycle.Create(r.Context(), body.NewRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := createRequestResult{Request: req}
	if body.FollowUp != nil {
		body.FollowUp.RequestID = req.RequestID
		out.Schedule, out.Message, err = s.deps.Scheduler.CreateSchedule(r.Context(), *body.FollowUp)
		if err != nil {
			// The request stands; the caller can add a schedule later.
			s.logger.Warn("inline follow-up schedule rejected", "request_id", req.RequestID, "err", err)
			out.Warning = "follow-up schedule not created: " + err.Error()
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

// loadRequest fetches the path request and checks the caller may see it.
func (s *Server) loadRequest(w http.ResponseWriter, r *http.Request) (*domain.SupplierRequest, bool) {
	req, err := s.deps.Lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !s.requireSupplier(w, r, req.SupplierID) {
		return nil, false
	}
	return req, true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	history, err := s.deps.Lifecycle.Responses(r.Context(), req.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.SupplierResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID, "responses": history})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	triggers, err := s.deps.Store.ListTriggers(r.Context(), req.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if triggers == nil {
		triggers = []domain.ResumeTrigger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID, "triggers": triggers})
}

type respondResult struct {
	Request     *domain.SupplierRequest  `json:"request"`
	Response    *domain.SupplierResponse `json:"response"`
	Trigger     *domain.ResumeTrigger    `json:"trigger,omitempty"`
	ResumeError string                   `json:"resume_error,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	var sub lifecycle.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, ok := security.PrincipalFrom(r.Context()); ok {
		sub.SupplierUserID = p.UserID
	}
	sub.IPAddress = clientIP(r)
	sub.UserAgent = r.UserAgent()

	out, err := s.deps.Lifecycle.Respond(r.Context(), req.RequestID, sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res := respondResult{Request: out.Request, Response: out.Response, Trigger: out.Trigger}
	switch {
	case out.ResumeErr == nil:
		writeJSON(w, http.StatusCreated, res)
	case errors.Is(out.ResumeErr, domain.ErrAlreadyResuming):
		res.ResumeError = out.ResumeErr.Error()
		writeJSON(w, http.StatusConflict, res)
	default:
		res.ResumeError = out.ResumeErr.Error()
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.deps.Lifecycle.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	req, err := s.deps.Lifecycle.Expire(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	scheds, err := s.deps.Store.ListSchedulesByRequest(r.Context(), req.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type scheduleView struct {
		domain.FollowUpSchedule
		Messages []domain.FollowUpMessage `json:"messages"`
	}
	views := make([]scheduleView, 0, len(scheds))
	for _, sc := range scheds {
		msgs, err := s.deps.Store.ListMessages(r.Context(), sc.ScheduleID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []domain.FollowUpMessage{}
		}
		views = append(views, scheduleView{FollowUpSchedule: sc, Messages: msgs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID, "schedules": views})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body followup.NewSchedule
	if err := decodeOptionalBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	body.RequestID = r.PathValue("id")
	sched, msg, err := s.deps.Scheduler.CreateSchedule(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched, "message": msg})
}

func (s *Server) handleNextFollowUp(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var sig domain.SupplierSignal
	if err := decodeOptionalBody(w, r, &sig); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.deps.Scheduler.ComputeNextFollowUp(r.Context(), r.PathValue("id"), sig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkSent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := decodeOptionalBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var sendErr error
	if strings.TrimSpace(body.Error) != "" {
		sendErr = errors.New(body.Error)
	}
	msg, err := s.deps.Scheduler.MarkSent(r.Context(), r.PathValue("id"), sendErr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRetryTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator) {
		return
	}
	trig, err := s.deps.Coordinator.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, trig)
}

func (s *Server) handleThreadMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Node    string `json:"node"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		s.writeError(w, r, domain.InvalidInputf("content is required"))
		return
	}
	if body.Role == "" {
		body.Role = "assistant"
	}
	threadID := r.PathValue("thread_id")
	s.deps.Notifier.MessageAdded(context.WithoutCancel(r.Context()), threadID, body.Role, body.Content, body.Node)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"thread_id": threadID,
		"observers": s.deps.Registry.Count(threadID),
	})
}

func (s *Server) handleThreadStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	var body struct {
		Status    string `json:"status"`
		IsPaused  bool   `json:"is_paused"`
		NextStep  string `json:"next_step"`
		RequestID string `json:"request_id"`
		Error     string `json:"error"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Status) == "" {
		s.writeError(w, r, domain.InvalidInputf("status is required"))
		return
	}
	threadID := r.PathValue("thread_id")
	s.deps.Notifier.StatusChanged(context.WithoutCancel(r.Context()), threadID, domain.StatusChange{
		Status:    body.Status,
		IsPaused:  body.IsPaused,
		NextStep:  body.NextStep,
		RequestID: body.RequestID,
		Error:     body.Error,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"thread_id": threadID,
		"observers": s.deps.Registry.Count(threadID),
	})
}

func (s *Server) handleDeleteSupplier(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator) {
		return
	}
	supplierID := r.PathValue("supplier_id")
	n, err := s.deps.Store.DeleteSupplierRecords(r.Context(), supplierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("supplier records deleted", "supplier_id", supplierID, "requests", n)
	writeJSON(w, http.StatusOK, map[string]any{"supplier_id": supplierID, "deleted_requests": n})
}
