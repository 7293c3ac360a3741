package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/instance"
)

var validate = validator.New()

const defaultMaxBodyBytes = 1 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	limit := s.webhookCfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, apperrors.CodeValidation, "webhook body too large")
			return
		}
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "failed to read webhook body")
		return
	}

	ack, err := s.deps.Webhook.Receive(r.Context(), chi.URLParam(r, "instanceId"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Code(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(ack.Outcome)})
}

type registerRequest struct {
	ID             string `json:"id"             validate:"required,max=64"`
	PhoneNumber    string `json:"phoneNumber"    validate:"omitempty,e164|numeric"`
	AuthToken      string `json:"authToken"      validate:"required"`
	GatewayBaseURL string `json:"gatewayBaseUrl" validate:"omitempty,url"`
}

// instanceView is the public representation of an instance; it never carries the token.
type instanceView struct {
	ID                string    `json:"id"`
	PhoneNumber       string    `json:"phoneNumber,omitempty"`
	GatewayBaseURL    string    `json:"gatewayBaseUrl"`
	State             string    `json:"state"`
	LastStateChangeAt time.Time `json:"lastStateChangeAt"`
	LastError         string    `json:"lastError,omitempty"`
}

func viewOf(inst instance.MessagingInstance) instanceView {
	return instanceView{
		ID:                inst.ID,
		PhoneNumber:       inst.PhoneNumber,
		GatewayBaseURL:    inst.GatewayBaseURL,
		State:             string(inst.State),
		LastStateChangeAt: inst.LastStateChangeAt,
		LastError:         inst.LastError,
	}
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, err.Error())
		return
	}

	id, err := s.deps.Instances.Register(r.Context(), instance.MessagingInstance{
		ID:             req.ID,
		PhoneNumber:    req.PhoneNumber,
		AuthToken:      req.AuthToken,
		GatewayBaseURL: req.GatewayBaseURL,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	inst, err := s.deps.Instances.Get(id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(inst))
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Instances.List()
	out := make([]instanceView, 0, len(list))
	for _, inst := range list {
		out = append(out, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Instances.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *Server) handleDeregisterInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Instances.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReregisterInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Instances.Reregister(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	inst, err := s.deps.Instances.Get(id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.CodeValidation:
		status = http.StatusBadRequest
	case apperrors.CodeUnknownInstance:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Admin request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
