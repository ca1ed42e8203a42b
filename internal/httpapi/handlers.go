package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"commgate/internal/dispatch"
	"commgate/internal/events"
	"commgate/internal/idempotency"
	"commgate/internal/token"
	"commgate/internal/verification"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// writeError maps domain errors onto the API's status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrValidation),
		errors.Is(err, verification.ErrValidation),
		errors.Is(err, events.ErrValidation),
		errors.Is(err, verification.ErrInvalidCode),
		errors.Is(err, token.ErrInvalidToken):
		code = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, verification.ErrGone):
		code = http.StatusGone
	case errors.Is(err, idempotency.ErrInFlight), errors.Is(err, dispatch.ErrAlreadyResolved):
		code = http.StatusConflict
	case errors.Is(err, verification.ErrTooManyAttempts):
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	body, err := s.deps.Guard.Do(r.Context(), r.Header.Get("Idempotency-Key"), func(ctx context.Context) ([]byte, error) {
		acc, err := s.deps.Engine.DispatchCommand(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(acc)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeRawJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req dispatch.MessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	body, err := s.deps.Guard.Do(r.Context(), r.Header.Get("Idempotency-Key"), func(ctx context.Context) ([]byte, error) {
		acc, err := s.deps.Engine.SendMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(acc)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeRawJSON(w, http.StatusAccepted, body)
}

type confirmBody struct {
	Confirmed *bool `json:"confirmed"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body confirmBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Confirmed == nil {
		writeError(w, fmt.Errorf("%w: confirmed is required", dispatch.ErrValidation))
		return
	}
	if err := s.deps.Engine.Resolve(r.Context(), id, *body.Confirmed); err != nil {
		writeError(w, err)
		return
	}
	resolution := dispatch.StatusRejected
	if *body.Confirmed {
		resolution = dispatch.StatusQueued
	}
	writeJSON(w, http.StatusOK, map[string]string{"command_id": id, "status": resolution})
}

// handleMagicLinkConfirm serves the email action links:
// GET /v1/confirm?id=...&token=...&action=confirm|reject
func (s *Server) handleMagicLinkConfirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	action := q.Get("action")
	if id == "" || (action != "confirm" && action != "reject") {
		writeError(w, fmt.Errorf("%w: id and action=confirm|reject are required", dispatch.ErrValidation))
		return
	}
	if err := s.deps.Engine.ResolveByToken(r.Context(), id, q.Get("token"), action == "confirm"); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("magic link resolved", slog.String("id", id), slog.String("action", action))
	writeJSON(w, http.StatusOK, map[string]string{"command_id": id, "action": action})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.Engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]string, len(st)+1)
	for k, v := range st {
		out[k] = v
	}
	out["id"] = id
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVerificationStart(w http.ResponseWriter, r *http.Request) {
	var req verification.StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Verifications.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleVerificationConfirm(w http.ResponseWriter, r *http.Request) {
	var req verification.ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VerificationID == "" {
		writeError(w, fmt.Errorf("%w: verification_id is required", verification.ErrValidation))
		return
	}
	res, err := s.deps.Verifications.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleVerificationLink serves clicked magic links:
// GET /v1/verifications/confirm?id=...&token=...
func (s *Server) handleVerificationLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := verification.ConfirmRequest{VerificationID: q.Get("id"), Token: q.Get("token")}
	if req.VerificationID == "" {
		writeError(w, fmt.Errorf("%w: id is required", verification.ErrValidation))
		return
	}
	res, err := s.deps.Verifications.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Events.HandleEvent(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
