package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	authcore "github.com/sentinelvault/authcore"
)

type mfaRegisterRequest struct {
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=apns fcm webpush"`
}

type mfaApproveRequest struct {
	ApprovalToken string `json:"approval_token" validate:"omitempty"`
	Solution      string `json:"solution" validate:"omitempty,hexadecimal"`
}

func (s *Server) handleMFARegister(w http.ResponseWriter, r *http.Request) {
	var req mfaRegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	token, _ := bearerFromRequest(r)

	if err := s.engine.RegisterPushToken(r.Context(), token, req.Token, req.Platform); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope(nil))
}

func (s *Server) handleMFAChallenge(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)

	code, err := s.engine.StartStepUp(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope(map[string]any{"challenge": code}))
}

func (s *Server) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	state, err := s.engine.MFAStatus(r.Context(), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"state": state}))
}

func (s *Server) handleMFAApprove(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req mfaApproveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.ApprovalToken != "":
		err = s.engine.ApproveMFA(r.Context(), code, req.ApprovalToken)
	case req.Solution != "":
		err = s.engine.ApproveMFASolution(r.Context(), code, req.Solution)
	default:
		err = authcore.ErrValidation
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(nil))
}
