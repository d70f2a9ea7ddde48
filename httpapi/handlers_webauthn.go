package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type webAuthnRegisterBeginRequest struct {
	Name string `json:"name" validate:"omitempty,max=64"`
}

type webAuthnLoginBeginRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
}

func (s *Server) handleWebAuthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var req webAuthnRegisterBeginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	token, _ := bearerFromRequest(r)

	options, err := s.engine.BeginWebAuthnRegistration(r.Context(), token, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"options": options}))
}

func (s *Server) handleWebAuthnRegisterComplete(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	info, err := s.engine.FinishWebAuthnRegistration(r.Context(), token, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope(map[string]any{"credential": info}))
}

func (s *Server) handleWebAuthnLoginBegin(w http.ResponseWriter, r *http.Request) {
	var req webAuthnLoginBeginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	options, err := s.engine.BeginWebAuthnLogin(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"options": options}))
}

func (s *Server) handleWebAuthnLoginComplete(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mfaCode := r.URL.Query().Get("mfa_code")

	result, err := s.engine.FinishWebAuthnLogin(r.Context(), r.Body, s.signalsFromRequest(r), mfaCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"result": result}))
}

func (s *Server) handleWebAuthnCredentials(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	creds, err := s.engine.WebAuthnCredentials(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"credentials": creds}))
}

func (s *Server) handleWebAuthnCredentialDelete(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	credentialID := chi.URLParam(r, "id")

	if err := s.engine.DeleteWebAuthnCredential(r.Context(), token, credentialID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(nil))
}
