package httpapi

import (
	"net/http"

	authcore "github.com/sentinelvault/authcore"
	"github.com/sentinelvault/authcore/middleware"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=10"`
	Tier     string `json:"tier" validate:"omitempty,oneof=free premium enterprise"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	MFACode  string `json:"mfa_code" validate:"omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type passwordChangeRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=10"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	rec, err := s.engine.Register(r.Context(), authcore.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Tier:     req.Tier,
	}, s.signalsFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, envelope(map[string]any{
		"principal_id": rec.ID,
		"email":        rec.Email,
	}))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Login(r.Context(), authcore.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		MFACode:  req.MFACode,
	}, s.signalsFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"result": result}))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.engine.Refresh(r.Context(), req.RefreshToken, s.signalsFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"result": result}))
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	token, _ := bearerFromRequest(r)
	if err := s.engine.ChangePassword(r.Context(), authcore.ChangePasswordInput{
		AccessToken: token,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(nil))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	if err := s.engine.Logout(r.Context(), token); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(nil))
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	n, err := s.engine.LogoutAll(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"sessions_removed": n}))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, authcore.ErrUnauthorized)
		return
	}
	sessions, err := s.engine.ActiveSessions(r.Context(), id.PrincipalID, id.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{"sessions": sessions}))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, authcore.ErrUnauthorized)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{
		"principal_id": id.PrincipalID,
		"email":        id.Email,
		"session_id":   id.SessionID,
		"method":       id.Method,
		"risk_score":   id.RiskScore,
		"fingerprint":  id.Fingerprint,
	}))
}

func bearerFromRequest(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if len(value) <= len(prefix) || value[:len(prefix)] != prefix {
		return "", false
	}
	return value[len(prefix):], true
}
