package httpapi

import (
	"net/http"

	authcore "github.com/sentinelvault/authcore"
	"github.com/sentinelvault/authcore/middleware"
)

type clientRegisterRequest struct {
	Name         string   `json:"name" validate:"required,max=128"`
	RedirectURIs []string `json:"redirect_uris" validate:"required,min=1,dive,url"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.DiscoveryDocument(s.baseURL))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.engine.JWKS()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jwks)
}

// handleAuthorize validates the authorization request before the login UI
// (an external collaborator) takes over. A valid request answers success;
// the UI then authenticates the user and calls the callback.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req := authorizeRequestFromQuery(r)
	if err := s.engine.ValidateAuthorization(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{
		"client_id": req.ClientID,
		"state":     req.State,
	}))
}

// handleAuthorizeCallback mints the single-use authorization code for the
// authenticated caller.
func (s *Server) handleAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerFromRequest(r)
	req := authorizeRequestFromQuery(r)

	code, err := s.engine.IssueAuthorizationCode(r.Context(), token, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope(map[string]any{
		"code":  code,
		"state": req.State,
	}))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, authcore.ErrValidation)
		return
	}

	resp, err := s.engine.ExchangeCode(r.Context(), authcore.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}, s.signalsFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, authcore.ErrUnauthorized)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sub":   id.PrincipalID,
		"email": id.Email,
	})
}

func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req clientRegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	token, _ := bearerFromRequest(r)

	reg, err := s.engine.RegisterOIDCClient(r.Context(), token, req.Name, req.RedirectURIs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope(map[string]any{"client": reg}))
}

func authorizeRequestFromQuery(r *http.Request) authcore.AuthorizeRequest {
	q := r.URL.Query()
	return authcore.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}
