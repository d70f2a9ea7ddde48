package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	authcore "github.com/sentinelvault/authcore"
	"github.com/sentinelvault/authcore/middleware"
)

const maxBodyBytes = 1 << 20

// Server wires engine operations to routes.
type Server struct {
	engine         *authcore.Engine
	logger         *slog.Logger
	validate       *validator.Validate
	baseURL        string
	trustedCIDRs   []string
	trustedProxies []*net.IPNet

	metricsOnce    sync.Once
	metricsHandler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithBaseURL sets the externally visible URL prefix used in the OIDC
// discovery document.
func WithBaseURL(baseURL string) Option {
	return func(s *Server) { s.baseURL = baseURL }
}

// WithTrustedProxies names the CIDR ranges whose X-Forwarded-For header is
// believed. Without it the header is ignored and the peer address is the
// client IP, so a caller cannot spoof its way onto a fresh limiter key or
// a known-location risk factor.
func WithTrustedProxies(cidrs ...string) Option {
	return func(s *Server) { s.trustedCIDRs = append(s.trustedCIDRs, cidrs...) }
}

// NewServer builds the HTTP surface around an engine.
func NewServer(engine *authcore.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		logger:   slog.Default(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, cidr := range s.trustedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			s.logger.Warn("ignoring unparseable trusted proxy range", slog.String("cidr", cidr))
			continue
		}
		s.trustedProxies = append(s.trustedProxies, network)
	}
	return s
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	guard := middleware.Guard(s.engine)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/password", s.handlePasswordChange)
			r.Post("/logout", s.handleLogout)
			r.Post("/logout-all", s.handleLogoutAll)
			r.Get("/session", s.handleSessions)
			r.Get("/me", s.handleMe)
		})

		r.Route("/webauthn", func(r chi.Router) {
			r.Post("/authenticate/begin", s.handleWebAuthnLoginBegin)
			r.Post("/authenticate/complete", s.handleWebAuthnLoginComplete)

			r.Group(func(r chi.Router) {
				r.Use(guard)
				r.Post("/register/begin", s.handleWebAuthnRegisterBegin)
				r.Post("/register/complete", s.handleWebAuthnRegisterComplete)
				r.Get("/credentials", s.handleWebAuthnCredentials)
				r.Delete("/credentials/{id}", s.handleWebAuthnCredentialDelete)
			})
		})
	})

	r.Route("/oidc", func(r chi.Router) {
		r.Get("/.well-known/openid-configuration", s.handleDiscovery)
		r.Get("/jwks", s.handleJWKS)
		r.Get("/authorize", s.handleAuthorize)
		r.Post("/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/authorize/callback", s.handleAuthorizeCallback)
			r.Get("/userinfo", s.handleUserinfo)
			r.Post("/register", s.handleClientRegister)
		})
	})

	r.Route("/mfa", func(r chi.Router) {
		r.Get("/challenge/{code}", s.handleMFAStatus)
		r.Post("/challenge/{code}/approve", s.handleMFAApprove)

		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/register", s.handleMFARegister)
			r.Post("/challenge", s.handleMFAChallenge)
		})
	})

	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", s.handleHealthz)

	return r
}

// requestLogger emits one structured line per request. Client and server
// errors are raised to warn/error so they stand out of the access log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		}
		switch {
		case rec.status >= 500:
			s.logger.Error("request", attrs...)
		case rec.status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// signalsFromRequest collects the fingerprint inputs. Screen and timezone
// are optional client-reported headers. X-Forwarded-For is honored only
// when the direct peer is a configured trusted proxy.
func (s *Server) signalsFromRequest(r *http.Request) authcore.RequestSignals {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && s.fromTrustedProxy(ip) {
		first, _, _ := strings.Cut(fwd, ",")
		ip = strings.TrimSpace(first)
	}
	return authcore.RequestSignals{
		UserAgent:      r.UserAgent(),
		IP:             ip,
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		Screen:         r.Header.Get("X-Client-Screen"),
		Timezone:       r.Header.Get("X-Client-Timezone"),
	}
}

func (s *Server) fromTrustedProxy(peerIP string) bool {
	ip := net.ParseIP(peerIP)
	if ip == nil {
		return false
	}
	for _, network := range s.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

