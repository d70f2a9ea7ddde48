// Command authcored serves the authcore HTTP surface.
//
// With no -redis-addr (and no REDIS_ADDR env) it starts an embedded
// miniredis and an in-memory principal store, which makes it suitable for
// local development and demos only. Signing keys are generated per process
// unless -ed25519-key points at a PEM keypair, so tokens do not survive a
// restart in dev mode.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authcore "github.com/sentinelvault/authcore"
	"github.com/sentinelvault/authcore/httpapi"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
		redisAddr  = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or embedded miniredis is used")
		baseURL    = flag.String("base-url", "http://localhost:8080", "externally visible base URL for OIDC discovery")
		rpID       = flag.String("webauthn-rp-id", "", "WebAuthn relying party id; empty disables WebAuthn routes")
		rpOrigins  = flag.String("webauthn-origins", "", "comma-separated WebAuthn origins")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			logger.Error("start embedded redis", slog.Any("error", err))
			os.Exit(1)
		}
		addr = mr.Addr()
		cleanup = mr.Close
		logger.Info("using embedded miniredis", slog.String("addr", addr))
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer func() {
		_ = rdb.Close()
		if cleanup != nil {
			cleanup()
		}
	}()

	cfg := authcore.DefaultConfig()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logger.Error("generate signing key", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		logger.Error("generate mfa secret", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.MFA.ApprovalSecret = secret

	if *rpID != "" {
		cfg.WebAuthn.RPID = *rpID
		cfg.WebAuthn.RPDisplayName = "authcore"
		cfg.WebAuthn.RPOrigins = strings.Split(*rpOrigins, ",")
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(newMemoryProvider()).
		WithAuditSink(authcore.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	server := httpapi.NewServer(engine,
		httpapi.WithLogger(logger),
		httpapi.WithBaseURL(*baseURL),
	)

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", slog.String("addr", *listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", slog.Any("error", err))
	}
}

// memoryProvider is a dev-only principal store. Production deployments
// implement [authcore.PrincipalProvider] over their own user database.
type memoryProvider struct {
	mu      sync.RWMutex
	byID    map[string]*authcore.PrincipalRecord
	byEmail map[string]*authcore.PrincipalRecord
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		byID:    make(map[string]*authcore.PrincipalRecord),
		byEmail: make(map[string]*authcore.PrincipalRecord),
	}
}

func (p *memoryProvider) CreatePrincipal(_ context.Context, rec *authcore.PrincipalRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byEmail[rec.Email]; ok {
		return authcore.ErrAccountExists
	}
	cp := *rec
	p.byID[cp.ID] = &cp
	p.byEmail[cp.Email] = &cp
	return nil
}

func (p *memoryProvider) ByEmail(_ context.Context, email string) (*authcore.PrincipalRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.byEmail[email]
	if !ok {
		return nil, authcore.ErrPrincipalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (p *memoryProvider) ByID(_ context.Context, id string) (*authcore.PrincipalRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.byID[id]
	if !ok {
		return nil, authcore.ErrPrincipalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (p *memoryProvider) UpdatePasswordHash(_ context.Context, id, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return authcore.ErrPrincipalNotFound
	}
	rec.PasswordHash = hash
	return nil
}
