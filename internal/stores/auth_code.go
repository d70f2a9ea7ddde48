package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAuthCodeNotFound = errors.New("authorization code not found")
	ErrAuthCodeExpired  = errors.New("authorization code expired")
	ErrAuthCodeBackend  = errors.New("authorization code backend unavailable")
)

// AuthorizationCode binds a single-use OIDC code to the client, principal,
// redirect URI, scope, and optional PKCE challenge it was minted for.
type AuthorizationCode struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	PrincipalID         string `json:"principal_id"`
	Email               string `json:"email"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	ExpiresAt           int64  `json:"expires_at"`
}

// AuthCodeStore persists authorization codes keyed by code value.
type AuthCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewAuthCodeStore creates the store. prefix defaults to "oac".
func NewAuthCodeStore(redisClient redis.UniversalClient, prefix string) *AuthCodeStore {
	if prefix == "" {
		prefix = "oac"
	}
	return &AuthCodeStore{redis: redisClient, prefix: prefix}
}

func (s *AuthCodeStore) key(code string) string {
	return s.prefix + ":" + code
}

// Save stores a freshly minted code with its absolute lifetime.
func (s *AuthCodeStore) Save(ctx context.Context, code *AuthorizationCode, ttl time.Duration) error {
	encoded, err := json.Marshal(code)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(code.Code), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthCodeBackend, err)
	}
	return nil
}

// Consume atomically removes and returns the code. Read-then-invalidate is a
// single GETDEL, so a double-spend by concurrent token requests resolves to
// exactly one winner; the loser sees [ErrAuthCodeNotFound].
func (s *AuthCodeStore) Consume(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.redis.GetDel(ctx, s.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAuthCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthCodeBackend, err)
	}

	var record AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt authorization code record", ErrAuthCodeBackend)
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, ErrAuthCodeExpired
	}
	return &record, nil
}
