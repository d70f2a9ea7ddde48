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
	ErrChallengeNotFound = errors.New("auth challenge not found")
	ErrChallengeExpired  = errors.New("auth challenge expired")
	ErrChallengeBackend  = errors.New("auth challenge backend unavailable")
)

// ChallengeType discriminates registration and authentication ceremonies.
type ChallengeType string

const (
	ChallengeRegistration   ChallengeType = "registration"
	ChallengeAuthentication ChallengeType = "authentication"
)

// AuthChallenge is one single-use, time-boxed WebAuthn ceremony challenge.
// PrincipalID is empty for username-less authentication ceremonies. Payload
// carries the opaque ceremony session data verbatim.
type AuthChallenge struct {
	Value       string        `json:"value"`
	Type        ChallengeType `json:"type"`
	PrincipalID string        `json:"principal_id,omitempty"`
	Payload     []byte        `json:"payload"`
	ExpiresAt   int64         `json:"expires_at"`
}

// AuthChallengeStore persists ceremony challenges keyed by challenge value.
type AuthChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewAuthChallengeStore creates the store. prefix defaults to "wac".
func NewAuthChallengeStore(redisClient redis.UniversalClient, prefix string) *AuthChallengeStore {
	if prefix == "" {
		prefix = "wac"
	}
	return &AuthChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *AuthChallengeStore) key(value string) string {
	return s.prefix + ":" + value
}

// Save stores a fresh challenge under its value with the ceremony TTL.
func (s *AuthChallengeStore) Save(ctx context.Context, ch *AuthChallenge, ttl time.Duration) error {
	encoded, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(ch.Value), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Consume atomically removes and returns the challenge. The GETDEL makes the
// record single-use: of two concurrent consumers exactly one observes it.
// Expiry is re-checked after removal so a stale record can never complete a
// ceremony even if the TTL sweep has not fired.
func (s *AuthChallengeStore) Consume(ctx context.Context, value string) (*AuthChallenge, error) {
	data, err := s.redis.GetDel(ctx, s.key(value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	var ch AuthChallenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("%w: corrupt challenge record", ErrChallengeBackend)
	}
	if time.Now().Unix() > ch.ExpiresAt {
		return nil, ErrChallengeExpired
	}
	return &ch, nil
}
