package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrPushTokenBackend = errors.New("push token backend unavailable")

// PushToken is an opaque delivery handle for the out-of-band MFA transport.
// Delivery itself is an external collaborator; this store only keeps the
// registration so the challenge service knows where approvals can come from.
type PushToken struct {
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   int64  `json:"created_at"`
}

// PushTokenStore persists push registrations per principal, keyed by the
// registering device's fingerprint so re-registration replaces in place.
type PushTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewPushTokenStore creates the store. prefix defaults to "pt".
func NewPushTokenStore(redisClient redis.UniversalClient, prefix string) *PushTokenStore {
	if prefix == "" {
		prefix = "pt"
	}
	return &PushTokenStore{redis: redisClient, prefix: prefix}
}

func (s *PushTokenStore) key(principalID string) string {
	return s.prefix + ":" + principalID
}

// Save stores or replaces the registration for (principal, fingerprint).
func (s *PushTokenStore) Save(ctx context.Context, principalID string, token *PushToken) error {
	encoded, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := s.redis.HSet(ctx, s.key(principalID), token.Fingerprint, encoded).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPushTokenBackend, err)
	}
	return nil
}

// List returns every registered push token for a principal.
func (s *PushTokenStore) List(ctx context.Context, principalID string) ([]*PushToken, error) {
	entries, err := s.redis.HGetAll(ctx, s.key(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPushTokenBackend, err)
	}

	tokens := make([]*PushToken, 0, len(entries))
	for _, raw := range entries {
		var token PushToken
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return nil, fmt.Errorf("%w: corrupt push token record", ErrPushTokenBackend)
		}
		tokens = append(tokens, &token)
	}
	return tokens, nil
}
