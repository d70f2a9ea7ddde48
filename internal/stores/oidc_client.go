package stores

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	ErrClientNotFound = errors.New("oidc client not found")
	ErrClientBackend  = errors.New("oidc client backend unavailable")
)

// OIDCClient is a registered relying party. Only the SHA-256 of the client
// secret is persisted.
type OIDCClient struct {
	ClientID      string   `json:"client_id"`
	SecretHash    [32]byte `json:"secret_hash"`
	Name          string   `json:"name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	CreatedAt     int64    `json:"created_at"`
}

// AllowsRedirectURI reports exact-match membership in the allow list.
func (c *OIDCClient) AllowsRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsResponseType reports membership in the allowed response types.
func (c *OIDCClient) AllowsResponseType(rt string) bool {
	for _, allowed := range c.ResponseTypes {
		if allowed == rt {
			return true
		}
	}
	return false
}

// VerifySecret compares a presented secret against the stored hash in
// constant time.
func (c *OIDCClient) VerifySecret(secret string) bool {
	presented := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(presented[:], c.SecretHash[:]) == 1
}

// HashClientSecret is the stored form of a client secret.
func HashClientSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// OIDCClientStore persists registered clients keyed by client id.
type OIDCClientStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewOIDCClientStore creates the store. prefix defaults to "ocl".
func NewOIDCClientStore(redisClient redis.UniversalClient, prefix string) *OIDCClientStore {
	if prefix == "" {
		prefix = "ocl"
	}
	return &OIDCClientStore{redis: redisClient, prefix: prefix}
}

func (s *OIDCClientStore) key(clientID string) string {
	return s.prefix + ":" + clientID
}

// Put stores or replaces a client registration. Client records have no TTL.
func (s *OIDCClientStore) Put(ctx context.Context, client *OIDCClient) error {
	encoded, err := json.Marshal(client)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(client.ClientID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientBackend, err)
	}
	return nil
}

// Get returns a client registration or [ErrClientNotFound].
func (s *OIDCClientStore) Get(ctx context.Context, clientID string) (*OIDCClient, error) {
	data, err := s.redis.Get(ctx, s.key(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrClientBackend, err)
	}

	var client OIDCClient
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("%w: corrupt client record", ErrClientBackend)
	}
	return &client, nil
}
