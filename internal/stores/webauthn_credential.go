package stores

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCredentialNotFound = errors.New("webauthn credential not found")
	ErrCredentialExists   = errors.New("webauthn credential already registered")
	ErrCounterRegression  = errors.New("webauthn counter regression")
	ErrCredentialBackend  = errors.New("webauthn credential backend unavailable")
)

// Credential is the durable public-key credential record bound to a
// principal. CredentialID and PublicKey are raw bytes; SignCount must be
// monotonically increasing across authentications.
type Credential struct {
	CredentialID    []byte   `json:"credential_id"`
	PrincipalID     string   `json:"principal_id"`
	PublicKey       []byte   `json:"public_key"`
	AttestationType string   `json:"attestation_type,omitempty"`
	AAGUID          []byte   `json:"aaguid,omitempty"`
	SignCount       uint32   `json:"sign_count"`
	Transports      []string `json:"transports,omitempty"`
	BackupEligible  bool     `json:"backup_eligible"`
	BackupState     bool     `json:"backup_state"`
	Name            string   `json:"name,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	LastUsedAt      int64    `json:"last_used_at,omitempty"`
}

// CredentialStore persists WebAuthn credentials per principal plus a global
// credential-id index for username-less authentication.
type CredentialStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCredentialStore creates the store. prefix defaults to "wcr".
func NewCredentialStore(redisClient redis.UniversalClient, prefix string) *CredentialStore {
	if prefix == "" {
		prefix = "wcr"
	}
	return &CredentialStore{redis: redisClient, prefix: prefix}
}

func (s *CredentialStore) principalKey(principalID string) string {
	return s.prefix + ":p:" + principalID
}

func (s *CredentialStore) indexKey(credentialID []byte) string {
	return s.prefix + ":i:" + encodeCredentialID(credentialID)
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// Add persists a new credential and indexes its id. Registering the same
// credential id twice fails with [ErrCredentialExists].
func (s *CredentialStore) Add(ctx context.Context, cred *Credential) error {
	encoded, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	created, err := s.redis.SetNX(ctx, s.indexKey(cred.CredentialID), cred.PrincipalID, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}
	if !created {
		return ErrCredentialExists
	}

	field := encodeCredentialID(cred.CredentialID)
	if err := s.redis.HSet(ctx, s.principalKey(cred.PrincipalID), field, encoded).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}
	return nil
}

// List returns every credential registered to a principal.
func (s *CredentialStore) List(ctx context.Context, principalID string) ([]*Credential, error) {
	entries, err := s.redis.HGetAll(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	creds := make([]*Credential, 0, len(entries))
	for _, raw := range entries {
		var cred Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return nil, fmt.Errorf("%w: corrupt credential record", ErrCredentialBackend)
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}

// ResolvePrincipal maps a credential id to its owning principal. This is the
// username-less lookup path used at authentication completion.
func (s *CredentialStore) ResolvePrincipal(ctx context.Context, credentialID []byte) (string, error) {
	principalID, err := s.redis.Get(ctx, s.indexKey(credentialID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}
	return principalID, nil
}

// Get returns a single credential by principal and credential id.
func (s *CredentialStore) Get(ctx context.Context, principalID string, credentialID []byte) (*Credential, error) {
	raw, err := s.redis.HGet(ctx, s.principalKey(principalID), encodeCredentialID(credentialID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("%w: corrupt credential record", ErrCredentialBackend)
	}
	return &cred, nil
}

// AdvanceSignCount moves the stored signature counter to newCount only if it
// is strictly greater than the stored value (counter-less authenticators
// that always report zero are exempt). The check-and-set runs under WATCH
// with retry, so concurrent assertions cannot both advance from the same
// stored value. Regression returns [ErrCounterRegression] and the stored
// record is left untouched.
func (s *CredentialStore) AdvanceSignCount(
	ctx context.Context,
	principalID string,
	credentialID []byte,
	newCount uint32,
	lastUsedAt int64,
) error {
	const maxRetries = 4
	key := s.principalKey(principalID)
	field := encodeCredentialID(credentialID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, key, field).Result()
			if err != nil {
				return err
			}

			var cred Credential
			if err := json.Unmarshal([]byte(raw), &cred); err != nil {
				return fmt.Errorf("%w: corrupt credential record", ErrCredentialBackend)
			}

			if !(cred.SignCount == 0 && newCount == 0) && newCount <= cred.SignCount {
				return ErrCounterRegression
			}

			cred.SignCount = newCount
			cred.LastUsedAt = lastUsedAt
			encoded, err := json.Marshal(&cred)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, field, encoded)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrCredentialNotFound
			}
			if errors.Is(err, ErrCounterRegression) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
		return nil
	}

	return fmt.Errorf("%w: counter contention", ErrCredentialBackend)
}

// Delete removes one credential and its index entry.
func (s *CredentialStore) Delete(ctx context.Context, principalID string, credentialID []byte) error {
	removed, err := s.redis.HDel(ctx, s.principalKey(principalID), encodeCredentialID(credentialID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}
	if removed == 0 {
		return ErrCredentialNotFound
	}
	if err := s.redis.Del(ctx, s.indexKey(credentialID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}
	return nil
}
