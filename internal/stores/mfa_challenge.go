package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const mfaChallengeRecordVersion1 = 1

// MFA challenge approval states.
const (
	MFAStatePending  uint8 = 0
	MFAStateApproved uint8 = 1
)

var (
	ErrMFAChallengeNotFound = errors.New("mfa challenge not found")
	ErrMFAChallengeExpired  = errors.New("mfa challenge expired")
	ErrMFAChallengeResolved = errors.New("mfa challenge already resolved")
	ErrMFAChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// MFAChallenge is one short-lived push-approval record. Fingerprint is the
// device fingerprint of the login attempt the challenge protects.
type MFAChallenge struct {
	PrincipalID string
	Fingerprint string
	State       uint8
	ExpiresAt   int64
}

// MFAChallengeStore persists step-up challenges keyed by challenge code.
type MFAChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// Approve script: transition pending -> approved exactly once. The state
// byte sits at a fixed offset (2) and the big-endian expiry at offsets 3-10,
// so the script needs no variable-length parsing.
//
// Returns: 0 not found, 1 expired, 2 already resolved, 3 approved.
const approveScript = `
local function read_be64(s, i)
  local v = 0
  for o = 0, 7 do
    local b = string.byte(s, i + o)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local key = KEYS[1]
local now = tonumber(ARGV[1])

local data = redis.call("GET", key)
if not data then
  return 0
end

local expires = read_be64(data, 3)
if not expires or expires <= now then
  redis.call("DEL", key)
  return 1
end

local state = string.byte(data, 2)
if state ~= 0 then
  return 2
end

local ttl = redis.call("PTTL", key)
if ttl <= 0 then
  ttl = (expires - now) * 1000
end

local updated = string.sub(data, 1, 1) .. string.char(1) .. string.sub(data, 3)
redis.call("SET", key, updated, "PX", ttl)
return 3
`

var approveLua = redis.NewScript(approveScript)

// ConsumeApproved script: delete and return the record only when approved.
// Returns: {0} not found, {1} expired, {2} still pending, {3, record} consumed.
const consumeApprovedScript = `
local function read_be64(s, i)
  local v = 0
  for o = 0, 7 do
    local b = string.byte(s, i + o)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local key = KEYS[1]
local now = tonumber(ARGV[1])

local data = redis.call("GET", key)
if not data then
  return {0}
end

local expires = read_be64(data, 3)
if not expires or expires <= now then
  redis.call("DEL", key)
  return {1}
end

local state = string.byte(data, 2)
if state ~= 1 then
  return {2}
end

redis.call("DEL", key)
return {3, data}
`

var consumeApprovedLua = redis.NewScript(consumeApprovedScript)

// NewMFAChallengeStore creates the store. prefix defaults to "mfc".
func NewMFAChallengeStore(redisClient redis.UniversalClient, prefix string) *MFAChallengeStore {
	if prefix == "" {
		prefix = "mfc"
	}
	return &MFAChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *MFAChallengeStore) key(code string) string {
	return s.prefix + ":" + code
}

// Save stores a fresh pending challenge under its code.
func (s *MFAChallengeStore) Save(ctx context.Context, code string, ch *MFAChallenge, ttl time.Duration) error {
	encoded, err := encodeMFAChallenge(ch)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(code), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}
	return nil
}

// Get returns the current challenge state, re-checking expiry.
func (s *MFAChallengeStore) Get(ctx context.Context, code string) (*MFAChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMFAChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}

	ch, err := decodeMFAChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > ch.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(code)).Result()
		return nil, ErrMFAChallengeExpired
	}
	return ch, nil
}

// Approve transitions the challenge from pending to approved. The Lua script
// makes the transition atomic: of two concurrent approvals exactly one
// succeeds, the other observes [ErrMFAChallengeResolved]. Expired or resolved
// challenges fail closed.
func (s *MFAChallengeStore) Approve(ctx context.Context, code string) error {
	status, err := approveLua.Run(ctx, s.redis, []string{s.key(code)}, time.Now().Unix()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}

	switch status {
	case 0:
		return ErrMFAChallengeNotFound
	case 1:
		return ErrMFAChallengeExpired
	case 2:
		return ErrMFAChallengeResolved
	case 3:
		return nil
	default:
		return fmt.Errorf("%w: unexpected approve status %d", ErrMFAChallengeBackend, status)
	}
}

// ConsumeApproved atomically removes and returns the challenge only if it
// reached the approved state. A pending challenge is left untouched so the
// caller can keep polling for approval; of two concurrent consumers of an
// approved challenge exactly one wins.
func (s *MFAChallengeStore) ConsumeApproved(ctx context.Context, code string) (*MFAChallenge, error) {
	res, err := consumeApprovedLua.Run(ctx, s.redis, []string{s.key(code)}, time.Now().Unix()).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty consume reply", ErrMFAChallengeBackend)
	}

	status, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected consume reply", ErrMFAChallengeBackend)
	}

	switch status {
	case 0:
		return nil, ErrMFAChallengeNotFound
	case 1:
		return nil, ErrMFAChallengeExpired
	case 2:
		return nil, ErrMFAChallengeNotApprovedSentinel
	case 3:
		raw, ok := res[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected consume payload", ErrMFAChallengeBackend)
		}
		return decodeMFAChallenge([]byte(raw))
	default:
		return nil, fmt.Errorf("%w: unexpected consume status %d", ErrMFAChallengeBackend, status)
	}
}

// ErrMFAChallengeNotApprovedSentinel marks a consume attempt on a challenge
// that has not been approved yet.
var ErrMFAChallengeNotApprovedSentinel = errors.New("mfa challenge not approved")

func encodeMFAChallenge(ch *MFAChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mfaChallengeRecordVersion1)
	buf.WriteByte(ch.State)

	if err := binary.Write(&buf, binary.BigEndian, ch.ExpiresAt); err != nil {
		return nil, err
	}

	if len(ch.PrincipalID) > 255 || len(ch.Fingerprint) > 255 {
		return nil, errors.New("mfa challenge field length exceeded")
	}
	buf.WriteByte(byte(len(ch.PrincipalID)))
	buf.WriteString(ch.PrincipalID)
	buf.WriteByte(byte(len(ch.Fingerprint)))
	buf.WriteString(ch.Fingerprint)

	return buf.Bytes(), nil
}

func decodeMFAChallenge(data []byte) (*MFAChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaChallengeRecordVersion1 {
		return nil, errors.New("invalid mfa challenge version")
	}

	ch := &MFAChallenge{}
	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	ch.State = state

	if err := binary.Read(reader, binary.BigEndian, &ch.ExpiresAt); err != nil {
		return nil, err
	}

	pidLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	pid := make([]byte, pidLen)
	if _, err := io.ReadFull(reader, pid); err != nil {
		return nil, err
	}
	ch.PrincipalID = string(pid)

	fpLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	fp := make([]byte, fpLen)
	if _, err := io.ReadFull(reader, fp); err != nil {
		return nil, err
	}
	ch.Fingerprint = string(fp)

	return ch, nil
}
