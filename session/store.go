package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors surfaced by the store. The Engine maps these onto its
// public error taxonomy.
var (
	ErrNotFound        = errors.New("session: not found")
	ErrExpired         = errors.New("session: expired")
	ErrRefreshMismatch = errors.New("session: refresh hash mismatch")
	ErrBackend         = errors.New("session: backend unavailable")
)

const historyMax = 100

// LoginEvent is one entry of a principal's recent login history.
type LoginEvent struct {
	Method string
	At     time.Time
}

// Store persists sessions and per-principal login history in Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewStore builds a session store. prefix namespaces all keys.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) sessionKey(sid string) string   { return s.prefix + ":s:" + sid }
func (s *Store) principalKey(pid string) string { return s.prefix + ":u:" + pid }
func (s *Store) historyKey(pid string) string   { return s.prefix + ":h:" + pid }

// rotateScript validates the old session and replaces it with the new one in
// a single atomic step. Refresh-hash bytes sit at offsets 2..33 and the
// big-endian expiry at 34..41 of the version-1 record (Lua is 1-indexed).
//
// Statuses: 0 not found, 1 expired, 2 hash mismatch (old session destroyed
// for theft containment), 3 rotated.
var rotateScript = redis.NewScript(`
local function read_be64(s, off)
    local v = 0
    for i = 0, 7 do
        v = v * 256 + string.byte(s, off + i)
    end
    return v
end

local rec = redis.call('GET', KEYS[1])
if not rec then
    return {0}
end
if read_be64(rec, 34) <= tonumber(ARGV[2]) then
    redis.call('DEL', KEYS[1])
    redis.call('SREM', KEYS[3], ARGV[5])
    return {1}
end
if string.sub(rec, 2, 33) ~= ARGV[1] then
    redis.call('DEL', KEYS[1])
    redis.call('SREM', KEYS[3], ARGV[5])
    return {2}
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[5])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('SADD', KEYS[3], ARGV[6])
return {3}
`)

// Create writes a new session record and registers it in the principal's
// session set. ttl bounds both the record and the set.
func (s *Store) Create(ctx context.Context, sess *Session, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.SessionID), Encode(sess), ttl)
	pipe.SAdd(ctx, s.principalKey(sess.PrincipalID), sess.SessionID)
	pipe.Expire(ctx, s.principalKey(sess.PrincipalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get loads a session by id. Expiry is rechecked against wall-clock time so
// a record surviving past its TTL still reads as expired.
func (s *Store) Get(ctx context.Context, sid string) (*Session, error) {
	data, err := s.rdb.Get(ctx, s.sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		s.rdb.Del(ctx, s.sessionKey(sid))
		s.rdb.SRem(ctx, s.principalKey(sess.PrincipalID), sid)
		return nil, ErrExpired
	}
	return sess, nil
}

// Rotate atomically destroys the old session and creates the replacement.
// oldHash must match the stored refresh hash; on mismatch the old session is
// destroyed anyway so a stolen refresh token cannot be retried.
func (s *Store) Rotate(ctx context.Context, oldID string, oldHash [32]byte, next *Session, ttl time.Duration) error {
	keys := []string{
		s.sessionKey(oldID),
		s.sessionKey(next.SessionID),
		s.principalKey(next.PrincipalID),
	}
	argv := []interface{}{
		string(oldHash[:]),
		time.Now().Unix(),
		string(Encode(next)),
		ttl.Milliseconds(),
		oldID,
		next.SessionID,
	}
	res, err := rotateScript.Run(ctx, s.rdb, keys, argv...).Slice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	status, _ := res[0].(int64)
	switch status {
	case 0:
		return ErrNotFound
	case 1:
		return ErrExpired
	case 2:
		return ErrRefreshMismatch
	case 3:
		return nil
	default:
		return fmt.Errorf("%w: unexpected rotate status %d", ErrBackend, status)
	}
}

// Delete removes a single session and its set membership.
func (s *Store) Delete(ctx context.Context, principalID, sid string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sid))
	pipe.SRem(ctx, s.principalKey(principalID), sid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// DeleteAll destroys every session belonging to a principal and returns how
// many records were removed.
func (s *Store) DeleteAll(ctx context.Context, principalID string) (int, error) {
	sids, err := s.rdb.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(sids) == 0 {
		s.rdb.Del(ctx, s.principalKey(principalID))
		return 0, nil
	}
	keys := make([]string, 0, len(sids)+1)
	for _, sid := range sids {
		keys = append(keys, s.sessionKey(sid))
	}
	keys = append(keys, s.principalKey(principalID))
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	removed := int(n) - 1
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}

// List returns the live sessions of a principal, pruning set entries whose
// records have already expired or vanished.
func (s *Store) List(ctx context.Context, principalID string) ([]*Session, error) {
	sids, err := s.rdb.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	out := make([]*Session, 0, len(sids))
	var dead []interface{}
	now := time.Now()
	for _, sid := range sids {
		data, err := s.rdb.Get(ctx, s.sessionKey(sid)).Bytes()
		if errors.Is(err, redis.Nil) {
			dead = append(dead, sid)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		sess, err := Decode(data)
		if err != nil {
			dead = append(dead, sid)
			continue
		}
		if sess.Expired(now) {
			s.rdb.Del(ctx, s.sessionKey(sid))
			dead = append(dead, sid)
			continue
		}
		out = append(out, sess)
	}
	if len(dead) > 0 {
		s.rdb.SRem(ctx, s.principalKey(principalID), dead...)
	}
	return out, nil
}

// RecordLogin appends one login event to the principal's history, trimmed to
// the most recent entries. History feeds behavioral risk scoring.
func (s *Store) RecordLogin(ctx context.Context, principalID, method string, at time.Time, retention time.Duration) error {
	entry := method + "|" + strconv.FormatInt(at.Unix(), 10)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.historyKey(principalID), entry)
	pipe.LTrim(ctx, s.historyKey(principalID), 0, historyMax-1)
	pipe.Expire(ctx, s.historyKey(principalID), retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// History returns the most recent login events, newest first.
func (s *Store) History(ctx context.Context, principalID string, limit int) ([]LoginEvent, error) {
	if limit <= 0 || limit > historyMax {
		limit = historyMax
	}
	raw, err := s.rdb.LRange(ctx, s.historyKey(principalID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	out := make([]LoginEvent, 0, len(raw))
	for _, r := range raw {
		method, ts, ok := strings.Cut(r, "|")
		if !ok {
			continue
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, LoginEvent{Method: method, At: time.Unix(unix, 0).UTC()})
	}
	return out, nil
}
