package session

import (
	"encoding/binary"
	"errors"
	"time"
)

// Binary layout, version 1. The header is fixed-offset so Lua scripts can
// validate the refresh hash and expiry without decoding the tail:
//
//	[0]      version (1)
//	[1..32]  refresh hash (SHA-256, 32 bytes)
//	[33..40] expires-at, unix seconds, big endian
//	[41]     risk score
//	[42..]   len-prefixed strings: session id, principal id, email,
//	         fingerprint, method, masked ip, user agent
//	[tail]   created-at, unix seconds, big endian
const (
	encVersion = 1

	offRefreshHash = 1
	offExpiresAt   = 33
	offRiskScore   = 41
	headerLen      = 42
)

var errCorruptRecord = errors.New("session: corrupt record")

// Encode serializes s into the version-1 binary layout.
func Encode(s *Session) []byte {
	strs := []string{
		s.SessionID, s.PrincipalID, s.Email, s.Fingerprint,
		s.Method, s.MaskedIP, s.UserAgent,
	}

	size := headerLen + 8
	for _, v := range strs {
		size += 2 + len(v)
	}

	buf := make([]byte, size)
	buf[0] = encVersion
	copy(buf[offRefreshHash:], s.RefreshHash[:])
	binary.BigEndian.PutUint64(buf[offExpiresAt:], uint64(s.ExpiresAt.Unix()))
	buf[offRiskScore] = s.RiskScore

	off := headerLen
	for _, v := range strs {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(v)))
		off += 2
		copy(buf[off:], v)
		off += len(v)
	}
	binary.BigEndian.PutUint64(buf[off:], uint64(s.CreatedAt.Unix()))

	return buf
}

// Decode parses a version-1 binary record back into a Session.
func Decode(data []byte) (*Session, error) {
	if len(data) < headerLen+8 {
		return nil, errCorruptRecord
	}
	if data[0] != encVersion {
		return nil, errCorruptRecord
	}

	s := &Session{RiskScore: data[offRiskScore]}
	copy(s.RefreshHash[:], data[offRefreshHash:offRefreshHash+32])
	s.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(data[offExpiresAt:])), 0).UTC()

	off := headerLen
	readStr := func() (string, bool) {
		if off+2 > len(data) {
			return "", false
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			return "", false
		}
		v := string(data[off : off+n])
		off += n
		return v, true
	}

	fields := []*string{
		&s.SessionID, &s.PrincipalID, &s.Email, &s.Fingerprint,
		&s.Method, &s.MaskedIP, &s.UserAgent,
	}
	for _, f := range fields {
		v, ok := readStr()
		if !ok {
			return nil, errCorruptRecord
		}
		*f = v
	}

	if off+8 > len(data) {
		return nil, errCorruptRecord
	}
	s.CreatedAt = time.Unix(int64(binary.BigEndian.Uint64(data[off:])), 0).UTC()

	return s, nil
}
