package fingerprint

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

const deviceRecordVersion1 = 1

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceBackend  = errors.New("device store backend unavailable")
)

// Device is the durable per-fingerprint record. A device can be observed
// before any login succeeds, so PrincipalID may be empty. Devices are never
// deleted, only aged.
type Device struct {
	PrincipalID string
	Logins      uint32
	Trusted     bool
	RiskScore   uint8
	FirstSeen   int64
	LastSeen    int64
}

// Store persists device records and per-principal known-IP sets in Redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a device [Store]. prefix namespaces the Redis keys.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "fp"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) deviceKey(fp string) string {
	return s.prefix + ":" + fp
}

func (s *Store) ipKey(principalID string) string {
	return s.prefix + ":ip:" + principalID
}

// Get returns the device record for a fingerprint, or [ErrDeviceNotFound].
func (s *Store) Get(ctx context.Context, fp string) (*Device, error) {
	data, err := s.redis.Get(ctx, s.deviceKey(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceBackend, err)
	}
	return decodeDevice(data)
}

// RecordLogin upserts the fingerprint record for a successful login:
// increment login count, refresh last-seen, bind the principal on first
// ownership, store the initial risk score on first sight, and set the trust
// flag once the login count reaches trustedAfter. The principal's known-IP
// set gains the request address. The upsert is retried under WATCH so
// concurrent logins from the same device never lose counts.
func (s *Store) RecordLogin(
	ctx context.Context,
	fp, principalID, ip string,
	initialRisk int,
	trustedAfter uint32,
	now time.Time,
) (*Device, error) {
	const maxRetries = 4
	key := s.deviceKey(fp)

	var result *Device
	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			var dev *Device

			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				dev = &Device{
					PrincipalID: principalID,
					RiskScore:   clampByte(initialRisk),
					FirstSeen:   now.Unix(),
				}
			case err != nil:
				return err
			default:
				dev, err = decodeDevice(data)
				if err != nil {
					return err
				}
			}

			if dev.PrincipalID == "" {
				dev.PrincipalID = principalID
			}
			dev.Logins++
			dev.LastSeen = now.Unix()
			if trustedAfter > 0 && dev.PrincipalID == principalID && dev.Logins >= trustedAfter {
				dev.Trusted = true
			}

			encoded, err := encodeDevice(dev)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if ip != "" {
					pipe.SAdd(ctx, s.ipKey(principalID), ip)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = dev
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceBackend, err)
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w: upsert contention", ErrDeviceBackend)
}

// UpdateRiskScore rewrites the rolling risk score on an existing device.
func (s *Store) UpdateRiskScore(ctx context.Context, fp string, score int) error {
	key := s.deviceKey(fp)
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		dev, err := decodeDevice(data)
		if err != nil {
			return err
		}
		dev.RiskScore = clampByte(score)
		encoded, err := encodeDevice(dev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("%w: %v", ErrDeviceBackend, err)
	}
	return nil
}

// KnownIP reports how the request address relates to the principal's
// previously observed addresses: exact match, or same subnet as any of them.
func (s *Store) KnownIP(ctx context.Context, principalID, ip string) (exact bool, subnet bool, err error) {
	if principalID == "" || ip == "" {
		return false, false, nil
	}
	ips, err := s.redis.SMembers(ctx, s.ipKey(principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("%w: %v", ErrDeviceBackend, err)
	}
	for _, known := range ips {
		if known == ip {
			return true, true, nil
		}
		if SameSubnet(known, ip) {
			subnet = true
		}
	}
	return false, subnet, nil
}

// Conflict reports whether the device record is bound to a principal other
// than the one attempting to log in.
func Conflict(dev *Device, principalID string) bool {
	return dev != nil && dev.PrincipalID != "" && principalID != "" && dev.PrincipalID != principalID
}

// AnalyzeRisk scores the device factor for a login attempt. A device bound
// to a different principal is forced to at least 80 (sharing/compromise
// signal); a same-principal device trends low and lower still after ten
// successful logins; an unknown device defaults to moderate.
func AnalyzeRisk(dev *Device, meta Metadata, principalID string, sameSubnet bool) int {
	var score int
	switch {
	case dev == nil:
		score = 60
	case Conflict(dev, principalID):
		score = 80
	case dev.Logins > 10:
		score = 15
	default:
		score = 30
	}

	if meta.Browser == "" || !MainstreamBrowser(meta.Browser) {
		score += 10
	}
	if !MainstreamPlatform(meta.OS) {
		score += 10
	}
	if sameSubnet {
		score -= 10
	}

	// The cross-principal floor survives every adjustment.
	if Conflict(dev, principalID) && score < 80 {
		score = 80
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

func encodeDevice(d *Device) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(deviceRecordVersion1)

	if len(d.PrincipalID) > 255 {
		return nil, errors.New("principal id too long")
	}
	buf.WriteByte(byte(len(d.PrincipalID)))
	buf.WriteString(d.PrincipalID)

	if err := binary.Write(&buf, binary.BigEndian, d.Logins); err != nil {
		return nil, err
	}
	if d.Trusted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(d.RiskScore)
	if err := binary.Write(&buf, binary.BigEndian, d.FirstSeen); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, d.LastSeen); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeDevice(data []byte) (*Device, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != deviceRecordVersion1 {
		return nil, errors.New("invalid device record version")
	}

	d := &Device{}

	pidLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	pid := make([]byte, pidLen)
	if _, err := io.ReadFull(reader, pid); err != nil {
		return nil, err
	}
	d.PrincipalID = string(pid)

	if err := binary.Read(reader, binary.BigEndian, &d.Logins); err != nil {
		return nil, err
	}
	trusted, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	d.Trusted = trusted == 1
	risk, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	d.RiskScore = risk
	if err := binary.Read(reader, binary.BigEndian, &d.FirstSeen); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &d.LastSeen); err != nil {
		return nil, err
	}

	return d, nil
}
