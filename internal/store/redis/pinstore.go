package redis

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// ErrPinNotFound is returned when no pending pin exists for a username, either
// because it was never issued, already consumed, or expired.
var ErrPinNotFound = errors.New("redis: no pending pin for username")

// ErrPinRetriesExhausted is returned once a username's pin has failed
// protocol.PinRetries times; the admin must call Allow again to issue a
// fresh one.
var ErrPinRetriesExhausted = errors.New("redis: pin retries exhausted")

// ErrPinMismatch is returned when the submitted pin does not match the
// pending one but retries remain.
var ErrPinMismatch = errors.New("redis: pin does not match")

// pendingPin is the value stored under a pin key: the pin itself plus the
// remaining retry budget. Expiry is carried by the key's own TTL.
type pendingPin struct {
	Pin     uint32
	Retries int
}

// PinStore tracks the one-time registration pins issued by user/allow.
// Each pin lives under its own Redis key with a TTL equal to
// protocol.PinExpiryWindow, so expiry is enforced by Redis itself rather
// than by a stored timestamp.
type PinStore struct {
	client *Client
	logger zerolog.Logger
}

// NewPinStore wraps an existing Redis Client with pin-specific operations.
func NewPinStore(client *Client, logger zerolog.Logger) *PinStore {
	return &PinStore{client: client, logger: logger.With().Str("component", "pinstore").Logger()}
}

func pinKey(username string) string {
	return "rendezvous:pin:" + username
}

// Issue generates a fresh pin for username, overwriting any pin already
// pending for that user, and stores it with a protocol.PinExpiryWindow TTL
// and protocol.PinRetries remaining attempts.
func (s *PinStore) Issue(ctx context.Context, username string) (protocol.AllowedUser, error) {
	pin, err := randomPin()
	if err != nil {
		return protocol.AllowedUser{}, fmt.Errorf("redis: generate pin: %w", err)
	}

	ttl := protocol.PinExpiryWindow * time.Second
	encoded := encodePendingPin(pendingPin{Pin: pin, Retries: protocol.PinRetries})

	if err := s.client.Set(ctx, pinKey(username), encoded, ttl); err != nil {
		return protocol.AllowedUser{}, fmt.Errorf("redis: issue pin: %w", err)
	}

	s.logger.Info().Str("username", username).Msg("issued registration pin")

	return protocol.AllowedUser{
		Pin:    pin,
		Expiry: time.Now().Add(ttl).Unix(),
	}, nil
}

// Verify checks the submitted pin against the one pending for username.
// On mismatch it decrements the remaining retry count and returns
// ErrPinRetriesExhausted once that count hits zero, at which point the pin
// is deleted and the admin must re-issue one via Allow. On a correct match
// the pin is consumed (deleted) so it cannot be reused.
func (s *PinStore) Verify(ctx context.Context, username string, submitted uint32) error {
	raw, err := s.client.Get(ctx, pinKey(username))
	if errors.Is(err, goredis.Nil) {
		return ErrPinNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: verify pin: %w", err)
	}

	pending, err := decodePendingPin(raw)
	if err != nil {
		return fmt.Errorf("redis: decode pending pin: %w", err)
	}

	if pending.Pin == submitted {
		_ = s.client.Delete(ctx, pinKey(username))
		return nil
	}

	pending.Retries--
	if pending.Retries <= 0 {
		_ = s.client.Delete(ctx, pinKey(username))
		return ErrPinRetriesExhausted
	}

	ttl, ttlErr := s.client.Underlying().TTL(ctx, pinKey(username)).Result()
	if ttlErr != nil || ttl <= 0 {
		ttl = protocol.PinExpiryWindow * time.Second
	}
	if err := s.client.Set(ctx, pinKey(username), encodePendingPin(pending), ttl); err != nil {
		return fmt.Errorf("redis: record retry: %w", err)
	}

	return ErrPinMismatch
}

// Revoke deletes any pending pin for username without regard to whether it
// was ever issued.
func (s *PinStore) Revoke(ctx context.Context, username string) error {
	return s.client.Delete(ctx, pinKey(username))
}

func randomPin() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]) % protocol.PinMax, nil
}

// encodePendingPin/decodePendingPin use a fixed 8-byte layout instead of a
// general-purpose encoding since the value never leaves this package.
func encodePendingPin(p pendingPin) string {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], p.Pin)
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Retries))
	return string(buf[:])
}

func decodePendingPin(s string) (pendingPin, error) {
	if len(s) != 8 {
		return pendingPin{}, fmt.Errorf("redis: malformed pin record (%d bytes)", len(s))
	}
	b := []byte(s)
	return pendingPin{
		Pin:     binary.BigEndian.Uint32(b[0:4]),
		Retries: int(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}
