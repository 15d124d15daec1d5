// Package dht is the backend driver for the Mainline DHT: it issues
// get(pubkey), verifies the returned signed packet, and surfaces one of
// NotFound/Timeout/Invalid.
//
// The DHT is treated as a black box exposing get(key)/put(key,
// signed_packet); no pack repo or ecosystem library implements Mainline
// DHT get/put for pkarr payloads (see DESIGN.md), so Client is the seam a
// real DHT client is wired in behind. MapClient is the black-box stand-in
// used by tests and by cmd/pkdns when no real DHT client is configured.
package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pkdns/pkdns/internal/wire"
)

// ErrNotFound is returned when the DHT lookup for a pubkey returned no
// record at all. The resolver treats this as authoritative NXDOMAIN for
// the pkarr zone.
var ErrNotFound = errors.New("dht: not found")

// ErrTimeout is returned when the lookup did not complete in time.
var ErrTimeout = errors.New("dht: timeout")

// ErrInvalid is returned when a record was found but failed signature or
// timestamp verification.
var ErrInvalid = errors.New("dht: invalid packet")

// MaxFutureSkew bounds how far into the future a packet's timestamp may be
// before it is rejected as invalid.
const MaxFutureSkew = 15 * time.Minute

// Client is the black-box DHT contract: get(pubkey) and put(packet).
type Client interface {
	// Get performs (or awaits) a DHT lookup for pubkey, returning the
	// freshest verified signed packet, ErrNotFound, ErrTimeout, or
	// ErrInvalid.
	Get(ctx context.Context, pubkey [32]byte) (*wire.SignedPacket, error)

	// Put publishes packet under its own public key.
	Put(ctx context.Context, packet *wire.SignedPacket) error
}

// Verify checks packet's signature and timestamp skew, mapping failures to
// ErrInvalid. now is injected for testability.
func Verify(packet *wire.SignedPacket, now time.Time) error {
	if err := packet.VerifySignature(); err != nil {
		return ErrInvalid
	}

	future := time.UnixMicro(int64(packet.Timestamp)).Sub(now)
	if future > MaxFutureSkew {
		return ErrInvalid
	}

	return nil
}

// MapClient is an in-memory stand-in for the Mainline DHT's get/put
// contract. It stores, per pubkey, the newest signed packet Put to it, and
// simulates network latency and not-found responses for unknown keys.
// Concrete production deployments wire a real Mainline DHT client behind
// the same Client interface instead.
type MapClient struct {
	mu      sync.RWMutex
	records map[[32]byte]*wire.SignedPacket

	// Latency is injected before each Get to exercise the resolver's
	// cancellation behavior in tests; zero means no artificial delay.
	Latency time.Duration

	now func() time.Time
}

// NewMapClient returns an empty MapClient.
func NewMapClient() *MapClient {
	return &MapClient{
		records: map[[32]byte]*wire.SignedPacket{},
		now:     time.Now,
	}
}

// Get implements Client.
func (m *MapClient) Get(ctx context.Context, pubkey [32]byte) (*wire.SignedPacket, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}

	m.mu.RLock()
	packet, ok := m.records[pubkey]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	if err := Verify(packet, m.now()); err != nil {
		return nil, err
	}

	return packet, nil
}

// Put implements Client.
func (m *MapClient) Put(ctx context.Context, packet *wire.SignedPacket) error {
	if err := Verify(packet, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[packet.PublicKey]
	if !ok || packet.Timestamp > existing.Timestamp {
		m.records[packet.PublicKey] = packet
	}

	return nil
}
