// Package wire encodes and parses pkarr signed packets: the payload a key
// owner publishes into the DHT under their Ed25519 public key.
//
// DNS message framing and RR encode/decode is delegated entirely to
// github.com/miekg/dns, the same way dns.go and resolver.go used it; this
// package only adds the pkarr envelope (timestamp + signature) around a
// miekg/dns-encoded RR set.
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// MaxSignedPacketSize bounds the encoded RR set of a signed packet, mirroring
// the 1000-byte ceiling pkarr packets are conventionally limited to so they
// fit in a single DHT record.
const MaxSignedPacketSize = 1000

// ErrInvalidSignature is returned by Verify when the signature does not
// authenticate under the packet's public key.
var ErrInvalidSignature = errors.New("pkarr: invalid signature")

// ErrPacketTooLarge is returned when an encoded RR set exceeds
// MaxSignedPacketSize.
var ErrPacketTooLarge = errors.New("pkarr: packet too large")

// SignedPacket is the value published to, and retrieved from, the DHT for a
// given public key.
type SignedPacket struct {
	PublicKey [32]byte
	Timestamp uint64 // microseconds since the Unix epoch
	Signature [64]byte
	RRs       []dns.RR
}

// Encode serializes rrs (owner names relative to the zone apex) and signs
// the result with priv, stamping timestamp as the freshness marker. The
// returned SignedPacket's PublicKey is derived from priv.
func Encode(priv ed25519.PrivateKey, timestampMicros uint64, rrs []dns.RR) (*SignedPacket, error) {
	payload, err := packRRs(rrs)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxSignedPacketSize {
		return nil, ErrPacketTooLarge
	}

	sp := &SignedPacket{
		Timestamp: timestampMicros,
		RRs:       rrs,
	}
	copy(sp.PublicKey[:], priv.Public().(ed25519.PublicKey))

	sig := ed25519.Sign(priv, signedMessage(timestampMicros, payload))
	copy(sp.Signature[:], sig)

	return sp, nil
}

// Verify reports whether sig authenticates timestamp||payload under pubkey.
// The caller is expected to reject packets whose timestamp is unreasonably
// far in the future before trusting them; Verify itself only checks the
// cryptographic signature.
func Verify(pubkey [32]byte, timestampMicros uint64, rrs []dns.RR, sig [64]byte) error {
	payload, err := packRRs(rrs)
	if err != nil {
		return err
	}

	if !ed25519.Verify(pubkey[:], signedMessage(timestampMicros, payload), sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySignature is Verify applied to sp's own fields.
func (sp *SignedPacket) VerifySignature() error {
	return Verify(sp.PublicKey, sp.Timestamp, sp.RRs, sp.Signature)
}

func signedMessage(timestampMicros uint64, payload []byte) []byte {
	msg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(msg[:8], timestampMicros)
	copy(msg[8:], payload)
	return msg
}

// packRRs serializes an RR set the way it is carried inside a signed
// packet's payload: as the answer section of a minimal, uncompressed DNS
// message. Compression is disabled so that owner-name offsets never depend
// on anything outside the payload itself.
func packRRs(rrs []dns.RR) ([]byte, error) {
	m := new(dns.Msg)
	m.Compress = false
	m.Answer = rrs

	buf, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("pkarr: pack rrs: %w", err)
	}
	return buf, nil
}

// unpackRRs is the inverse of packRRs.
func unpackRRs(payload []byte) ([]dns.RR, error) {
	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		return nil, fmt.Errorf("pkarr: unpack rrs: %w", err)
	}
	return m.Answer, nil
}

// Decode parses the wire form of a signed packet: 32-byte pubkey, 8-byte
// big-endian microsecond timestamp, 64-byte signature, then the encoded RR
// set. It does not verify the signature; callers must call Verify (or rely
// on a backend that already has).
func Decode(buf []byte) (*SignedPacket, error) {
	if len(buf) < 32+8+64 {
		return nil, errors.New("pkarr: packet too short")
	}

	sp := &SignedPacket{}
	copy(sp.PublicKey[:], buf[0:32])
	sp.Timestamp = binary.BigEndian.Uint64(buf[32:40])
	copy(sp.Signature[:], buf[40:104])

	rrs, err := unpackRRs(buf[104:])
	if err != nil {
		return nil, err
	}
	sp.RRs = rrs

	return sp, nil
}

// Bytes serializes sp back into its wire form.
func (sp *SignedPacket) Bytes() ([]byte, error) {
	payload, err := packRRs(sp.RRs)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 32+8+64+len(payload))
	copy(buf[0:32], sp.PublicKey[:])
	binary.BigEndian.PutUint64(buf[32:40], sp.Timestamp)
	copy(buf[40:104], sp.Signature[:])
	copy(buf[104:], payload)

	return buf, nil
}

// Size returns the approximate in-memory footprint of the packet, used by
// the pkarr cache for its byte-budget eviction.
func (sp *SignedPacket) Size() int {
	payload, err := packRRs(sp.RRs)
	if err != nil {
		return 32 + 8 + 64
	}
	return 32 + 8 + 64 + len(payload)
}
