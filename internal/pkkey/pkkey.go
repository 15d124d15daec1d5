// Package pkkey recognizes and decodes the z-base-32 public-key labels that
// root a pkarr zone, and classifies a DNS question as pkarr-rooted or
// ICANN-rooted.
//
// Grounded on the label-splitting helpers in a prior dns.go
// (trimTrailingDot, strings-based name handling) adapted to pkarr's
// rightmost/second-from-right label rule.
package pkkey

import (
	"strings"

	"github.com/pkdns/pkdns/internal/zbase32"
)

// Name describes the classification of a fully qualified domain name.
type Name struct {
	// Pkarr is true if the name is rooted in a pkarr public key.
	Pkarr bool

	// PublicKey is the decoded 32-byte Ed25519 public key. Only valid when
	// Pkarr is true.
	PublicKey [32]byte

	// PubkeyLabel is the z-base-32 label as it appeared in the query,
	// lower-cased.
	PubkeyLabel string

	// Sub is the portion of the name below the pubkey zone apex, fully
	// qualified with a trailing dot, or "@" if the query targets the zone
	// apex itself. It never includes the pubkey label, the TLD (if any), or
	// a trailing dot artifact beyond normal FQDN form.
	Sub string
}

// Classify splits name (a fully qualified domain name, trailing dot
// optional) into its pkarr/ICANN classification.
//
// If tld is non-empty, name is pkarr-rooted iff its second-from-right label
// decodes to a public key AND its rightmost label equals tld
// (case-insensitive). Otherwise the rightmost label must itself decode to a
// public key. An empty tld means "no TLD required".
func Classify(name, tld string) Name {
	labels := splitLabels(name)

	if tld != "" {
		if len(labels) < 2 || !strings.EqualFold(labels[len(labels)-1], tld) {
			return Name{}
		}
		return classifyAt(labels, len(labels)-2)
	}

	if len(labels) < 1 {
		return Name{}
	}
	return classifyAt(labels, len(labels)-1)
}

func classifyAt(labels []string, pubkeyIdx int) Name {
	label := strings.ToLower(labels[pubkeyIdx])

	key, ok := zbase32.DecodePublicKey(label)
	if !ok {
		return Name{}
	}

	sub := "@"
	if pubkeyIdx > 0 {
		sub = strings.Join(labels[:pubkeyIdx], ".") + "."
	}

	return Name{
		Pkarr:       true,
		PublicKey:   key,
		PubkeyLabel: label,
		Sub:         sub,
	}
}

// splitLabels splits a fully qualified domain name into its labels, dropping
// any trailing root dot and ignoring a bare root name.
func splitLabels(name string) []string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}

// Qualify joins a sub-label path ("@" for the apex) with a pubkey label and
// optional TLD into a fully qualified domain name with a trailing dot.
func Qualify(sub, pubkeyLabel, tld string) string {
	var b strings.Builder
	if sub != "" && sub != "@" {
		b.WriteString(strings.TrimSuffix(sub, "."))
		b.WriteByte('.')
	}
	b.WriteString(pubkeyLabel)
	b.WriteByte('.')
	if tld != "" {
		b.WriteString(tld)
		b.WriteByte('.')
	}
	return b.String()
}
