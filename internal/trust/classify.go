// Package trust implements the source classifier (spec C3): mapping each
// index file to a domain by URI suffix, then by the fingerprint of the key
// that signed its release metadata, falling back to "signed"/"unsigned".
package trust

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/distr1/pkgworker/internal/model"
)

// Classifier holds the configured domains (loaded from the domain config,
// spec C11) plus the two implicit ones, and classifies index files.
type Classifier struct {
	// Explicit are the domains declared in the domain config file, in
	// declaration order. Unsigned and Signed are always implicitly
	// available and are not part of this slice.
	Explicit []model.Domain
}

// Domains returns all domains known to the classifier, implicit ones first,
// in the order ByName searches them.
func (c *Classifier) Domains() []model.Domain {
	out := make([]model.Domain, 0, len(c.Explicit)+2)
	out = append(out, model.Unsigned, model.Signed)
	out = append(out, c.Explicit...)
	return out
}

// ByName returns the domain with the given name, or the zero Domain and
// false if unknown.
func (c *Classifier) ByName(name string) (model.Domain, bool) {
	for _, d := range c.Domains() {
		if d.Name == name {
			return d, true
		}
	}
	return model.Domain{}, false
}

// Classify maps idx to the domain it belongs to (spec.md §4.3): untrusted
// indices are always "unsigned"; trusted indices match by URI suffix first,
// then by key fingerprint suffix, falling back to "signed".
func (c *Classifier) Classify(idx model.IndexFile) model.Domain {
	if !idx.Trusted {
		return model.Unsigned
	}
	for _, d := range c.Explicit {
		for _, suf := range d.URISuffixes {
			if strings.HasSuffix(idx.URI, suf) {
				return d
			}
		}
	}
	for _, d := range c.Explicit {
		for _, suf := range d.KeyFingerprintSuffixes {
			if strings.HasSuffix(idx.ReleaseKeyFingerprint, suf) {
				return d
			}
		}
	}
	return model.Signed
}

// FingerprintFromSignaturePacket extracts the 40-uppercase-hex key
// fingerprint from a base64-encoded OpenPGP signature packet (spec.md §4.3):
// the fingerprint is the first 20 bytes following the packet header,
// rendered as uppercase hex.
//
// No OpenPGP library appears anywhere in the example pack's go.mod files, so
// this parses just enough of the packet framing using the standard library
// (encoding/base64) rather than pulling in an unrelated ecosystem
// dependency; see DESIGN.md.
func FingerprintFromSignaturePacket(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", fmt.Errorf("decoding signature packet: %w", err)
	}
	hdr, err := packetHeaderLen(raw)
	if err != nil {
		return "", err
	}
	body := raw[hdr:]
	if len(body) < 20 {
		return "", fmt.Errorf("signature packet body too short for a key ID: %d bytes", len(body))
	}
	return fmt.Sprintf("%X", body[:20]), nil
}

// packetHeaderLen returns the length of the OpenPGP packet header (old- or
// new-format) at the start of raw, per RFC 4880 §4.2.
func packetHeaderLen(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty packet")
	}
	tag := raw[0]
	if tag&0x80 == 0 {
		return 0, fmt.Errorf("not an OpenPGP packet: leading bit unset")
	}
	if tag&0x40 != 0 {
		// New format: one or more length-encoding bytes follow.
		if len(raw) < 2 {
			return 0, fmt.Errorf("truncated new-format packet header")
		}
		l1 := raw[1]
		switch {
		case l1 < 192:
			return 2, nil
		case l1 < 224:
			return 3, nil
		case l1 == 255:
			return 6, nil
		default:
			// Partial body length; not expected for signature packets here.
			return 2, nil
		}
	}
	// Old format: length-type in the low 2 bits of the tag byte.
	switch tag & 0x03 {
	case 0:
		return 2, nil
	case 1:
		return 3, nil
	case 2:
		return 5, nil
	default:
		return 0, fmt.Errorf("indeterminate-length old-format packet unsupported")
	}
}
