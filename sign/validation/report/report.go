// Package report defines the findings produced while analyzing a signature
// and the sinks that receive them.
package report

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a finding reports.
type Kind int

const (
	SignerIdentified Kind = iota + 1
	SignerAmbiguous
	AttributeSeen
	TimestampSeen
	DigestMatch
	DigestMismatch
	CertVersionError
	MissingEKU
	EKUNotCritical
	EKUWrongPurpose
)

var kindNames = map[Kind]string{
	SignerIdentified: "signer-identified",
	SignerAmbiguous:  "signer-ambiguous",
	AttributeSeen:    "attribute-seen",
	TimestampSeen:    "timestamp-seen",
	DigestMatch:      "digest-match",
	DigestMismatch:   "digest-mismatch",
	CertVersionError: "cert-version-error",
	MissingEKU:       "missing-eku",
	EKUNotCritical:   "eku-not-critical",
	EKUWrongPurpose:  "eku-wrong-purpose",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown finding kind %q", text)
}

// IsError reports whether the kind is a policy violation.
func (k Kind) IsError() bool {
	switch k {
	case DigestMismatch, CertVersionError, MissingEKU, EKUNotCritical, EKUWrongPurpose:
		return true
	default:
		return false
	}
}

// Scope tells whether a finding concerns an outer signer info or one of its
// timestamp tokens.
type Scope string

const (
	ScopeSigner    Scope = "signer"
	ScopeTimestamp Scope = "timestamp"
)

// HexBytes is a byte slice rendered as hex in text and JSON output.
type HexBytes []byte

// String implements fmt.Stringer.
func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalText implements encoding.TextMarshaler.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// Finding is one observation about a signature. Only the fields relevant
// to Kind are set.
type Finding struct {
	Kind  Kind  `json:"kind"`
	Scope Scope `json:"scope"`

	// Input names the signature the finding belongs to in batch runs.
	Input string `json:"input,omitempty"`

	// SignerIndex is the outer signer info; TokenIndex is the timestamp
	// token within it, or -1 for signer-scoped findings.
	SignerIndex int `json:"signer"`
	TokenIndex  int `json:"token"`

	// SignerID is the issuer/serial or key identifier that was looked up.
	SignerID   string `json:"signer_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Candidates int    `json:"candidates,omitempty"`

	AttributeType string `json:"attribute,omitempty"`

	Authority string    `json:"authority,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	GenTime   time.Time `json:"gen_time,omitzero"`

	Algorithm string   `json:"algorithm,omitempty"`
	Computed  HexBytes `json:"computed,omitempty"`
	Recorded  HexBytes `json:"recorded,omitempty"`

	Version  int      `json:"version,omitempty"`
	Purposes []string `json:"purposes,omitempty"`
}

// Message renders the finding as a single line of text.
func (f Finding) Message() string {
	switch f.Kind {
	case SignerIdentified:
		return fmt.Sprintf("Certificate: %s", f.Subject)
	case SignerAmbiguous:
		return fmt.Sprintf("Certificate: could not identify %s, %d candidates", f.SignerID, f.Candidates)
	case AttributeSeen:
		return fmt.Sprintf("Attribute %s", f.AttributeType)
	case TimestampSeen:
		authority := f.Authority
		if authority == "" {
			authority = "(none)"
		}
		return fmt.Sprintf("Signature time stamp: authority %s, serial %s, time %s, signer %s",
			authority, f.Serial, f.GenTime.Format(time.RFC3339), f.SignerID)
	case DigestMatch:
		return fmt.Sprintf("Digest match: true (%s %s)", f.Algorithm, f.Computed)
	case DigestMismatch:
		return fmt.Sprintf("Digest match: false (%s computed %s, recorded %s)", f.Algorithm, f.Computed, f.Recorded)
	case CertVersionError:
		return fmt.Sprintf("Error: certificate must be version 3 to have an ExtendedKeyUsage extension (version %d)", f.Version)
	case MissingEKU:
		return "Error: certificate must have an ExtendedKeyUsage extension"
	case EKUNotCritical:
		return "Error: certificate must have an ExtendedKeyUsage extension marked as critical"
	case EKUWrongPurpose:
		return fmt.Sprintf("Error: ExtendedKeyUsage not solely time stamping (%s)", strings.Join(f.Purposes, ", "))
	default:
		return f.Kind.String()
	}
}

// Location renders where the finding applies, e.g. "signer 0" or
// "signer 0 / timestamp 1".
func (f Finding) Location() string {
	if f.Scope == ScopeTimestamp {
		return fmt.Sprintf("signer %d / timestamp %d", f.SignerIndex, f.TokenIndex)
	}
	return fmt.Sprintf("signer %d", f.SignerIndex)
}
