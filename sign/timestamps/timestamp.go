// Package timestamps decodes RFC 3161 timestamp tokens embedded as
// signature-timestamp attributes and checks their message imprint against
// the signature they cover.
package timestamps

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/georgepadayatti/tstcheck/sign/cms"
)

// Common errors
var (
	ErrNotTSTInfo       = errors.New("encapsulated content is not TSTInfo")
	ErrMissingTSTInfo   = errors.New("timestamp token has no encapsulated TSTInfo")
	ErrSignerCount      = errors.New("timestamp token must have exactly one signer")
	ErrInvalidGenTime   = errors.New("invalid genTime")
	ErrTrailingTSTBytes = errors.New("trailing data after TSTInfo")
)

// MessageImprint represents the hash of the timestamped data.
type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Duration returns the accuracy as a duration.
func (a Accuracy) Duration() time.Duration {
	return time.Duration(a.Seconds)*time.Second +
		time.Duration(a.Millis)*time.Millisecond +
		time.Duration(a.Micros)*time.Microsecond
}

// tstInfoRaw keeps genTime raw: encoding/asn1 rejects the fractional
// seconds that many TSAs emit.
type tstInfoRaw struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        asn1.RawValue
	Accuracy       Accuracy         `asn1:"optional"`
	Ordering       bool             `asn1:"optional"`
	Nonce          *big.Int         `asn1:"optional"`
	TSA            asn1.RawValue    `asn1:"optional,explicit,tag:0"`
	Extensions     []pkix.Extension `asn1:"optional,implicit,tag:1"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy
	Ordering       bool
	Nonce          *big.Int

	// TSA is the encoded GeneralName of the authority, empty when absent.
	TSA        asn1.RawValue
	Extensions []pkix.Extension
}

// ParseTSTInfo decodes a DER TSTInfo.
func ParseTSTInfo(der []byte) (*TSTInfo, error) {
	var raw tstInfoRaw
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TSTInfo: %w", err)
	}
	if len(rest) > 0 {
		return nil, ErrTrailingTSTBytes
	}

	genTime, err := parseGenTime(raw.GenTime)
	if err != nil {
		return nil, err
	}

	info := &TSTInfo{
		Version:        raw.Version,
		Policy:         raw.Policy,
		MessageImprint: raw.MessageImprint,
		SerialNumber:   raw.SerialNumber,
		GenTime:        genTime,
		Accuracy:       raw.Accuracy,
		Ordering:       raw.Ordering,
		Nonce:          raw.Nonce,
		Extensions:     raw.Extensions,
	}
	if len(raw.TSA.Bytes) > 0 {
		var gn asn1.RawValue
		if _, err := asn1.Unmarshal(raw.TSA.Bytes, &gn); err != nil {
			return nil, fmt.Errorf("failed to parse tsa name: %w", err)
		}
		info.TSA = gn
	}
	return info, nil
}

func parseGenTime(raw asn1.RawValue) (time.Time, error) {
	if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagGeneralizedTime {
		return time.Time{}, fmt.Errorf("%w: tag %d", ErrInvalidGenTime, raw.Tag)
	}
	// time.Parse accepts a fractional second after the seconds field.
	t, err := time.Parse("20060102150405Z0700", string(raw.Bytes))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidGenTime, err)
	}
	return t.UTC(), nil
}

// Authority renders the TSA GeneralName, or "" when the token names none.
func (t *TSTInfo) Authority() string {
	gn := t.TSA
	if len(gn.FullBytes) == 0 || gn.Class != asn1.ClassContextSpecific {
		return ""
	}
	switch gn.Tag {
	case 1, 2, 6: // rfc822Name, dNSName, uniformResourceIdentifier
		return string(gn.Bytes)
	case 4: // directoryName
		var rdns pkix.RDNSequence
		if _, err := asn1.Unmarshal(gn.Bytes, &rdns); err != nil {
			return ""
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdns)
		return name.String()
	case 7: // iPAddress
		return net.IP(gn.Bytes).String()
	default:
		return fmt.Sprintf("[%d]", gn.Tag)
	}
}

// TimestampToken is a decoded timestamp token: a SignedData whose
// encapsulated content is a TSTInfo.
type TimestampToken struct {
	Raw      []byte
	Envelope *cms.SignedEnvelope
	Info     *TSTInfo
}

// ParseTimestampToken decodes a timestamp token ContentInfo. Every failure
// is a *cms.DecodeError with stage timestamp-token.
func ParseTimestampToken(der []byte) (*TimestampToken, error) {
	env, err := cms.ParseSignedEnvelope(der)
	if err != nil {
		return nil, cms.NewDecodeError(cms.StageTimestampToken, err)
	}

	if !env.EContentType.Equal(cms.OIDTSTInfo) {
		return nil, cms.NewDecodeError(cms.StageTimestampToken,
			fmt.Errorf("%w: %v", ErrNotTSTInfo, env.EContentType))
	}
	if len(env.EContent) == 0 {
		return nil, cms.NewDecodeError(cms.StageTimestampToken, ErrMissingTSTInfo)
	}
	if len(env.SignerInfos) != 1 {
		return nil, cms.NewDecodeError(cms.StageTimestampToken,
			fmt.Errorf("%w: got %d", ErrSignerCount, len(env.SignerInfos)))
	}

	info, err := ParseTSTInfo(env.EContent)
	if err != nil {
		return nil, cms.NewDecodeError(cms.StageTimestampToken, err)
	}

	return &TimestampToken{
		Raw:      der,
		Envelope: env,
		Info:     info,
	}, nil
}

// SignerInfo returns the token's signer.
func (t *TimestampToken) SignerInfo() *cms.SignerInfo {
	return t.Envelope.SignerInfos[0]
}

// Authority renders the TSA name recorded in the token.
func (t *TimestampToken) Authority() string {
	return t.Info.Authority()
}

// Certificates returns the token's own certificate store.
func (t *TimestampToken) Certificates() *cms.CertificateStore {
	return t.Envelope.Certificates
}
