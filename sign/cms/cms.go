// Package cms reads CMS (Cryptographic Message Syntax) SignedData envelopes
// and resolves signer certificates against the embedded certificate store.
package cms

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// OIDs for CMS content types and attributes
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Unsigned attributes
	OIDSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// signedDataRaw keeps certificates and signer infos undecoded so each can be
// parsed (and failed) on its own.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// signerInfoRaw captures the SID CHOICE and the attribute sets as raw values.
type signerInfoRaw struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// SignedEnvelope is a decoded SignedData. It is immutable once returned by
// ParseSignedEnvelope.
type SignedEnvelope struct {
	// Raw is the DER form of the whole ContentInfo.
	Raw []byte

	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier

	// EContentType and EContent describe the encapsulated content. EContent
	// is nil for detached signatures.
	EContentType asn1.ObjectIdentifier
	EContent     []byte

	SignerInfos  []*SignerInfo
	Certificates *CertificateStore
}

// SignerInfo is one signer of a SignedEnvelope.
type SignerInfo struct {
	// Index is the position of the signer info in the envelope.
	Index int

	Version            int
	SID                SignerIdentifier
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignatureAlgorithm pkix.AlgorithmIdentifier

	// Signature is the exact content of the signature OCTET STRING.
	Signature []byte

	// UnsignedAttrs holds the unsigned attributes in encoded order.
	UnsignedAttrs []UnsignedAttribute
}

// ParseSignedEnvelope parses a BER or DER encoded ContentInfo wrapping
// SignedData. Zero padding after the structure is accepted (it is common in
// signatures extracted from PDF /Contents strings); any other trailing data
// is an error. Every failure is a *DecodeError.
func ParseSignedEnvelope(data []byte) (*SignedEnvelope, error) {
	der, rest, err := NormalizeBER(data)
	if err != nil {
		return nil, NewDecodeError(StageEnvelope, err)
	}
	if !allZero(rest) {
		return nil, NewDecodeError(StageEnvelope, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest)))
	}

	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(der, &contentInfo); err != nil {
		return nil, NewDecodeError(StageEnvelope, fmt.Errorf("failed to parse ContentInfo: %w", err))
	}

	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, NewDecodeError(StageEnvelope, fmt.Errorf("%w: got %v", ErrNotSignedData, contentInfo.ContentType))
	}

	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, NewDecodeError(StageEnvelope, fmt.Errorf("failed to parse SignedData: %w", err))
	}

	env := &SignedEnvelope{
		Raw:              der,
		Version:          sd.Version,
		DigestAlgorithms: sd.DigestAlgorithms,
		EContentType:     sd.EncapContentInfo.EContentType,
	}

	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		var content []byte
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &content); err != nil {
			return nil, NewDecodeError(StageEnvelope, fmt.Errorf("failed to parse encapsulated content: %w", err))
		}
		env.EContent = content
	}

	certs := make([]*x509.Certificate, 0, len(sd.Certificates))
	for i, raw := range sd.Certificates {
		// Attribute certificates and other CertificateChoices are not X.509
		// certificates and cannot identify a signer.
		if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
			continue
		}
		cert, err := parseCertificate(raw.FullBytes)
		if err != nil {
			return nil, NewDecodeError(StageCertificate, fmt.Errorf("certificate %d: %w", i, err))
		}
		certs = append(certs, cert)
	}
	env.Certificates = NewCertificateStore(certs...)

	for i, raw := range sd.SignerInfos {
		si, err := parseSignerInfo(raw.FullBytes)
		if err != nil {
			return nil, NewDecodeError(StageEnvelope, fmt.Errorf("signer info %d: %w", i, err))
		}
		si.Index = i
		env.SignerInfos = append(env.SignerInfos, si)
	}

	return env, nil
}

func parseSignerInfo(der []byte) (*SignerInfo, error) {
	var raw signerInfoRaw
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse SignerInfo: %w", err)
	}

	sid, err := parseSignerIdentifier(raw.SID)
	if err != nil {
		return nil, err
	}

	si := &SignerInfo{
		Version:            raw.Version,
		SID:                sid,
		DigestAlgorithm:    raw.DigestAlgorithm,
		SignatureAlgorithm: raw.SignatureAlgorithm,
		Signature:          raw.Signature,
	}

	if len(raw.UnsignedAttrs.FullBytes) > 0 {
		attrs, err := parseAttributes(raw.UnsignedAttrs.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unsigned attributes: %w", err)
		}
		for _, attr := range attrs {
			si.UnsignedAttrs = append(si.UnsignedAttrs, classifyAttribute(attr))
		}
	}

	return si, nil
}

// parseSignerIdentifier decodes the SignerIdentifier CHOICE.
func parseSignerIdentifier(raw asn1.RawValue) (SignerIdentifier, error) {
	switch {
	case raw.Class == asn1.ClassUniversal && raw.Tag == asn1.TagSequence:
		var isn IssuerAndSerialNumber
		rest, err := asn1.Unmarshal(raw.FullBytes, &isn)
		if err != nil {
			return SignerIdentifier{}, fmt.Errorf("failed to parse IssuerAndSerialNumber: %w", err)
		}
		if len(rest) > 0 {
			return SignerIdentifier{}, errors.New("trailing data after IssuerAndSerialNumber")
		}
		return SignerIdentifier{RawIssuer: isn.Issuer.FullBytes, SerialNumber: isn.SerialNumber}, nil
	case raw.Class == asn1.ClassContextSpecific && raw.Tag == 0 && !raw.IsCompound:
		if len(raw.Bytes) == 0 {
			return SignerIdentifier{}, errors.New("empty subjectKeyIdentifier")
		}
		return SignerIdentifier{SubjectKeyID: raw.Bytes}, nil
	default:
		return SignerIdentifier{}, fmt.Errorf("unsupported SignerIdentifier (class %d, tag %d)", raw.Class, raw.Tag)
	}
}

// TimestampAttributes returns the signature-timestamp attributes of si in
// encoded order.
func (si *SignerInfo) TimestampAttributes() []*SignatureTimestampAttribute {
	var out []*SignatureTimestampAttribute
	for _, attr := range si.UnsignedAttrs {
		if ts, ok := attr.(*SignatureTimestampAttribute); ok {
			out = append(out, ts)
		}
	}
	return out
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
