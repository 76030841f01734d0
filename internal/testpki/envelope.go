package testpki

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"testing"
)

var (
	oidData                    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidSHA256                  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidContentType             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Attribute is an unsigned attribute; each value is a complete DER element.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values [][]byte
}

// TimestampAttribute builds a signature-timestamp attribute carrying tokens
// in the given order.
func TimestampAttribute(tokens ...[]byte) Attribute {
	return Attribute{Type: oidSignatureTimeStampToken, Values: tokens}
}

// SignerSpec describes one signer info.
type SignerSpec struct {
	Signer *Identity

	// UseSKI identifies the signer by subject key identifier instead of
	// issuer and serial number.
	UseSKI bool

	// Signature is the signature value; when nil the content is signed.
	Signature []byte

	Unsigned []Attribute
}

// EnvelopeBuilder assembles a CMS SignedData ContentInfo. Unlike
// asn1.Marshal, which sorts SET OF members, it keeps signer infos,
// attributes and attribute values in the order they were added.
type EnvelopeBuilder struct {
	Content      []byte
	ContentType  asn1.ObjectIdentifier
	Detached     bool
	Certificates []*x509.Certificate
	Signers      []SignerSpec

	// SignedAttributes adds content-type and message-digest signed
	// attributes to every signer info.
	SignedAttributes bool
}

// NewEnvelopeBuilder creates a builder for id-data content.
func NewEnvelopeBuilder(content []byte) *EnvelopeBuilder {
	return &EnvelopeBuilder{Content: content, ContentType: oidData}
}

// AddCertificate appends certificates to the certificate set.
func (b *EnvelopeBuilder) AddCertificate(certs ...*x509.Certificate) *EnvelopeBuilder {
	b.Certificates = append(b.Certificates, certs...)
	return b
}

// AddSigner appends a signer info.
func (b *EnvelopeBuilder) AddSigner(spec SignerSpec) *EnvelopeBuilder {
	b.Signers = append(b.Signers, spec)
	return b
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type encapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0"`
	SignerInfos      asn1.RawValue
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

var sha256Algorithm = algorithmIdentifier{Algorithm: oidSHA256, Parameters: asn1.NullRawValue}

// Build encodes the envelope.
func (b *EnvelopeBuilder) Build() ([]byte, error) {
	if len(b.Signers) == 0 {
		return nil, errors.New("no signers")
	}

	var signerInfos [][]byte
	for i, spec := range b.Signers {
		si, err := b.buildSignerInfo(spec)
		if err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		signerInfos = append(signerInfos, si)
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []algorithmIdentifier{sha256Algorithm},
		EncapContentInfo: encapsulatedContentInfo{ContentType: b.ContentType},
		SignerInfos:      rawSet(asn1.ClassUniversal, asn1.TagSet, signerInfos...),
	}
	if !b.Detached {
		octets, err := asn1.Marshal(b.Content)
		if err != nil {
			return nil, err
		}
		sd.EncapContentInfo.Content = explicitTag(0, octets)
	}
	for _, cert := range b.Certificates {
		sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}
	for _, spec := range b.Signers {
		if spec.UseSKI {
			sd.Version = 3
		}
	}

	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{ContentType: oidSignedData, Content: explicitTag(0, sdBytes)})
}

// MustBuild is Build for tests.
func (b *EnvelopeBuilder) MustBuild(t testing.TB) []byte {
	t.Helper()
	der, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	return der
}

func (b *EnvelopeBuilder) buildSignerInfo(spec SignerSpec) ([]byte, error) {
	if spec.Signer == nil {
		return nil, errors.New("signer identity is required")
	}

	si := signerInfo{
		Version:            1,
		DigestAlgorithm:    sha256Algorithm,
		SignatureAlgorithm: algorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1.NullRawValue},
		Signature:          spec.Signature,
	}

	if spec.UseSKI {
		if len(spec.Signer.Cert.SubjectKeyId) == 0 {
			return nil, errors.New("certificate has no subject key identifier")
		}
		si.Version = 3
		si.SID = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: spec.Signer.Cert.SubjectKeyId}
	} else {
		isn, err := asn1.Marshal(issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: spec.Signer.Cert.RawIssuer},
			SerialNumber: spec.Signer.Cert.SerialNumber,
		})
		if err != nil {
			return nil, err
		}
		si.SID = asn1.RawValue{FullBytes: isn}
	}

	if b.SignedAttributes {
		attrs, err := contentAttributes(b.ContentType, b.Content)
		if err != nil {
			return nil, err
		}
		si.SignedAttrs = rawSet(asn1.ClassContextSpecific, 0, attrs...)
	}

	if si.Signature == nil {
		sig, err := spec.Signer.Sign(b.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		si.Signature = sig
	}

	if len(spec.Unsigned) > 0 {
		var attrs [][]byte
		for _, attr := range spec.Unsigned {
			der, err := marshalAttribute(attr)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, der)
		}
		si.UnsignedAttrs = rawSet(asn1.ClassContextSpecific, 1, attrs...)
	}

	return asn1.Marshal(si)
}

func contentAttributes(contentType asn1.ObjectIdentifier, content []byte) ([][]byte, error) {
	ct, err := asn1.Marshal(contentType)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	md, err := asn1.Marshal(sum[:])
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for _, attr := range []Attribute{
		{Type: oidContentType, Values: [][]byte{ct}},
		{Type: oidMessageDigest, Values: [][]byte{md}},
	} {
		der, err := marshalAttribute(attr)
		if err != nil {
			return nil, err
		}
		out = append(out, der)
	}
	return out, nil
}

func marshalAttribute(attr Attribute) ([]byte, error) {
	return asn1.Marshal(struct {
		Type   asn1.ObjectIdentifier
		Values asn1.RawValue
	}{
		Type:   attr.Type,
		Values: rawSet(asn1.ClassUniversal, asn1.TagSet, attr.Values...),
	})
}

// rawSet concatenates elements into a constructed value without sorting.
func rawSet(class, tag int, elements ...[]byte) asn1.RawValue {
	return asn1.RawValue{Class: class, Tag: tag, IsCompound: true, Bytes: bytes.Join(elements, nil)}
}

func explicitTag(tag int, inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: inner}
}

// algorithm returns the AlgorithmIdentifier encoding for a digest OID.
func algorithm(oid asn1.ObjectIdentifier) pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}
}
