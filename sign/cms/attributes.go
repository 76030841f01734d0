package cms

import (
	"encoding/asn1"
	"fmt"
)

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// UnsignedAttribute is one entry of a signer info's unsigned attribute set.
// The set of implementations is closed: SignatureTimestampAttribute is the
// only interpreted kind, everything else is an UnrecognizedAttribute.
type UnsignedAttribute interface {
	// OID returns the attribute type.
	OID() asn1.ObjectIdentifier
	// RawValues returns the encoded attribute values in encoded order.
	RawValues() []asn1.RawValue

	unsignedAttribute()
}

// SignatureTimestampAttribute holds the values of an
// id-aa-signatureTimeStampToken attribute. Each value is an encoded
// timestamp token ContentInfo.
type SignatureTimestampAttribute struct {
	Values []asn1.RawValue
}

// OID implements UnsignedAttribute.
func (a *SignatureTimestampAttribute) OID() asn1.ObjectIdentifier { return OIDSignatureTimeStampToken }

// RawValues implements UnsignedAttribute.
func (a *SignatureTimestampAttribute) RawValues() []asn1.RawValue { return a.Values }

func (*SignatureTimestampAttribute) unsignedAttribute() {}

// UnrecognizedAttribute is any unsigned attribute this package does not
// interpret.
type UnrecognizedAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue
}

// OID implements UnsignedAttribute.
func (a *UnrecognizedAttribute) OID() asn1.ObjectIdentifier { return a.Type }

// RawValues implements UnsignedAttribute.
func (a *UnrecognizedAttribute) RawValues() []asn1.RawValue { return a.Values }

func (*UnrecognizedAttribute) unsignedAttribute() {}

// classifyAttribute maps a decoded attribute onto its variant.
func classifyAttribute(attr Attribute) UnsignedAttribute {
	if attr.Type.Equal(OIDSignatureTimeStampToken) {
		return &SignatureTimestampAttribute{Values: attr.Values}
	}
	return &UnrecognizedAttribute{Type: attr.Type, Values: attr.Values}
}

// parseAttributes decodes the content octets of an [n] IMPLICIT SET OF
// Attribute.
func parseAttributes(content []byte) ([]Attribute, error) {
	var attrs []Attribute
	rest := content
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attribute %d: %w", len(attrs), err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
