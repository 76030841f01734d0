// Package certvalidator checks the certificate policy RFC 3161 places on a
// time-stamping authority.
package certvalidator

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/tstcheck/sign/cms"
	"github.com/georgepadayatti/tstcheck/sign/validation/report"
)

// Extension and key purpose OIDs
var (
	OIDExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}

	OIDKeyPurposeAny             = asn1.ObjectIdentifier{2, 5, 29, 37, 0}
	OIDKeyPurposeServerAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	OIDKeyPurposeClientAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	OIDKeyPurposeCodeSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	OIDKeyPurposeEmailProtection = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	OIDKeyPurposeTimeStamping    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	OIDKeyPurposeOCSPSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
	OIDKeyPurposeDocumentSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 36}
)

var errMalformedEKU = errors.New("malformed ExtendedKeyUsage")

var purposeNames = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{OIDKeyPurposeAny, "any"},
	{OIDKeyPurposeServerAuth, "server-auth"},
	{OIDKeyPurposeClientAuth, "client-auth"},
	{OIDKeyPurposeCodeSigning, "code-signing"},
	{OIDKeyPurposeEmailProtection, "email-protection"},
	{OIDKeyPurposeTimeStamping, "time-stamping"},
	{OIDKeyPurposeOCSPSigning, "ocsp-signing"},
	{OIDKeyPurposeDocumentSigning, "document-signing"},
}

// PurposeName returns the kebab-case name of a key purpose, or its dotted
// form when unknown.
func PurposeName(oid asn1.ObjectIdentifier) string {
	for _, p := range purposeNames {
		if p.oid.Equal(oid) {
			return p.name
		}
	}
	return oid.String()
}

// ParseExtendedKeyUsage decodes the value of an ExtendedKeyUsage extension.
// Failures are *cms.DecodeError with stage extension.
func ParseExtendedKeyUsage(der []byte) ([]asn1.ObjectIdentifier, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, cms.NewDecodeError(cms.StageExtension, errMalformedEKU)
	}

	var purposes []asn1.ObjectIdentifier
	for !seq.Empty() {
		var oid asn1.ObjectIdentifier
		if !seq.ReadASN1ObjectIdentifier(&oid) {
			return nil, cms.NewDecodeError(cms.StageExtension,
				fmt.Errorf("%w: key purpose %d", errMalformedEKU, len(purposes)))
		}
		purposes = append(purposes, oid)
	}
	return purposes, nil
}

// ExtractExtension returns the extension with the given OID.
func ExtractExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// ValidateTSACertificate checks cert against the RFC 3161 section 2.3
// requirements for a TSA certificate. Every check that can run does run, so
// a certificate may collect several findings; only a missing
// ExtendedKeyUsage extension stops the remaining extension checks.
//
// The returned findings carry only Kind and the kind-specific data; callers
// place them. An undecodable extension returns the findings gathered so far
// together with a *cms.DecodeError.
func ValidateTSACertificate(cert *x509.Certificate) ([]report.Finding, error) {
	var findings []report.Finding

	if cert.Version != 3 {
		findings = append(findings, report.Finding{Kind: report.CertVersionError, Version: cert.Version})
	}

	ext, ok := ExtractExtension(cert, OIDExtensionExtendedKeyUsage)
	if !ok {
		findings = append(findings, report.Finding{Kind: report.MissingEKU})
		return findings, nil
	}

	if !ext.Critical {
		findings = append(findings, report.Finding{Kind: report.EKUNotCritical})
	}

	purposes, err := ParseExtendedKeyUsage(ext.Value)
	if err != nil {
		return findings, err
	}

	if !SolelyTimeStamping(purposes) {
		names := make([]string, 0, len(purposes))
		for _, p := range purposes {
			names = append(names, PurposeName(p))
		}
		findings = append(findings, report.Finding{Kind: report.EKUWrongPurpose, Purposes: names})
	}

	return findings, nil
}

// SolelyTimeStamping reports whether purposes is exactly {id-kp-timeStamping}.
// A single other purpose and time-stamping alongside others are both
// rejected.
func SolelyTimeStamping(purposes []asn1.ObjectIdentifier) bool {
	return len(purposes) == 1 && purposes[0].Equal(OIDKeyPurposeTimeStamping)
}
