package cms

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
)

var oidExtensionSubjectKeyID = asn1.ObjectIdentifier{2, 5, 29, 14}

// certificateHeader is the part of an X.509 certificate needed to identify
// it and read its extensions. Extension values stay undecoded.
type certificateHeader struct {
	TBSCertificate     tbsCertificateHeader
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type tbsCertificateHeader struct {
	Raw                asn1.RawContent
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           asn1.RawValue
	Subject            asn1.RawValue
	PublicKey          asn1.RawValue
	UniqueID           asn1.BitString   `asn1:"optional,tag:1"`
	SubjectUniqueID    asn1.BitString   `asn1:"optional,tag:2"`
	Extensions         []pkix.Extension `asn1:"optional,explicit,tag:3"`
}

// parseCertificate decodes an embedded certificate. crypto/x509 rejects a
// whole certificate when any one extension is malformed; such certificates
// are kept from their header alone so they can still be resolved and have
// their extensions checked one by one. Only a certificate whose header
// cannot be read is an error.
func parseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err == nil {
		return cert, nil
	}
	partial, headerErr := parseCertificateHeader(der)
	if headerErr != nil {
		return nil, err
	}
	return partial, nil
}

func parseCertificateHeader(der []byte) (*x509.Certificate, error) {
	var raw certificateHeader
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after certificate")
	}
	tbs := raw.TBSCertificate
	if tbs.SerialNumber == nil {
		return nil, errors.New("certificate has no serial number")
	}

	cert := &x509.Certificate{
		Raw:               der,
		RawTBSCertificate: tbs.Raw,
		RawIssuer:         tbs.Issuer.FullBytes,
		RawSubject:        tbs.Subject.FullBytes,
		Version:           tbs.Version + 1,
		SerialNumber:      tbs.SerialNumber,
		Issuer:            parseName(tbs.Issuer.FullBytes),
		Subject:           parseName(tbs.Subject.FullBytes),
		Extensions:        tbs.Extensions,
		Signature:         raw.SignatureValue.RightAlign(),
	}
	for _, ext := range tbs.Extensions {
		if !ext.Id.Equal(oidExtensionSubjectKeyID) {
			continue
		}
		var ski []byte
		if rest, err := asn1.Unmarshal(ext.Value, &ski); err == nil && len(rest) == 0 {
			cert.SubjectKeyId = ski
		}
	}
	return cert, nil
}
