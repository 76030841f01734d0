// Package testpki generates certificates, timestamp tokens and CMS envelopes
// for tests.
package testpki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidSHA256WithRSA             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

	// OIDTimeStamping is id-kp-timeStamping.
	OIDTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	// OIDCodeSigning is id-kp-codeSigning.
	OIDCodeSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
)

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
	sharedKeyErr  error
)

// Key returns an RSA key shared by every fixture in the process. Certificates
// are told apart by issuer and serial, so one key is enough and keeps tests
// fast.
func Key() (*rsa.PrivateKey, error) {
	sharedKeyOnce.Do(func() {
		sharedKey, sharedKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return sharedKey, sharedKeyErr
}

// Identity is a certificate together with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Sign produces an RSA PKCS#1 v1.5 signature over the SHA-256 digest of data.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, id.Key, crypto.SHA256, digest[:])
}

// MustSign is Sign for tests.
func (id *Identity) MustSign(t testing.TB, data []byte) []byte {
	t.Helper()
	sig, err := id.Sign(data)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	return sig
}

// CertOptions controls the certificate built by NewIdentity.
type CertOptions struct {
	CommonName   string
	Organization string
	SerialNumber int64

	// Issuer signs the certificate; nil means self-signed.
	Issuer *Identity

	// Purposes populates the ExtendedKeyUsage extension. The extension is
	// omitted when Purposes is nil.
	Purposes       []asn1.ObjectIdentifier
	NonCriticalEKU bool

	// RawEKU, when set, is written verbatim as the value of a critical
	// ExtendedKeyUsage extension in place of Purposes. crypto/x509 cannot
	// parse a certificate whose EKU is malformed, so the returned Cert then
	// carries only the fields needed to embed and identify it.
	RawEKU []byte

	SubjectKeyID []byte

	// Version1 builds an X.509 v1 certificate without any extensions.
	Version1 bool
}

// NewIdentity creates a certificate as described by opts.
func NewIdentity(opts CertOptions) (*Identity, error) {
	key, err := Key()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if opts.CommonName == "" {
		opts.CommonName = "Test Certificate"
	}
	if opts.SerialNumber == 0 {
		opts.SerialNumber = 1
	}

	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	var der []byte
	if opts.Version1 {
		der, err = createV1Certificate(subject, opts, key)
	} else {
		der, err = createV3Certificate(subject, opts, key)
	}
	if err != nil {
		return nil, err
	}

	if opts.RawEKU != nil {
		return &Identity{Cert: unparsedCertificate(der, subject, opts), Key: key}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &Identity{Cert: cert, Key: key}, nil
}

func unparsedCertificate(der []byte, subject pkix.Name, opts CertOptions) *x509.Certificate {
	// Marshalled the same way x509.CreateCertificate encodes the subject.
	rawSubject, _ := asn1.Marshal(subject.ToRDNSequence())
	rawIssuer := rawSubject
	if opts.Issuer != nil {
		rawIssuer = opts.Issuer.Cert.RawSubject
	}
	return &x509.Certificate{
		Raw:          der,
		RawSubject:   rawSubject,
		RawIssuer:    rawIssuer,
		Subject:      subject,
		SerialNumber: big.NewInt(opts.SerialNumber),
		Version:      3,
	}
}

// NewTSAIdentity creates a well-formed TSA certificate: version 3 with a
// critical ExtendedKeyUsage restricted to time-stamping.
func NewTSAIdentity(commonName string, serial int64) (*Identity, error) {
	return NewIdentity(CertOptions{
		CommonName:   commonName,
		Organization: "Test TSA",
		SerialNumber: serial,
		Purposes:     []asn1.ObjectIdentifier{OIDTimeStamping},
	})
}

// MustIdentity is NewIdentity for tests.
func MustIdentity(t testing.TB, opts CertOptions) *Identity {
	t.Helper()
	id, err := NewIdentity(opts)
	if err != nil {
		t.Fatalf("Failed to create certificate %q: %v", opts.CommonName, err)
	}
	return id
}

// MustTSAIdentity is NewTSAIdentity for tests.
func MustTSAIdentity(t testing.TB, commonName string, serial int64) *Identity {
	t.Helper()
	id, err := NewTSAIdentity(commonName, serial)
	if err != nil {
		t.Fatalf("Failed to create TSA certificate %q: %v", commonName, err)
	}
	return id
}

// EKUExtension encodes an ExtendedKeyUsage extension.
func EKUExtension(purposes []asn1.ObjectIdentifier, critical bool) (pkix.Extension, error) {
	value, err := asn1.Marshal(purposes)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtensionExtendedKeyUsage, Critical: critical, Value: value}, nil
}

func createV3Certificate(subject pkix.Name, opts CertOptions, key *rsa.PrivateKey) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(opts.SerialNumber),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		SubjectKeyId: opts.SubjectKeyID,
	}
	// ExtraExtensions is the only way to control criticality; it takes
	// precedence over template.ExtKeyUsage.
	switch {
	case opts.RawEKU != nil:
		template.ExtraExtensions = append(template.ExtraExtensions,
			pkix.Extension{Id: oidExtensionExtendedKeyUsage, Critical: true, Value: opts.RawEKU})
	case opts.Purposes != nil:
		ext, err := EKUExtension(opts.Purposes, !opts.NonCriticalEKU)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ExtendedKeyUsage: %w", err)
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	parent, signer := template, key
	if opts.Issuer != nil {
		parent, signer = opts.Issuer.Cert, opts.Issuer.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return der, nil
}

// createV1Certificate hand-assembles a version 1 certificate, which
// x509.CreateCertificate cannot produce.
func createV1Certificate(subject pkix.Name, opts CertOptions, key *rsa.PrivateKey) ([]byte, error) {
	if opts.Purposes != nil || opts.RawEKU != nil || opts.SubjectKeyID != nil {
		return nil, errors.New("version 1 certificates carry no extensions")
	}

	rawSubject, err := asn1.Marshal(subject.ToRDNSequence())
	if err != nil {
		return nil, err
	}
	rawIssuer, signer := rawSubject, key
	if opts.Issuer != nil {
		rawIssuer, signer = opts.Issuer.Cert.RawSubject, opts.Issuer.Key
	}
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	addAlgorithm := func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSHA256WithRSA)
			b.AddASN1NULL()
		})
	}

	notBefore := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// No [0] version field: absent means v1.
		b.AddASN1BigInt(big.NewInt(opts.SerialNumber))
		addAlgorithm(b)
		b.AddBytes(rawIssuer)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1UTCTime(notBefore)
			b.AddASN1UTCTime(notBefore.Add(365 * 24 * time.Hour))
		})
		b.AddBytes(rawSubject)
		b.AddBytes(spki)
	})
	tbsDER, err := tbs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tbsCertificate: %w", err)
	}

	digest := sha256.Sum256(tbsDER)
	signature, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	var cert cryptobyte.Builder
	cert.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsDER)
		addAlgorithm(b)
		b.AddASN1BitString(signature)
	})
	return cert.Bytes()
}
