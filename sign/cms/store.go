package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
)

// SignerIdentifier locates a signer's certificate. Exactly one of the
// issuer/serial pair or SubjectKeyID is set.
type SignerIdentifier struct {
	// RawIssuer is the DER-encoded issuer distinguished name.
	RawIssuer    []byte
	SerialNumber *big.Int

	// SubjectKeyID is set for version 3 signer infos using the
	// subjectKeyIdentifier choice.
	SubjectKeyID []byte
}

// IssuerAndSerial reports whether the identifier uses the issuer/serial choice.
func (id SignerIdentifier) IssuerAndSerial() bool {
	return id.SerialNumber != nil
}

// Issuer returns the decoded issuer name.
func (id SignerIdentifier) Issuer() pkix.Name {
	return parseName(id.RawIssuer)
}

// String renders the identifier as "issuer / serial" or "ski:<hex>".
func (id SignerIdentifier) String() string {
	if !id.IssuerAndSerial() {
		return "ski:" + hex.EncodeToString(id.SubjectKeyID)
	}
	return fmt.Sprintf("%s / %s", id.Issuer().String(), id.SerialNumber.String())
}

// Matches reports whether cert is identified by id.
func (id SignerIdentifier) Matches(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if !id.IssuerAndSerial() {
		return len(id.SubjectKeyID) > 0 && bytes.Equal(cert.SubjectKeyId, id.SubjectKeyID)
	}
	if cert.SerialNumber == nil || cert.SerialNumber.Cmp(id.SerialNumber) != 0 {
		return false
	}
	return namesMatch(cert.RawIssuer, id.RawIssuer)
}

// CertificateStore is the set of certificates carried by a SignedData.
type CertificateStore struct {
	certs []*x509.Certificate
}

// NewCertificateStore creates a store holding certs in the given order.
func NewCertificateStore(certs ...*x509.Certificate) *CertificateStore {
	s := &CertificateStore{certs: make([]*x509.Certificate, 0, len(certs))}
	for _, c := range certs {
		if c != nil {
			s.certs = append(s.certs, c)
		}
	}
	return s
}

// Len returns the number of certificates.
func (s *CertificateStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.certs)
}

// All returns a copy of the certificates.
func (s *CertificateStore) All() []*x509.Certificate {
	if s == nil {
		return nil
	}
	out := make([]*x509.Certificate, len(s.certs))
	copy(out, s.certs)
	return out
}

// Matches returns every certificate identified by id, in store order.
func (s *CertificateStore) Matches(id SignerIdentifier) []*x509.Certificate {
	if s == nil {
		return nil
	}
	var out []*x509.Certificate
	for _, c := range s.certs {
		if id.Matches(c) {
			out = append(out, c)
		}
	}
	return out
}

// ResolveResult is the outcome of looking up a signer. Certificate is set
// only when exactly one candidate matched; Count always holds the number of
// candidates.
type ResolveResult struct {
	Certificate *x509.Certificate
	Count       int
}

// Unique reports whether exactly one certificate matched.
func (r ResolveResult) Unique() bool {
	return r.Count == 1 && r.Certificate != nil
}

// Resolve looks up the certificate for id in store. Zero or several matches
// are reported through Count, never as an error.
func Resolve(store *CertificateStore, id SignerIdentifier) ResolveResult {
	matches := store.Matches(id)
	if len(matches) != 1 {
		return ResolveResult{Count: len(matches)}
	}
	return ResolveResult{Certificate: matches[0], Count: 1}
}
