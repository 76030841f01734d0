package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/georgepadayatti/tstcheck/internal/testpki"
)

func sidFor(rawIssuer []byte, serial int64) SignerIdentifier {
	return SignerIdentifier{RawIssuer: rawIssuer, SerialNumber: big.NewInt(serial)}
}

func TestResolve(t *testing.T) {
	alpha := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Alpha", SerialNumber: 1})
	beta := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Beta", SerialNumber: 2})
	alphaAgain := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Alpha", SerialNumber: 1})

	store := NewCertificateStore(alpha.Cert, beta.Cert)
	duplicated := NewCertificateStore(alpha.Cert, beta.Cert, alphaAgain.Cert)

	tests := []struct {
		name      string
		store     *CertificateStore
		sid       SignerIdentifier
		wantCount int
		wantCN    string
	}{
		{"unique alpha", store, sidFor(alpha.Cert.RawIssuer, 1), 1, "Alpha"},
		{"unique beta", store, sidFor(beta.Cert.RawIssuer, 2), 1, "Beta"},
		{"wrong serial", store, sidFor(alpha.Cert.RawIssuer, 2), 0, ""},
		{"unknown serial", store, sidFor(alpha.Cert.RawIssuer, 99), 0, ""},
		{"duplicate", duplicated, sidFor(alpha.Cert.RawIssuer, 1), 2, ""},
		{"empty store", NewCertificateStore(), sidFor(alpha.Cert.RawIssuer, 1), 0, ""},
		{"nil store", nil, sidFor(alpha.Cert.RawIssuer, 1), 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.store, tt.sid)
			if res.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", res.Count, tt.wantCount)
			}
			if res.Unique() != (tt.wantCount == 1) {
				t.Errorf("Unique() = %v", res.Unique())
			}
			if tt.wantCN == "" {
				if res.Certificate != nil {
					t.Error("Ambiguous result should carry no certificate")
				}
				return
			}
			if res.Certificate == nil || res.Certificate.Subject.CommonName != tt.wantCN {
				t.Errorf("Resolved wrong certificate: %v", res.Certificate)
			}
		})
	}
}

func TestResolveNormalizedIssuer(t *testing.T) {
	ca := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Test CA", Organization: "Example Org"})

	reencoded, err := asn1.Marshal(pkix.RDNSequence{
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 10}, Value: "EXAMPLE   org"}},
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: " test ca "}},
	})
	if err != nil {
		t.Fatalf("Failed to encode issuer: %v", err)
	}

	// Same attributes in the wrong order must not match.
	reordered, err := asn1.Marshal(pkix.RDNSequence{
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: "Test CA"}},
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 10}, Value: "Example Org"}},
	})
	if err != nil {
		t.Fatalf("Failed to encode issuer: %v", err)
	}

	store := NewCertificateStore(ca.Cert)
	if res := Resolve(store, sidFor(reencoded, 1)); !res.Unique() {
		t.Errorf("Re-encoded issuer should resolve, got %d candidates", res.Count)
	}
	if res := Resolve(store, sidFor(reordered, 1)); res.Count != 0 {
		t.Errorf("Reordered issuer should not resolve, got %d candidates", res.Count)
	}
	if res := Resolve(store, sidFor([]byte{0x01}, 1)); res.Count != 0 {
		t.Error("Malformed issuer should not resolve")
	}
}

func TestSignerIdentifierString(t *testing.T) {
	ca := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "Test CA", SerialNumber: 42})
	sid := sidFor(ca.Cert.RawIssuer, 42)

	if got, want := sid.String(), "CN=Test CA / 42"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if sid.Issuer().CommonName != "Test CA" {
		t.Errorf("Issuer() = %v", sid.Issuer())
	}
}

func TestCertificateStore(t *testing.T) {
	a := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "A", SerialNumber: 1})
	b := testpki.MustIdentity(t, testpki.CertOptions{CommonName: "B", SerialNumber: 2})

	store := NewCertificateStore(a.Cert, nil, b.Cert)
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}

	all := store.All()
	all[0] = nil
	if store.All()[0] == nil {
		t.Error("All() should return a copy")
	}
}

func TestNormalizeDNString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Test CA", "test ca"},
		{"  Test \t  CA ", "test ca"},
		{"ACME Corp.", "acme corp."},
		{"ＡＢＣ", "abc"},
	}
	for _, tt := range tests {
		if got := normalizeDNString(tt.in); got != tt.want {
			t.Errorf("normalizeDNString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
