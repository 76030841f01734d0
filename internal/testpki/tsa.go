package testpki

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/tstcheck/sign/digest"
)

var oidTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

// TimeStamper acts as its own TSA and issues RFC 3161 tokens over whatever
// bytes it is given.
type TimeStamper struct {
	// TSA signs the token and is identified by its signer info.
	TSA *Identity

	// CertsToEmbed are added after the TSA certificate.
	CertsToEmbed []*x509.Certificate

	// OmitTSACert leaves the TSA certificate out of the token.
	OmitTSACert bool

	// HashAlgorithm is the message imprint algorithm; SHA-256 by default.
	HashAlgorithm asn1.ObjectIdentifier

	Policy  asn1.ObjectIdentifier
	GenTime time.Time

	// SerialNumber is random when nil.
	SerialNumber *big.Int
	Nonce        *big.Int

	// NameTSA fills the tsa field with the TSA subject as a directoryName.
	NameTSA bool

	// CorruptImprint flips the last byte of the recorded imprint.
	CorruptImprint bool

	// ContentType overrides the encapsulated content type.
	ContentType asn1.ObjectIdentifier
}

// NewTimeStamper creates a TimeStamper for tsa.
func NewTimeStamper(tsa *Identity) *TimeStamper {
	return &TimeStamper{
		TSA:           tsa,
		HashAlgorithm: digest.OIDSHA256,
		Policy:        asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2},
		GenTime:       time.Date(2024, 3, 14, 15, 9, 26, 535_000_000, time.UTC),
	}
}

// WithHash sets the message imprint algorithm.
func (d *TimeStamper) WithHash(oid asn1.ObjectIdentifier) *TimeStamper {
	d.HashAlgorithm = oid
	return d
}

// WithSerial sets a fixed serial number.
func (d *TimeStamper) WithSerial(serial int64) *TimeStamper {
	d.SerialNumber = big.NewInt(serial)
	return d
}

// WithCorruptImprint makes the recorded imprint disagree with the data.
func (d *TimeStamper) WithCorruptImprint() *TimeStamper {
	d.CorruptImprint = true
	return d
}

// Imprint returns the imprint the token will record for data. Algorithms
// with no implementation get a zero-filled 32 byte imprint.
func (d *TimeStamper) Imprint(data []byte) []byte {
	sum, err := digest.Sum(d.HashAlgorithm, data)
	if err != nil {
		sum = make([]byte, 32)
	}
	if d.CorruptImprint {
		sum[len(sum)-1] ^= 0xff
	}
	return sum
}

// Timestamp issues a token whose message imprint covers data.
func (d *TimeStamper) Timestamp(data []byte) ([]byte, error) {
	tstInfo, err := d.TSTInfo(d.Imprint(data))
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	contentType := oidTSTInfo
	if d.ContentType != nil {
		contentType = d.ContentType
	}
	b := &EnvelopeBuilder{
		Content:          tstInfo,
		ContentType:      contentType,
		SignedAttributes: true,
	}
	if !d.OmitTSACert {
		b.AddCertificate(d.TSA.Cert)
	}
	b.AddCertificate(d.CertsToEmbed...)
	b.AddSigner(SignerSpec{Signer: d.TSA})
	return b.Build()
}

// MustTimestamp is Timestamp for tests.
func (d *TimeStamper) MustTimestamp(t testing.TB, data []byte) []byte {
	t.Helper()
	token, err := d.Timestamp(data)
	if err != nil {
		t.Fatalf("Failed to create timestamp token: %v", err)
	}
	return token
}

// TSTInfo encodes a TSTInfo recording imprint. genTime carries millisecond
// precision, as many production TSAs emit.
func (d *TimeStamper) TSTInfo(imprint []byte) ([]byte, error) {
	serial := d.SerialNumber
	if serial == nil {
		var err error
		serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, err
		}
	}
	hashAlg, err := asn1.Marshal(algorithm(d.HashAlgorithm))
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1ObjectIdentifier(d.Policy)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddBytes(hashAlg)
			b.AddASN1OctetString(imprint)
		})
		b.AddASN1BigInt(serial)
		b.AddASN1(cbasn1.GeneralizedTime, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(d.GenTime.UTC().Format("20060102150405.000Z")))
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(1)
		})
		if d.Nonce != nil {
			b.AddASN1BigInt(d.Nonce)
		}
		if d.NameTSA {
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.Tag(4).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(d.TSA.Cert.RawSubject)
				})
			})
		}
	})
	return b.Bytes()
}
