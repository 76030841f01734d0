// Package digest maps hash algorithm identifiers to digest functions.
// Every call is stateless: no hash instance is shared between callers.
package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Digest algorithm OIDs
var (
	OIDSHA1       = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDSHA512_224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 5}
	OIDSHA512_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 6}
	OIDSHA3_224   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 7}
	OIDSHA3_256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}
	OIDSHA3_384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 9}
	OIDSHA3_512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}
)

// ErrUnsupportedAlgorithm is returned for hash OIDs with no implementation.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// Algorithm is a named digest function.
type Algorithm struct {
	Name string
	OID  asn1.ObjectIdentifier
	New  func() hash.Hash
}

var algorithms = []Algorithm{
	{Name: "sha1", OID: OIDSHA1, New: sha1.New},
	{Name: "sha224", OID: OIDSHA224, New: sha256.New224},
	{Name: "sha256", OID: OIDSHA256, New: sha256.New},
	{Name: "sha384", OID: OIDSHA384, New: sha512.New384},
	{Name: "sha512", OID: OIDSHA512, New: sha512.New},
	{Name: "sha512-224", OID: OIDSHA512_224, New: sha512.New512_224},
	{Name: "sha512-256", OID: OIDSHA512_256, New: sha512.New512_256},
	{Name: "sha3-224", OID: OIDSHA3_224, New: sha3.New224},
	{Name: "sha3-256", OID: OIDSHA3_256, New: sha3.New256},
	{Name: "sha3-384", OID: OIDSHA3_384, New: sha3.New384},
	{Name: "sha3-512", OID: OIDSHA3_512, New: sha3.New512},
}

// Lookup returns the algorithm identified by oid.
func Lookup(oid asn1.ObjectIdentifier) (Algorithm, error) {
	for _, alg := range algorithms {
		if alg.OID.Equal(oid) {
			return alg, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
}

// LookupName returns the algorithm with the given name.
func LookupName(name string) (Algorithm, error) {
	for _, alg := range algorithms {
		if alg.Name == name {
			return alg, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
}

// Name returns a display name for oid, falling back to its dotted form.
func Name(oid asn1.ObjectIdentifier) string {
	if alg, err := Lookup(oid); err == nil {
		return alg.Name
	}
	return oid.String()
}

// Sum computes the digest of data under the algorithm named by oid.
func Sum(oid asn1.ObjectIdentifier, data []byte) ([]byte, error) {
	alg, err := Lookup(oid)
	if err != nil {
		return nil, err
	}
	h := alg.New()
	h.Write(data)
	return h.Sum(nil), nil
}

// compare is the byte comparison behind Equal. It is always called with two
// slices of len(computed) bytes.
var compare = subtle.ConstantTimeCompare

// Equal compares a computed digest with a recorded one. recorded is copied
// into a buffer of len(computed) bytes, so the comparison visits the same
// number of bytes whatever the length of recorded or the position of the
// first difference; len(computed) is fixed by the algorithm. A recorded
// value of a different length compares unequal.
func Equal(computed, recorded []byte) bool {
	padded := make([]byte, len(computed))
	copy(padded, recorded)
	return compare(computed, padded)&lengthsEqual(len(computed), len(recorded)) == 1
}

// lengthsEqual returns 1 if a == b and 0 otherwise, over the full width of
// int and without branching on either value.
func lengthsEqual(a, b int) int {
	d := uint64(a) ^ uint64(b)
	return subtle.ConstantTimeEq(int32(uint32(d>>32)|uint32(d)), 0)
}
