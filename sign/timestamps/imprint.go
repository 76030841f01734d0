package timestamps

import (
	"bytes"
	"encoding/asn1"
	"fmt"

	"github.com/georgepadayatti/tstcheck/sign/digest"
)

// ImprintBinding is the result of checking a message imprint against the
// signature value it should cover.
type ImprintBinding struct {
	Algorithm asn1.ObjectIdentifier
	Computed  []byte
	Recorded  []byte
	Match     bool
}

// VerifyImprint hashes signatureValue, exactly as given, with the algorithm
// named in info and compares the result with the recorded imprint in
// constant time. An unknown algorithm yields an error wrapping
// digest.ErrUnsupportedAlgorithm.
func VerifyImprint(signatureValue []byte, info *TSTInfo) (*ImprintBinding, error) {
	alg := info.MessageImprint.HashAlgorithm.Algorithm
	computed, err := digest.Sum(alg, signatureValue)
	if err != nil {
		return nil, fmt.Errorf("message imprint: %w", err)
	}

	recorded := bytes.Clone(info.MessageImprint.HashedMessage)
	return &ImprintBinding{
		Algorithm: alg,
		Computed:  computed,
		Recorded:  recorded,
		Match:     digest.Equal(computed, recorded),
	}, nil
}
