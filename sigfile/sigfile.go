// Package sigfile loads CMS signatures from files in the encodings they are
// commonly stored in.
package sigfile

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Common errors
var (
	ErrEmptyInput        = errors.New("empty signature input")
	ErrNoSignatureFound  = errors.New("no signature found in data")
	ErrUnsupportedFormat = errors.New("unsupported signature format")
)

// signatureBlockTypes are the PEM block types accepted as a signature.
var signatureBlockTypes = map[string]bool{
	"PKCS7":               true,
	"PKCS #7 SIGNED DATA": true,
	"CMS":                 true,
	"SIGNATURE":           true,
}

// Stdin is the path that makes LoadSignature read standard input.
const Stdin = "-"

// LoadSignature reads a signature from filename, or from standard input
// when filename is "-", and decodes it with DecodeSignature.
func LoadSignature(filename string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if filename == Stdin {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}

	sig, err := DecodeSignature(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return sig, nil
}

// DecodeSignature returns the BER/DER bytes of a signature given as raw
// binary, a PEM block (PKCS7, CMS or SIGNATURE), base64 text, or the hex
// string form found in PDF /Contents entries. Raw binary is returned
// unchanged, trailing padding included.
func DecodeSignature(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInput
	}

	// A SEQUENCE tag: already binary.
	if data[0] == 0x30 {
		return data, nil
	}

	text := bytes.TrimSpace(data)
	if isPEM(text) {
		return decodePEM(text)
	}

	if decoded, ok := decodeHex(text); ok {
		return decoded, nil
	}

	compact := strings.Join(strings.Fields(string(text)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil || len(decoded) == 0 || decoded[0] != 0x30 {
		return nil, ErrUnsupportedFormat
	}
	return decoded, nil
}

func decodePEM(data []byte) ([]byte, error) {
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if signatureBlockTypes[block.Type] {
			return block.Bytes, nil
		}
	}
	return nil, ErrNoSignatureFound
}

// decodeHex accepts an optionally angle-bracketed hex string.
func decodeHex(text []byte) ([]byte, bool) {
	s := string(text)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.Join(strings.Fields(s), "")
	if len(s) < 4 || !strings.HasPrefix(s, "30") {
		return nil, false
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
