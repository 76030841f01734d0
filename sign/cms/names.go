package cms

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// namesMatch compares two DER-encoded distinguished names. Identical
// encodings match; otherwise both are compared after RFC 4518 style string
// preparation so that re-encoded issuer names (PrintableString vs
// UTF8String, case, spacing) still resolve.
func namesMatch(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	ca, ok := canonicalName(a)
	if !ok {
		return false
	}
	cb, ok := canonicalName(b)
	if !ok {
		return false
	}
	return ca == cb
}

func canonicalName(raw []byte) (string, bool) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &rdns)
	if err != nil || len(rest) > 0 {
		return "", false
	}

	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		atvs := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			atvs = append(atvs, atv.Type.String()+"="+normalizeRDNValue(atv.Value))
		}
		sort.Strings(atvs)
		parts = append(parts, strings.Join(atvs, "+"))
	}
	return strings.Join(parts, ","), true
}

func normalizeRDNValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return normalizeDNString(v)
	default:
		return fmt.Sprint(v)
	}
}

func normalizeDNString(value string) string {
	// A Caser is stateful, so each call gets its own.
	prepared := cases.Fold().String(norm.NFKC.String(value))
	return strings.Join(strings.Fields(prepared), " ")
}

// parseName decodes a DER distinguished name for display.
func parseName(raw []byte) pkix.Name {
	var name pkix.Name
	var rdns pkix.RDNSequence
	if _, err := asn1.Unmarshal(raw, &rdns); err == nil {
		name.FillFromRDNSequence(&rdns)
	}
	return name
}
