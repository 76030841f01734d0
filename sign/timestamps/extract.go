package timestamps

import (
	"iter"

	"github.com/georgepadayatti/tstcheck/sign/cms"
)

// Extract lazily decodes the timestamp tokens carried by si's
// signature-timestamp attributes. Attributes are visited in encoded order and
// every value of an attribute is yielded in encoded order. A decode failure
// is yielded once and ends the sequence: the remaining tokens of that signer
// info are not analyzed.
func Extract(si *cms.SignerInfo) iter.Seq2[*TimestampToken, error] {
	return func(yield func(*TimestampToken, error) bool) {
		for _, attr := range si.TimestampAttributes() {
			for _, value := range attr.Values {
				token, err := ParseTimestampToken(value.FullBytes)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(token, nil) {
					return
				}
			}
		}
	}
}
