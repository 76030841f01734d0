package cms

import (
	"errors"
	"fmt"
)

// maxBERDepth bounds nesting so hostile input cannot exhaust the stack.
const maxBERDepth = 64

var (
	errBERTruncated = errors.New("ber: truncated element")
	errBERTooDeep   = errors.New("ber: nesting too deep")
)

const (
	tagOctetString            = 0x04
	tagConstructedOctetString = 0x24
)

// NormalizeBER converts a single BER element to DER length form. Indefinite
// lengths become definite, long-form lengths become minimal and constructed
// OCTET STRINGs are flattened. Primitive contents are copied unchanged, so
// DER input comes back byte-identical. The bytes following the element are
// returned as rest.
func NormalizeBER(data []byte) (der []byte, rest []byte, err error) {
	return normalizeElement(data, 0)
}

func normalizeElement(b []byte, depth int) ([]byte, []byte, error) {
	if depth > maxBERDepth {
		return nil, nil, errBERTooDeep
	}
	if len(b) < 2 {
		return nil, nil, errBERTruncated
	}

	identLen := 1
	if b[0]&0x1f == 0x1f {
		for {
			if identLen >= len(b) {
				return nil, nil, errBERTruncated
			}
			c := b[identLen]
			identLen++
			if c&0x80 == 0 {
				break
			}
		}
	}
	if identLen >= len(b) {
		return nil, nil, errBERTruncated
	}
	ident := b[:identLen]
	constructed := b[0]&0x20 != 0

	lengthByte := b[identLen]
	offset := identLen + 1

	if lengthByte == 0x80 {
		if !constructed {
			return nil, nil, fmt.Errorf("ber: indefinite length on primitive tag 0x%02x", b[0])
		}
		content := b[offset:]
		var children [][]byte
		for {
			if len(content) < 2 {
				return nil, nil, errBERTruncated
			}
			if content[0] == 0 && content[1] == 0 {
				content = content[2:]
				break
			}
			child, rest, err := normalizeElement(content, depth+1)
			if err != nil {
				return nil, nil, err
			}
			children = append(children, child)
			content = rest
		}
		der, err := assemble(ident, children)
		return der, content, err
	}

	length := 0
	if lengthByte&0x80 == 0 {
		length = int(lengthByte)
	} else {
		n := int(lengthByte & 0x7f)
		if n > 4 {
			return nil, nil, fmt.Errorf("ber: length of %d bytes not supported", n)
		}
		if offset+n > len(b) {
			return nil, nil, errBERTruncated
		}
		for _, c := range b[offset : offset+n] {
			length = length<<8 | int(c)
		}
		offset += n
	}
	if length < 0 || offset+length > len(b) {
		return nil, nil, errBERTruncated
	}
	body := b[offset : offset+length]
	rest := b[offset+length:]

	if !constructed {
		out := make([]byte, 0, len(ident)+5+len(body))
		out = append(out, ident...)
		out = appendLength(out, len(body))
		out = append(out, body...)
		return out, rest, nil
	}

	var children [][]byte
	for len(body) > 0 {
		child, r, err := normalizeElement(body, depth+1)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, child)
		body = r
	}
	der, err := assemble(ident, children)
	return der, rest, err
}

// assemble encodes a constructed element from already normalized children.
func assemble(ident []byte, children [][]byte) ([]byte, error) {
	if len(ident) == 1 && ident[0] == tagConstructedOctetString {
		var content []byte
		for _, child := range children {
			if child[0] != tagOctetString {
				return nil, fmt.Errorf("ber: constructed OCTET STRING contains tag 0x%02x", child[0])
			}
			content = append(content, elementContent(child)...)
		}
		out := []byte{tagOctetString}
		out = appendLength(out, len(content))
		return append(out, content...), nil
	}

	size := 0
	for _, child := range children {
		size += len(child)
	}
	out := make([]byte, 0, len(ident)+5+size)
	out = append(out, ident...)
	out = appendLength(out, size)
	for _, child := range children {
		out = append(out, child...)
	}
	return out, nil
}

// elementContent returns the content octets of a single-byte-tag DER element.
func elementContent(der []byte) []byte {
	lengthByte := der[1]
	if lengthByte&0x80 == 0 {
		return der[2:]
	}
	return der[2+int(lengthByte&0x7f):]
}

func appendLength(out []byte, length int) []byte {
	if length < 0x80 {
		return append(out, byte(length))
	}
	var buf [4]byte
	n := 0
	for l := length; l > 0; l >>= 8 {
		n++
	}
	for i := 0; i < n; i++ {
		buf[i] = byte(length >> (8 * (n - 1 - i)))
	}
	out = append(out, 0x80|byte(n))
	return append(out, buf[:n]...)
}
