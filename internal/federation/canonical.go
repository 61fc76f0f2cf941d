// Package federation implements the server-to-server transaction plane:
// canonical-JSON signing and verification, idempotent inbound PDU
// ingestion, and a per-destination outbound queue with retry and backoff.
package federation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize produces a deterministic JSON encoding: object keys sorted
// ascending, no insignificant whitespace, strings normalized to UTF-8 NFC,
// and integers encoded without exponents. It is used both as signature
// input and as the content-hash input.
func Canonicalize(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("federation: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("federation: unmarshal for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeCanonicalString(buf, val)
	case json.Number:
		buf.WriteString(canonicalNumber(val))
	case float64:
		buf.WriteString(canonicalNumber(json.Number(formatFloat(val))))
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("federation: unsupported canonical type %T", v)
	}
	return nil
}

func encodeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	b, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// canonicalNumber strips a trailing ".0" fractional part and exponent
// notation so integer-valued numbers serialize without a decimal point.
func canonicalNumber(n json.Number) string {
	s := n.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		return s
	}
	// Re-render via formatFloat rather than attempt exponent expansion by
	// hand; whole-number values come out as plain integers.
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// ContentHash, the base64url(SHA-256(canonical-JSON)) digest built on
// Canonicalize, lives in signer.go alongside the rest of the crypto
// surface, keeping this file focused on pure encoding.
