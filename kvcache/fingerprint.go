package kvcache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// fingerprint computes H(model_key, domain, quant_scheme,
// content_tokens), the key concurrent and repeat ingests are deduped on.
// Shaped after other_examples' kvblock.Key ("%s@%d"-style composite
// key), but folded through xxhash rather than formatted as a string —
// content_tokens can be large and we want a short key (the 64-bit hash
// in hex, at most 16 characters) for the descriptor table.
func fingerprint(modelKey, domain, quantScheme string, contentTokens []int32) string {
	h := xxhash.New()
	h.WriteString(modelKey)
	h.Write([]byte{0})
	h.WriteString(domain)
	h.Write([]byte{0})
	h.WriteString(quantScheme)
	h.Write([]byte{0})
	buf := make([]byte, 0, 4)
	for _, tok := range contentTokens {
		buf = buf[:0]
		buf = appendInt32LE(buf, tok)
		h.Write(buf)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func appendInt32LE(buf []byte, v int32) []byte {
	u := uint32(v)
	return append(buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}
