package corvid

import "bytes"

// RevID is a revision identifier: bytes of the form "G-S" where G is a
// decimal generation and S is a digest suffix, or an arbitrary non-proper
// byte string that is still accepted but only compared byte-for-byte.
type RevID []byte

const maxGenerationDigits = 8

// ParseRevID splits a revision ID into its generation and digest, and
// reports whether it is a proper "G-S" identifier. Non-proper IDs (no
// dash, empty digest, generation out of 1..99999999, or non-digit
// generation) return ok == false; callers still hold on to the raw bytes
// for byte comparison.
func ParseRevID(revID []byte) (generation int, digest []byte, ok bool) {
	dash := bytes.IndexByte(revID, '-')
	if dash <= 0 || dash > maxGenerationDigits {
		return 0, nil, false
	}
	digest = revID[dash+1:]
	if len(digest) == 0 {
		return 0, nil, false
	}
	gen := 0
	for _, c := range revID[:dash] {
		if c < '0' || c > '9' {
			return 0, nil, false
		}
		gen = gen*10 + int(c-'0')
	}
	if gen <= 0 {
		return 0, nil, false
	}
	return gen, digest, true
}

// FormatRevID renders a proper "G-S" revision ID from a generation and
// digest suffix.
func FormatRevID(generation int, digest []byte) RevID {
	out := []byte(nil)
	out = appendDecimal(out, generation)
	out = append(out, '-')
	out = append(out, digest...)
	return out
}

func appendDecimal(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// CompareRevID orders two revision IDs the way spec §3 requires: proper IDs
// compare by generation numerically, then by digest byte-lexicographically;
// non-proper IDs (either side) fall back to whole-string byte comparison.
func CompareRevID(a, b []byte) int {
	genA, digA, okA := ParseRevID(a)
	genB, digB, okB := ParseRevID(b)
	if !okA || !okB {
		return bytes.Compare(a, b)
	}
	if genA != genB {
		if genA < genB {
			return -1
		}
		return 1
	}
	return bytes.Compare(digA, digB)
}
