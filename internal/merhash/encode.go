package merhash

import (
	"fmt"
	"strings"

	streamerrors "github.com/tamirms/kmerindex/errors"
)

// Encode packs an ACGT string into its 2-bit form, first base most
// significant: A=0, C=1, G=2, T=3. Lower case is accepted.
func Encode(s string) (uint64, error) {
	if len(s) == 0 || len(s) > MaxMerSize {
		return 0, fmt.Errorf("%w: mer length %d outside [1, %d]", streamerrors.ErrConfig, len(s), MaxMerSize)
	}
	var mer uint64
	for i := 0; i < len(s); i++ {
		var code uint64
		switch s[i] {
		case 'A', 'a':
			code = 0
		case 'C', 'c':
			code = 1
		case 'G', 'g':
			code = 2
		case 'T', 't':
			code = 3
		default:
			return 0, fmt.Errorf("%w: base %q at offset %d in %q", streamerrors.ErrMerOutOfRange, s[i], i, s)
		}
		mer = mer<<2 | code
	}
	return mer, nil
}

// Decode renders the low 2*merSize bits of mer as an ACGT string.
func Decode(mer uint64, merSize uint) string {
	const bases = "ACGT"
	var sb strings.Builder
	sb.Grow(int(merSize))
	for i := int(merSize) - 1; i >= 0; i-- {
		sb.WriteByte(bases[(mer>>(2*uint(i)))&3])
	}
	return sb.String()
}
