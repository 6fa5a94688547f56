// Package blockcodec compresses fixed-size posting blocks.
//
// The codec is opaque to its callers: they pre-allocate MaxEncodedLen
// bytes and treat any failure as fatal. Falling back to storing a block
// uncompressed after a compression error is not an option, because the
// decoder would then mis-parse the stream.
package blockcodec

import (
	"github.com/klauspost/compress/s2"
	"golang.org/x/xerrors"
)

// expansionBound is the guaranteed ceiling on how much a block may grow
// when compressed. Callers size their output buffers against it.
const expansionBound = 2

// MaxEncodedLen returns an upper bound on the compressed size of a block
// of srcLen bytes.
func MaxEncodedLen(srcLen int) int {
	if n := s2.MaxEncodedLen(srcLen); n > 0 && n <= expansionBound*srcLen+32 {
		return n
	}
	return expansionBound*srcLen + 32
}

// Compress encodes src into dst (which is grown as needed) and returns
// the encoded block. The encoded block exceeding the expansion bound is
// reported as an error.
func Compress(dst, src []byte) ([]byte, error) {
	out := s2.Encode(dst[:0], src)
	if len(out) > MaxEncodedLen(len(src)) {
		return nil, xerrors.Errorf("blockcodec: compressed %d bytes to %d, exceeding the expansion bound", len(src), len(out))
	}
	return out, nil
}

// Decompress decodes src into dst (which is grown as needed) and returns
// the decoded block.
func Decompress(dst, src []byte) ([]byte, error) {
	out, err := s2.Decode(dst[:0], src)
	if err != nil {
		return nil, xerrors.Errorf("blockcodec: corrupt block: %w", err)
	}
	return out, nil
}

// DecodedLen reports the decoded size of the block in src without
// decoding it.
func DecodedLen(src []byte) (int, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return 0, xerrors.Errorf("blockcodec: corrupt block header: %w", err)
	}
	return n, nil
}
