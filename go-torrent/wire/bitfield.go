package wire

import (
	bitmap "github.com/boljen/go-bitmap"
)

// PackBitfield encodes the first n bits of has with piece 0 in the most
// significant bit of the first byte.
func PackBitfield(has bitmap.Bitmap, n int) []byte {
	b := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if has.Get(i) {
			b[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return b
}

// UnpackBitfield decodes a wire bitfield into a bitmap of n pieces. Spare
// bits past n are ignored.
func UnpackBitfield(b []byte, n int) bitmap.Bitmap {
	has := bitmap.New(n)
	for i := 0; i < n && i/8 < len(b); i++ {
		if b[i/8]&(0x80>>uint(i%8)) != 0 {
			has.Set(i, true)
		}
	}
	return has
}
