package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const headerSize = 24

// Marshal encodes the filter as a 24-byte little-endian header (numBits,
// numHashes, count) followed by the snappy-compressed bit array.
func (f *Filter) Marshal() []byte {
	raw := make([]byte, len(f.bits)*8)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], word)
	}
	compressed := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[headerSize:], compressed)
	return buf
}

// Unmarshal reconstructs a filter produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, errors.New("bloom: serialized data too short")
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])
	if numBits == 0 || numHashes == 0 || numBits%64 != 0 {
		return nil, errors.New("bloom: invalid filter parameters")
	}

	raw, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decompress failed: %w", err)
	}
	numWords := numBits / 64
	if uint64(len(raw)) != numWords*8 {
		return nil, fmt.Errorf("bloom: expected %d bytes of bits, got %d", numWords*8, len(raw))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes, count: count}, nil
}
