// Package bloom provides per-data-file membership filters over a table's
// match-key values. A merge consults them to skip files that cannot hold any
// of the staged keys.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter over encoded key strings. It has no false
// negatives: a key that was added always reports MayContain true.
// A Filter is not safe for concurrent Add; reads after building are.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the given number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewForKeys sizes a filter for n keys at the target false positive rate.
func NewForKeys(n int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(n, targetFPR)
	return New(numBits, numHashes)
}

// Build returns a filter holding every key in keys.
func Build(keys []string, targetFPR float64) *Filter {
	f := NewForKeys(len(keys), targetFPR)
	for _, k := range keys {
		f.Add(k)
	}
	return f
}

// OptimalParameters calculates the number of bits and hash functions for n
// expected items at false positive rate p:
//
//	m = -n * ln(p) / (ln(2)^2)
//	k = (m/n) * ln(2)
func OptimalParameters(n int, p float64) (numBits, numHashes int) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / float64(n)) * math.Ln2))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add inserts a key.
func (f *Filter) Add(key string) {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports whether the key might have been added.
func (f *Filter) MayContain(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// MayContainAny reports whether any of the keys might have been added.
func (f *Filter) MayContainAny(keys []string) bool {
	for _, k := range keys {
		if f.MayContain(k) {
			return true
		}
	}
	return false
}

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	return f.count
}

// NumBits returns the size of the bit array.
func (f *Filter) NumBits() int {
	return int(f.numBits)
}

// FalsePositiveRate estimates the current false positive rate as
// (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
