// Package dedupe rejects near-duplicate images by perceptual hash.
package dedupe

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"

	"github.com/corona10/goimagehash"
)

// Fingerprint is a hash_bits-wide perceptual hash of one image.
type Fingerprint = goimagehash.ExtImageHash

// Deduper holds the fingerprints of accepted images and tests candidates
// against them under a Hamming threshold. The set lives for one run.
type Deduper struct {
	mu        sync.RWMutex
	seen      []*Fingerprint
	side      int
	threshold int
}

// New builds a deduper. hashBits must be a perfect square (the hash is
// computed over a side×side DCT block).
func New(hashBits, threshold int) (*Deduper, error) {
	side := int(math.Sqrt(float64(hashBits)))
	if side*side != hashBits || side == 0 {
		return nil, fmt.Errorf("hash_bits %d is not a positive perfect square", hashBits)
	}
	return &Deduper{side: side, threshold: threshold}, nil
}

// Fingerprint computes the perceptual hash of an encoded image.
func (d *Deduper) Fingerprint(data []byte) (*Fingerprint, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image for fingerprint: %w", err)
	}
	fp, err := goimagehash.ExtPerceptionHash(img, d.side, d.side)
	if err != nil {
		return nil, fmt.Errorf("perception hash: %w", err)
	}
	return fp, nil
}

// Seen reports whether the fingerprint is within threshold of any accepted
// one.
func (d *Deduper) Seen(fp *Fingerprint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seenLocked(fp)
}

// Add records an accepted fingerprint.
func (d *Deduper) Add(fp *Fingerprint) {
	d.mu.Lock()
	d.seen = append(d.seen, fp)
	d.mu.Unlock()
}

// Len reports the number of accepted fingerprints.
func (d *Deduper) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen)
}

func (d *Deduper) seenLocked(fp *Fingerprint) bool {
	for _, h := range d.seen {
		dist, err := fp.Distance(h)
		if err != nil {
			continue
		}
		if dist <= d.threshold {
			return true
		}
	}
	return false
}
