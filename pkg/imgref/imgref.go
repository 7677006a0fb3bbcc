// Package imgref implements ImageRef, the opaque handle to a decoded
// frame that the rest of the engine matches needles against. Similarity
// and template search are hand-rolled here (see DESIGN.md): no library in
// the retrieval pack implements the exact 0..10000, higher-is-more-similar
// contract spec.md delegates to "the image library".
package imgref

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

// Candidate is one needle that was searched for and did not match during
// a match attempt.
type Candidate struct {
	Name string
	Area image.Rectangle
}

// Needle is the minimal shape ImageRef.Search needs from a needle: a name
// for diagnostics and a reference sub-image to compare against.
type Needle struct {
	Name  string
	Image image.Image
	Area  image.Rectangle
}

// ImageRef is a decoded frame. Once constructed it is immutable; Scale
// returns a new ImageRef rather than mutating in place.
type ImageRef struct {
	img image.Image
}

// New wraps a decoded image.Image as an ImageRef.
func New(img image.Image) *ImageRef {
	return &ImageRef{img: img}
}

// Decode reads and decodes a PNG frame from path.
func Decode(path string) (*ImageRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return New(img), nil
}

// Image exposes the underlying decoded image.
func (r *ImageRef) Image() image.Image {
	return r.img
}

// Scale returns a new ImageRef resized to w×h using bilinear
// interpolation.
func (r *ImageRef) Scale(w, h int) *ImageRef {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), r.img, r.img.Bounds(), xdraw.Over, nil)
	return New(dst)
}

// Write encodes the frame as a PNG at path.
func (r *ImageRef) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, r.img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// Similarity returns a 0..10000 scalar: 10000 means pixel-identical (after
// normalizing to a common size), 0 means maximally different. The scale is
// monotone and symmetric in its two arguments.
func Similarity(a, b *ImageRef) int {
	if a == nil || b == nil {
		return 0
	}

	const sampleW, sampleH = 64, 48
	sa := a.Scale(sampleW, sampleH)
	sb := b.Scale(sampleW, sampleH)

	var total, diff int64
	for y := 0; y < sampleH; y++ {
		for x := 0; x < sampleW; x++ {
			ra, ga, ba, _ := sa.img.At(x, y).RGBA()
			rb, gb, bb, _ := sb.img.At(x, y).RGBA()
			diff += absDiff16(ra, rb) + absDiff16(ga, gb) + absDiff16(ba, bb)
			total += 3 * 0xffff
		}
	}
	if total == 0 {
		return 10000
	}
	// diff/total is in [0,1]; invert and scale to 0..10000.
	sim := 10000 - int((diff*10000)/total)
	if sim < 0 {
		sim = 0
	}
	if sim > 10000 {
		sim = 10000
	}
	return sim
}

func absDiff16(a, b uint32) int64 {
	if a > b {
		return int64(a - b)
	}
	return int64(b - a)
}

// SearchResult is the outcome of Search: which needle (if any) matched,
// and the needles that were attempted and did not match.
type SearchResult struct {
	Found            *Needle
	FailedCandidates []Candidate
}

// Search compares the frame against each needle's reference area, in
// order, stopping at the first needle whose similarity meets threshold.
// ratio controls how much of needles is actually searched: 1.0 searches
// all of them, smaller ratios search only the leading fraction (a cheap
// partial search), matching the adaptive cost model in spec.md §4.3.
func Search(frame *ImageRef, needles []Needle, threshold int, ratio float64) SearchResult {
	n := len(needles)
	if ratio < 1.0 {
		n = int(float64(len(needles)) * ratio)
		if n == 0 && len(needles) > 0 {
			n = 1
		}
	}

	result := SearchResult{}
	for i := 0; i < n && i < len(needles); i++ {
		needle := needles[i]
		crop := cropOrWhole(frame.img, needle.Area)
		sim := Similarity(New(crop), New(needle.Image))
		if sim >= scoreForThreshold(threshold) {
			found := needle
			result.Found = &found
			return result
		}
		result.FailedCandidates = append(result.FailedCandidates, Candidate{
			Name: needle.Name,
			Area: needle.Area,
		})
	}
	return result
}

// scoreForThreshold maps the caller's threshold argument onto the
// internal 0..10000 scale: 0 (what the assert engine always passes) or a
// negative value selects the fixed default of 9000. A positive threshold
// is honored verbatim.
func scoreForThreshold(threshold int) int {
	if threshold <= 0 {
		return 9000
	}
	return threshold
}

func cropOrWhole(img image.Image, area image.Rectangle) image.Image {
	if area.Empty() {
		return img
	}
	bounds := area.Intersect(img.Bounds())
	if bounds.Empty() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}
