package ocr

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	// skewSearch is the largest rotation, in degrees, considered by deskew.
	skewSearch = 5.0
	skewStep   = 0.5
	// minSkew is the smallest detected skew worth correcting.
	minSkew = 1.0
	// skewSampleWidth is the width pages are downscaled to while searching.
	skewSampleWidth = 400
)

// Enhance prepares a poorly recognized page for a second pass: grayscale,
// percentile contrast stretch, contrast boost, sharpen, then deskew.
func Enhance(src image.Image) image.Image {
	img := imaging.Grayscale(src)
	img = stretchContrast(img, 0.01)
	img = imaging.AdjustContrast(img, 20)
	img = imaging.Sharpen(img, 1.0)

	if angle := DetectSkew(img); math.Abs(angle) >= minSkew {
		img = imaging.Rotate(img, angle, color.White)
	}
	return img
}

// stretchContrast maps the [p, 1-p] luminance percentiles of a grayscale
// image onto the full 0..255 range.
func stretchContrast(img *image.NRGBA, p float64) *image.NRGBA {
	var hist [256]int
	total := 0
	for i := 0; i < len(img.Pix); i += 4 {
		hist[img.Pix[i]]++
		total++
	}
	if total == 0 {
		return img
	}

	lo, hi := percentile(hist, total, p), percentile(hist, total, 1-p)
	if hi <= lo {
		return img
	}
	scale := 255.0 / float64(hi-lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		v := uint8(math.Round(min(max(float64(int(c.R)-lo)*scale, 0), 255)))
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

func percentile(hist [256]int, total int, p float64) int {
	target := int(math.Ceil(p * float64(total)))
	seen := 0
	for v, n := range hist {
		seen += n
		if seen >= target && seen > 0 {
			return v
		}
	}
	return 255
}

// DetectSkew returns the rotation in degrees (counter-clockwise) that best
// straightens the text lines of img, using a horizontal projection profile.
func DetectSkew(img image.Image) float64 {
	sample := imaging.Grayscale(img)
	if sample.Bounds().Dx() > skewSampleWidth {
		sample = imaging.Resize(sample, skewSampleWidth, 0, imaging.Box)
	}

	type candidate struct {
		angle float64
		score float64
	}
	var candidates []candidate
	for a := -skewSearch; a <= skewSearch+1e-9; a += skewStep {
		rotated := sample
		if a != 0 {
			rotated = imaging.Rotate(sample, a, color.White)
		}
		candidates = append(candidates, candidate{angle: a, score: profileScore(rotated)})
	}

	// Highest score wins; among equals the smallest correction.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return math.Abs(candidates[i].angle) < math.Abs(candidates[j].angle)
	})
	return candidates[0].angle
}

// profileScore sums squared differences between adjacent row ink counts;
// aligned text lines give sharp peaks and a high score.
func profileScore(img *image.NRGBA) float64 {
	b := img.Bounds()
	prev := -1
	var score float64
	for y := 0; y < b.Dy(); y++ {
		ink := 0
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			if row[x+3] > 0 && row[x] < 128 {
				ink++
			}
		}
		if prev >= 0 {
			d := float64(ink - prev)
			score += d * d
		}
		prev = ink
	}
	return score
}
