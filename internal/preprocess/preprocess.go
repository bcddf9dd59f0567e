// Package preprocess turns a decoded submission image into the ordered
// OCR variant sequence. Variants are tried in order by the provider
// layer, so cheaper representations come first.
package preprocess

import (
	"image"
	"image/color"
	"math"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// Options gate the variant sequence.
type Options struct {
	Denoise       bool
	Binarize      bool
	Sharpen       bool
	Superres      bool
	MaxLongEdgePx int
}

// Variant is one preprocessed rendering of the source image.
type Variant struct {
	Name  string
	Image image.Image
}

const (
	// superresMinLongEdge gates cubic up-scaling of small captures.
	superresMinLongEdge = 1000

	claheTiles = 8
	claheClip  = 2.0

	adaptiveWindow = 31
	adaptiveOffset = 5
)

// Variants renders the ordered variant sequence: the scaled original,
// a CLAHE-enhanced grayscale, a denoised and sharpened grayscale, and
// an adaptive-threshold binary with deskew. The latter two are gated
// on their options.
func Variants(src image.Image, opts Options) []Variant {
	if opts.MaxLongEdgePx <= 0 {
		opts.MaxLongEdgePx = 1920
	}

	if opts.Superres && longEdge(src.Bounds()) < superresMinLongEdge {
		log.WithFields(log.Fields{"long_edge": longEdge(src.Bounds())}).
			Debug("applying super-resolution upscale")
		src = unsharpColor(scaleBy(src, 2.0))
	}

	var scaled = scaleToCap(src, opts.MaxLongEdgePx)
	var out = []Variant{{Name: "scaled", Image: scaled}}

	var gray = toGray(scaled)
	out = append(out, Variant{Name: "clahe", Image: clahe(gray, claheTiles, claheClip)})

	if opts.Denoise || opts.Sharpen {
		var img = gray
		if opts.Denoise {
			img = median3(img)
		}
		if opts.Sharpen {
			img = unsharp(img)
		}
		out = append(out, Variant{Name: "denoise_sharpen", Image: img})
	}

	if opts.Binarize {
		var bin = adaptiveThreshold(unsharp(gray), adaptiveWindow, adaptiveOffset)
		out = append(out, Variant{Name: "binary_deskew", Image: deskew(bin)})
	}
	return out
}

func longEdge(b image.Rectangle) int {
	if b.Dx() > b.Dy() {
		return b.Dx()
	}
	return b.Dy()
}

// scaleToCap downsamples so the long edge does not exceed |maxEdge|.
// Images already within the cap pass through untouched.
func scaleToCap(src image.Image, maxEdge int) image.Image {
	var edge = longEdge(src.Bounds())
	if edge <= maxEdge {
		return src
	}
	return scaleBy(src, float64(maxEdge)/float64(edge))
}

func scaleBy(src image.Image, factor float64) image.Image {
	var b = src.Bounds()
	var w = int(math.Round(float64(b.Dx()) * factor))
	var h = int(math.Round(float64(b.Dy()) * factor))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	var dst = image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	var b = src.Bounds()
	var dst = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// clahe applies contrast-limited adaptive histogram equalization over a
// tile grid, with bilinear interpolation between neighboring tile
// mappings to avoid block seams.
func clahe(src *image.Gray, tiles int, clip float64) *image.Gray {
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()
	if w < tiles || h < tiles {
		return src
	}

	var tileW = (w + tiles - 1) / tiles
	var tileH = (h + tiles - 1) / tiles
	var clipLimit = int(clip * float64(tileW*tileH) / 256.0)
	if clipLimit < 1 {
		clipLimit = 1
	}

	// Per-tile clipped-histogram lookup tables.
	var luts = make([][256]uint8, tiles*tiles)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			var x0, y0 = tx * tileW, ty * tileH
			var x1, y1 = x0 + tileW, y0 + tileH
			if x1 > w {
				x1 = w
			}
			if y1 > h {
				y1 = h
			}

			var hist [256]int
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[src.GrayAt(b.Min.X+x, b.Min.Y+y).Y]++
				}
			}

			var excess int
			for i := range hist {
				if hist[i] > clipLimit {
					excess += hist[i] - clipLimit
					hist[i] = clipLimit
				}
			}
			var redistribute = excess / 256
			for i := range hist {
				hist[i] += redistribute
			}
			// Spread the integer-division remainder so the histogram
			// keeps its full mass.
			for i := 0; i < excess%256; i++ {
				hist[i]++
			}

			var total = (x1 - x0) * (y1 - y0)
			var cdf int
			var lut = &luts[ty*tiles+tx]
			for i := range hist {
				cdf += hist[i]
				lut[i] = uint8(255 * cdf / total)
			}
		}
	}

	var dst = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		// Fractional tile coordinates of the pixel center.
		var fy = (float64(y)+0.5)/float64(tileH) - 0.5
		var ty0 = int(math.Floor(fy))
		var wy = fy - float64(ty0)
		var ty1 = clampTile(ty0+1, tiles)
		ty0 = clampTile(ty0, tiles)

		for x := 0; x < w; x++ {
			var fx = (float64(x)+0.5)/float64(tileW) - 0.5
			var tx0 = int(math.Floor(fx))
			var wx = fx - float64(tx0)
			var tx1 = clampTile(tx0+1, tiles)
			tx0 = clampTile(tx0, tiles)

			var v = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			var top = (1-wx)*float64(luts[ty0*tiles+tx0][int(v)]) + wx*float64(luts[ty0*tiles+tx1][int(v)])
			var bot = (1-wx)*float64(luts[ty1*tiles+tx0][int(v)]) + wx*float64(luts[ty1*tiles+tx1][int(v)])
			dst.SetGray(x, y, color.Gray{Y: clampByte((1-wy)*top + wy*bot)})
		}
	}
	return dst
}

func clampTile(t, tiles int) int {
	if t < 0 {
		return 0
	}
	if t >= tiles {
		return tiles - 1
	}
	return t
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// median3 is a 3x3 median filter, the cheap denoise for salt-and-pepper
// camera noise.
func median3(src *image.Gray) *image.Gray {
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()
	var dst = image.NewGray(image.Rect(0, 0, w, h))
	var window [9]uint8

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var n = 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					var sx, sy = x + dx, y + dy
					if sx < 0 || sy < 0 || sx >= w || sy >= h {
						continue
					}
					window[n] = src.GrayAt(b.Min.X+sx, b.Min.Y+sy).Y
					n++
				}
			}
			dst.SetGray(x, y, color.Gray{Y: medianOf(window[:n])})
		}
	}
	return dst
}

func medianOf(vals []uint8) uint8 {
	// Insertion sort: the window never exceeds nine samples.
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
	return vals[len(vals)/2]
}

// unsharp sharpens by subtracting a Gaussian blur: out = 1.5*src - 0.5*blur.
func unsharp(src *image.Gray) *image.Gray {
	var blurred = gaussianBlur(src)
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()
	var dst = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v = 1.5*float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) -
				0.5*float64(blurred.GrayAt(x, y).Y)
			dst.SetGray(x, y, color.Gray{Y: clampByte(v)})
		}
	}
	return dst
}

func unsharpColor(src image.Image) image.Image {
	return unsharp(toGray(src))
}

// gaussianBlur is a separable 5-tap blur with sigma near 1.0.
func gaussianBlur(src *image.Gray) *image.Gray {
	var kernel = [5]float64{0.0614, 0.2448, 0.3877, 0.2448, 0.0614}
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()

	var tmp = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				var sx = clampInt(x+k, 0, w-1)
				sum += kernel[k+2] * float64(src.GrayAt(b.Min.X+sx, b.Min.Y+y).Y)
			}
			tmp.SetGray(x, y, color.Gray{Y: clampByte(sum)})
		}
	}

	var dst = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				var sy = clampInt(y+k, 0, h-1)
				sum += kernel[k+2] * float64(tmp.GrayAt(x, sy).Y)
			}
			dst.SetGray(x, y, color.Gray{Y: clampByte(sum)})
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// adaptiveThreshold binarizes against the local mean over |window|,
// offset by |c|. The local mean comes from an integral image so the
// pass is linear in pixels.
func adaptiveThreshold(src *image.Gray, window, c int) *image.Gray {
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()
	var half = window / 2

	// integral[y][x] holds the sum over the rectangle [0,x) x [0,y).
	var integral = make([][]int64, h+1)
	integral[0] = make([]int64, w+1)
	for y := 0; y < h; y++ {
		integral[y+1] = make([]int64, w+1)
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			integral[y+1][x+1] = integral[y][x+1] + rowSum
		}
	}

	var dst = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		var y0, y1 = clampInt(y-half, 0, h-1), clampInt(y+half, 0, h-1)
		for x := 0; x < w; x++ {
			var x0, x1 = clampInt(x-half, 0, w-1), clampInt(x+half, 0, w-1)
			var area = int64((x1 - x0 + 1) * (y1 - y0 + 1))
			var sum = integral[y1+1][x1+1] - integral[y0][x1+1] -
				integral[y1+1][x0] + integral[y0][x0]
			var mean = sum / area

			if int64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) > mean-int64(c) {
				dst.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return dst
}

// deskew estimates the text skew by maximizing the variance of dark-pixel
// row profiles over a small angle sweep, then rotates to correct it.
func deskew(bin *image.Gray) *image.Gray {
	var bestAngle, bestScore = 0.0, rowProfileScore(bin, 0)
	for angle := -3.0; angle <= 3.0; angle += 0.5 {
		if angle == 0 {
			continue
		}
		if score := rowProfileScore(bin, angle); score > bestScore {
			bestAngle, bestScore = angle, score
		}
	}
	if bestAngle == 0 {
		return bin
	}
	return rotate(bin, bestAngle)
}

// rowProfileScore sums squared per-row dark-pixel counts under a trial
// rotation. Aligned text concentrates dark pixels into few rows, which
// maximizes the sum of squares.
func rowProfileScore(bin *image.Gray, degrees float64) float64 {
	var b = bin.Bounds()
	var w, h = b.Dx(), b.Dy()
	var rad = degrees * math.Pi / 180
	var sin, cos = math.Sin(rad), math.Cos(rad)
	var cx, cy = float64(w) / 2, float64(h) / 2

	var rows = make([]float64, h)
	// Sampling a quarter of the pixels keeps the sweep cheap.
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y >= 128 {
				continue
			}
			var ry = -sin*(float64(x)-cx) + cos*(float64(y)-cy) + cy
			var iy = int(ry)
			if iy >= 0 && iy < h {
				rows[iy]++
			}
		}
	}

	var score float64
	for _, n := range rows {
		score += n * n
	}
	return score
}

func rotate(src *image.Gray, degrees float64) *image.Gray {
	var b = src.Bounds()
	var w, h = b.Dx(), b.Dy()
	var rad = degrees * math.Pi / 180
	var sin, cos = math.Sin(rad), math.Cos(rad)
	var cx, cy = float64(w) / 2, float64(h) / 2

	var dst = image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Inverse mapping with edge replication.
			var sx = cos*(float64(x)-cx) + sin*(float64(y)-cy) + cx
			var sy = -sin*(float64(x)-cx) + cos*(float64(y)-cy) + cy
			var ix = clampInt(int(math.Round(sx)), 0, w-1)
			var iy = clampInt(int(math.Round(sy)), 0, h-1)
			dst.SetGray(x, y, color.Gray{Y: src.GrayAt(b.Min.X+ix, b.Min.Y+iy).Y})
		}
	}
	return dst
}
