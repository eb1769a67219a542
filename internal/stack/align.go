package stack

import (
	"context"
	"errors"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"astrostack/internal/frame"
)

// ErrAlignment is returned when a frame cannot be registered against the
// reference: too few detected stars, no consistent offset, or a cancelled
// registration attempt. Callers fold the frame in unaligned.
var ErrAlignment = errors.New("alignment failed")

// AlignConfig tunes star-based registration.
type AlignConfig struct {
	MaxStars       int     // brightest centroids considered per frame
	MinStars       int     // below this, registration fails
	DetectSigma    float64 // detection threshold above background, in std devs
	MaxRotationDeg float64 // rotation scan half-width; 0 disables rotation
}

func (c AlignConfig) withDefaults() AlignConfig {
	if c.MaxStars <= 0 {
		c.MaxStars = 40
	}
	if c.MinStars <= 0 {
		c.MinStars = 3
	}
	if c.DetectSigma <= 0 {
		c.DetectSigma = 3.0
	}
	return c
}

// Aligner registers incoming frames against a reference frame using star
// centroids: a translation is voted from centroid pair offsets, then a
// small rotation scan refines the fit. The transform is applied with
// Catmull-Rom resampling.
type Aligner struct {
	cfg      AlignConfig
	ref      *frame.Frame
	refStars []star
}

func NewAligner(cfg AlignConfig) *Aligner {
	return &Aligner{cfg: cfg.withDefaults()}
}

// HasReference reports whether a reference frame has been set.
func (a *Aligner) HasReference() bool { return a.ref != nil }

// SetReference installs f as the registration target for subsequent
// frames and extracts its star centroids.
func (a *Aligner) SetReference(f *frame.Frame) {
	a.ref = f
	a.refStars = detectStars(f.Gray(), f.Width, f.Height, a.cfg.MaxStars, a.cfg.DetectSigma)
}

// Reset drops the reference so the next stack starts fresh.
func (a *Aligner) Reset() {
	a.ref = nil
	a.refStars = nil
}

// Register aligns f to the current reference and returns the transformed
// copy. The context bounds the registration attempt.
func (a *Aligner) Register(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if a.ref == nil {
		return nil, errors.New("no reference frame")
	}
	if !f.SameShape(a.ref) {
		return nil, frame.ErrDimensionMismatch
	}
	if len(a.refStars) < a.cfg.MinStars {
		return nil, ErrAlignment
	}

	stars := detectStars(f.Gray(), f.Width, f.Height, a.cfg.MaxStars, a.cfg.DetectSigma)
	if len(stars) < a.cfg.MinStars {
		return nil, ErrAlignment
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrAlignment
	}

	dx, dy, matched := voteTranslation(a.refStars, stars)
	if matched < a.cfg.MinStars {
		return nil, ErrAlignment
	}

	theta := 0.0
	if a.cfg.MaxRotationDeg > 0 {
		theta = a.scanRotation(ctx, stars, dx, dy)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrAlignment
	}

	m := translationMatrix(dx, dy)
	if theta != 0 {
		cx := float64(f.Width) / 2
		cy := float64(f.Height) / 2
		m = matMul(rotateAbout(theta, cx+dx, cy+dy), m)
	}
	return applyTransform(f, m), nil
}

// scanRotation tries small rotations about the translated image center
// and keeps the one minimizing the mean matched-star distance.
func (a *Aligner) scanRotation(ctx context.Context, stars []star, dx, dy float64) float64 {
	cx := float64(a.ref.Width) / 2
	cy := float64(a.ref.Height) / 2
	best, bestScore := 0.0, math.MaxFloat64
	step := a.cfg.MaxRotationDeg / 8
	if step <= 0 {
		return 0
	}
	for theta := -a.cfg.MaxRotationDeg; theta <= a.cfg.MaxRotationDeg+1e-9; theta += step {
		if ctx.Err() != nil {
			return best
		}
		score := a.matchScore(stars, dx, dy, theta, cx, cy)
		if score < bestScore {
			bestScore = score
			best = theta
		}
	}
	// A rotation has to beat the pure translation clearly to be worth the
	// extra resampling error.
	if noRot := a.matchScore(stars, dx, dy, 0, cx, cy); bestScore >= noRot*0.95 {
		return 0
	}
	return best
}

func (a *Aligner) matchScore(stars []star, dx, dy, thetaDeg, cx, cy float64) float64 {
	sin, cos := math.Sincos(thetaDeg * math.Pi / 180)
	total, n := 0.0, 0
	for _, s := range stars {
		x := s.x + dx
		y := s.y + dy
		rx := cx + (x-cx)*cos - (y-cy)*sin
		ry := cy + (x-cx)*sin + (y-cy)*cos
		d := nearestStarDist(a.refStars, rx, ry)
		if d < 20 {
			total += d
			n++
		}
	}
	if n == 0 {
		return math.MaxFloat64
	}
	return total / float64(n)
}

type star struct {
	x, y, flux float64
}

// detectStars finds local maxima above background + sigma*std, refines
// each to a flux-weighted centroid, and returns the brightest with a
// minimum mutual separation.
func detectStars(gray []float64, w, h, maxStars int, sigma float64) []star {
	if w < 8 || h < 8 {
		return nil
	}
	mean, std := grayStats(gray)
	thr := mean + sigma*std
	if std == 0 {
		return nil
	}

	var candidates []star
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			v := gray[y*w+x]
			if v < thr {
				continue
			}
			if !isLocalMax(gray, w, x, y, v) {
				continue
			}
			cx, cy, flux := centroid(gray, w, h, x, y, mean)
			candidates = append(candidates, star{x: cx, y: cy, flux: flux})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].flux > candidates[j].flux })

	const minSep = 8.0
	var stars []star
	for _, c := range candidates {
		tooClose := false
		for _, s := range stars {
			if math.Hypot(c.x-s.x, c.y-s.y) < minSep {
				tooClose = true
				break
			}
		}
		if !tooClose {
			stars = append(stars, c)
			if len(stars) >= maxStars {
				break
			}
		}
	}
	return stars
}

func isLocalMax(gray []float64, w, x, y int, v float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if gray[(y+dy)*w+x+dx] > v {
				return false
			}
		}
	}
	return true
}

// centroid computes the background-subtracted flux-weighted center over a
// 5x5 window.
func centroid(gray []float64, w, h, x, y int, background float64) (float64, float64, float64) {
	var sx, sy, flux float64
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			px, py := x+dx, y+dy
			if px < 0 || py < 0 || px >= w || py >= h {
				continue
			}
			v := gray[py*w+px] - background
			if v <= 0 {
				continue
			}
			sx += float64(px) * v
			sy += float64(py) * v
			flux += v
		}
	}
	if flux == 0 {
		return float64(x), float64(y), 0
	}
	return sx / flux, sy / flux, flux
}

func grayStats(gray []float64) (mean, std float64) {
	if len(gray) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range gray {
		sum += v
	}
	mean = sum / float64(len(gray))
	sumSq := 0.0
	for _, v := range gray {
		d := v - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(len(gray)))
	return mean, std
}

// voteTranslation bins the pairwise centroid offsets and returns the
// subpixel mean of the winning bin. matched is the vote count backing the
// winner; a low count means there is no consistent translation.
func voteTranslation(ref, cur []star) (dx, dy float64, matched int) {
	type bin struct{ x, y int }
	votes := map[bin]int{}
	sums := map[bin][2]float64{}
	for _, r := range ref {
		for _, c := range cur {
			ox := r.x - c.x
			oy := r.y - c.y
			b := bin{int(math.Round(ox / 2)), int(math.Round(oy / 2))}
			votes[b]++
			s := sums[b]
			sums[b] = [2]float64{s[0] + ox, s[1] + oy}
		}
	}
	var best bin
	bestCount := 0
	for b, n := range votes {
		if n > bestCount {
			bestCount = n
			best = b
		}
	}
	if bestCount == 0 {
		return 0, 0, 0
	}
	s := sums[best]
	return s[0] / float64(bestCount), s[1] / float64(bestCount), bestCount
}

func nearestStarDist(stars []star, x, y float64) float64 {
	best := math.MaxFloat64
	for _, s := range stars {
		d := math.Hypot(s.x-x, s.y-y)
		if d < best {
			best = d
		}
	}
	return best
}

// translationMatrix builds the frame-to-reference affine for a pure
// translation.
func translationMatrix(dx, dy float64) f64.Aff3 {
	return f64.Aff3{
		1, 0, dx,
		0, 1, dy,
	}
}

func rotateAbout(thetaDeg, cx, cy float64) f64.Aff3 {
	sin, cos := math.Sincos(thetaDeg * math.Pi / 180)
	return f64.Aff3{
		cos, -sin, cx - cx*cos + cy*sin,
		sin, cos, cy - cx*sin - cy*cos,
	}
}

func matMul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// applyTransform resamples each channel through the 16-bit image path
// with Catmull-Rom interpolation.
func applyTransform(f *frame.Frame, m f64.Aff3) *frame.Frame {
	out := frame.New(f.Width, f.Height, f.Channels)
	out.Settings = f.Settings
	out.Binning = f.Binning
	out.Timestamp = f.Timestamp
	out.RA, out.Dec, out.HasCoords = f.RA, f.Dec, f.HasCoords
	out.Slewing = f.Slewing

	n := f.Width * f.Height
	src := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	dst := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for c := 0; c < f.Channels; c++ {
		for i := 0; i < n; i++ {
			v := f.Pix[i*f.Channels+c]
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			u := uint16(math.Round(v))
			src.Pix[2*i] = uint8(u >> 8)
			src.Pix[2*i+1] = uint8(u)
		}
		for i := range dst.Pix {
			dst.Pix[i] = 0
		}
		draw.CatmullRom.Transform(dst, m, src, src.Bounds(), draw.Src, nil)
		for i := 0; i < n; i++ {
			out.Pix[i*f.Channels+c] = float64(uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1]))
		}
	}
	return out
}
