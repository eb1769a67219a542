package calib

import (
	"errors"
	"fmt"
	"math"

	"astrostack/internal/frame"
)

// ErrNoMatchingMaster is returned by Require when the cache holds no
// usable master for the requested settings.
var ErrNoMatchingMaster = errors.New("no matching master frame")

// DefaultExposureTolerance is the fraction of the target exposure a
// matched dark may deviate by.
const DefaultExposureTolerance = 0.10

// Scoring weights. Exposure mismatch dominates because an ill-matched
// dark injects the wrong thermal signal; the camera settings break ties.
const (
	exposureWeight = 10.0
	settingWeight  = 1.0
)

// Matcher selects the best master frame for a light frame's capture
// settings out of a Cache.
type Matcher struct {
	cache     *Cache
	tolerance float64
}

// NewMatcher builds a matcher over cache. tolerance <= 0 selects the
// default exposure tolerance.
func NewMatcher(cache *Cache, tolerance float64) *Matcher {
	if tolerance <= 0 {
		tolerance = DefaultExposureTolerance
	}
	return &Matcher{cache: cache, tolerance: tolerance}
}

// FindDark returns the lowest-scoring master dark for s, or false when
// no dark sits within the exposure tolerance.
func (m *Matcher) FindDark(s frame.Settings) (*Master, bool) {
	best, bestScore := (*Master)(nil), math.Inf(1)
	for _, d := range m.cache.Masters(KindDark) {
		if !m.exposureWithinTolerance(d.Settings.ExposureTime, s.ExposureTime) {
			continue
		}
		if sc := score(d.Settings, s); sc < bestScore {
			best, bestScore = d, sc
		}
	}
	return best, best != nil
}

// FindFlat returns a master flat whose camera settings match s exactly.
// Exposure is ignored: flat exposure is set by the panel, not the lights.
func (m *Matcher) FindFlat(s frame.Settings) (*Master, bool) {
	best, bestScore := (*Master)(nil), math.Inf(1)
	for _, f := range m.cache.Masters(KindFlat) {
		if !settingsMatch(f.Settings, s) {
			continue
		}
		if sc := math.Abs(f.Settings.ExposureTime - s.ExposureTime); sc < bestScore {
			best, bestScore = f, sc
		}
	}
	return best, best != nil
}

// FindBias returns a master bias whose camera settings match s exactly.
func (m *Matcher) FindBias(s frame.Settings) (*Master, bool) {
	for _, b := range m.cache.Masters(KindBias) {
		if settingsMatch(b.Settings, s) {
			return b, true
		}
	}
	return nil, false
}

// Require looks up the best master of kind for s, turning a miss into
// an error wrapping ErrNoMatchingMaster. The Find methods remain the
// right call for paths that degrade gracefully.
func (m *Matcher) Require(kind Kind, s frame.Settings) (*Master, error) {
	var (
		best *Master
		ok   bool
	)
	switch kind {
	case KindDark:
		best, ok = m.FindDark(s)
	case KindFlat:
		best, ok = m.FindFlat(s)
	case KindBias:
		best, ok = m.FindBias(s)
	default:
		return nil, fmt.Errorf("unknown master kind %q", kind)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no %s for %s", ErrNoMatchingMaster, kind, s.Key())
	}
	return best, nil
}

func (m *Matcher) exposureWithinTolerance(have, want float64) bool {
	if want <= 0 {
		return have == want
	}
	return math.Abs(have-want) <= m.tolerance*want
}

func settingsMatch(a, b frame.Settings) bool {
	return a.Gain == b.Gain && a.Offset == b.Offset && a.ReadoutMode == b.ReadoutMode
}

// score ranks a candidate master against the target settings. Lower is
// better; an exact fingerprint match scores zero.
func score(candidate, target frame.Settings) float64 {
	s := exposureWeight * math.Abs(candidate.ExposureTime-target.ExposureTime)
	s += settingWeight * math.Abs(float64(candidate.Gain-target.Gain))
	s += settingWeight * math.Abs(float64(candidate.Offset-target.Offset))
	s += settingWeight * math.Abs(float64(candidate.ReadoutMode-target.ReadoutMode))
	return s
}
