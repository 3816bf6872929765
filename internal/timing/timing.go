// Package timing decides how long every segment and clip lasts.
//
// A segment's resolved duration comes from its measured narration when there is
// one, else from the author's declared duration. Clips are joined by fixed-length
// crossfades, each of which overlaps X seconds of two neighbouring clips, so N clips
// need D + (N-1)·X seconds of raw footage. That footage is split evenly.
package timing

import (
	"context"
	"fmt"
	"math"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/rs/zerolog"
)

// RescaleTolerance is the divergence between estimated and actual duration
// below which word timings are left unscaled.
const RescaleTolerance = 0.05

// DurationProber measures media files. Implemented by services.FFmpegService.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// ClipDurations splits duration d across n clips joined by n-1 crossfades of length x.
func ClipDurations(d float64, n int, x float64) []float64 {
	if n <= 0 {
		return nil
	}
	transitions := make([]float64, n-1)
	for i := range transitions {
		transitions[i] = x
	}
	return ClipDurationsVarying(d, n, transitions)
}

// ClipDurationsVarying is ClipDurations with an individual length per transition:
// L = (D + ΣX_i) / N.
func ClipDurationsVarying(d float64, n int, transitions []float64) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{d}
	}

	total := d
	for _, x := range transitions {
		total += x
	}

	l := total / float64(n)
	out := make([]float64, n)
	for i := range out {
		out[i] = l
	}
	return out
}

// EffectiveCrossfade clamps a crossfade that would be at least as long as the
// segment itself. With L = (D+(N-1)X)/N, L > X holds exactly when D > X, so a
// crossfade of D/2 always leaves every clip longer than its transitions.
func EffectiveCrossfade(d, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= d {
		return d / 2
	}
	return x
}

// TransitionOffsets returns the xfade start time of each transition. Transition k
// starts one crossfade before the end of everything composed so far.
func TransitionOffsets(durations []float64, x float64) []float64 {
	if len(durations) < 2 {
		return nil
	}

	offsets := make([]float64, 0, len(durations)-1)
	composed := durations[0]
	for k := 1; k < len(durations); k++ {
		offset := composed - x
		offsets = append(offsets, offset)
		composed = offset + durations[k]
	}
	return offsets
}

// ComposedDuration is the length of clips joined by uniform crossfades.
func ComposedDuration(durations []float64, x float64) float64 {
	if len(durations) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range durations {
		sum += l
	}
	return sum - float64(len(durations)-1)*x
}

// RescaleWordTimings stretches word timings estimated for a total of `estimated`
// seconds onto `actual` seconds. Scaling happens only when the two diverge by more
// than tolerance; either way the result is non-decreasing and the last word ends
// at actual exactly.
func RescaleWordTimings(words []models.WordTiming, estimated, actual, tolerance float64) []models.WordTiming {
	if len(words) == 0 {
		return nil
	}

	out := make([]models.WordTiming, len(words))
	copy(out, words)

	if estimated > 0 && math.Abs(actual-estimated) > tolerance {
		ratio := actual / estimated
		for i := range out {
			out[i].Start *= ratio
			out[i].End *= ratio
		}
	}

	return sanitizeWordTimings(out, actual)
}

// sanitizeWordTimings enforces ordering and the [0, limit] bound in place.
func sanitizeWordTimings(words []models.WordTiming, limit float64) []models.WordTiming {
	prevStart := 0.0
	for i := range words {
		w := &words[i]
		w.Start = math.Min(math.Max(w.Start, prevStart), limit)
		w.End = math.Min(math.Max(w.End, w.Start), limit)
		prevStart = w.Start
	}
	words[len(words)-1].End = limit
	return words
}

// Resolver fills in the derived durations of a segment.
type Resolver struct {
	prober DurationProber
	log    zerolog.Logger
}

func NewResolver(prober DurationProber, log zerolog.Logger) *Resolver {
	return &Resolver{
		prober: prober,
		log:    log.With().Str("component", "timing").Logger(),
	}
}

// ResolveSegment sets seg.ResolvedDuration, each clip's Duration and rescales seg.Words.
// narrationPath is the local file for seg.Narration, empty when there is none.
// A failed measurement is not fatal: the declared duration is used instead.
func (r *Resolver) ResolveSegment(ctx context.Context, seg *models.Segment, narrationPath string) error {
	d := seg.DeclaredDuration

	if narrationPath != "" && r.prober != nil {
		measured, err := r.prober.ProbeDuration(ctx, narrationPath)
		switch {
		case err != nil:
			r.log.Warn().Err(err).Float64("declared", seg.DeclaredDuration).
				Msg("narration probe failed, falling back to declared duration")
		case measured <= 0:
			r.log.Warn().Float64("measured", measured).Float64("declared", seg.DeclaredDuration).
				Msg("narration measured non-positive, falling back to declared duration")
		default:
			d = measured
		}
	}

	if d <= 0 {
		return fmt.Errorf("segment has no usable duration (declared=%.3f)", seg.DeclaredDuration)
	}

	x := EffectiveCrossfade(d, seg.Crossfade)
	if x != seg.Crossfade {
		r.log.Warn().Float64("crossfade", seg.Crossfade).Float64("clamped", x).Float64("duration", d).
			Msg("crossfade longer than segment, clamping")
	}

	seg.ResolvedDuration = d
	seg.Crossfade = x

	durations := ClipDurations(d, len(seg.Clips), x)
	for i := range seg.Clips {
		seg.Clips[i].Duration = durations[i]
	}

	if len(seg.Words) > 0 {
		estimated := seg.Words[len(seg.Words)-1].End
		seg.Words = RescaleWordTimings(seg.Words, estimated, d, RescaleTolerance)
	}

	r.log.Debug().Float64("duration", d).Int("clips", len(seg.Clips)).Float64("clip_duration", durations[0]).
		Msg("segment resolved")

	return nil
}
