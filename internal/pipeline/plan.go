package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/bobarin/reelcomposer/internal/services"
	"github.com/bobarin/reelcomposer/internal/timing"
)

// SegmentPlan is the resolved timing and encoder graph of one segment.
type SegmentPlan struct {
	Index         int
	Duration      float64
	Crossfade     float64
	ClipDurations []float64
	Offsets       []float64
	Cues          []models.CaptionCue
	Graph         *services.GraphSpec
}

// Plan is a dry run of Render: every graph that would be executed, with asset
// references standing in for local files.
type Plan struct {
	Width    int
	Height   int
	FPS      int
	Segments []SegmentPlan
	Concat   *services.GraphSpec // nil for a single segment
	Mix      *services.GraphSpec // nil without global tracks
	Duration float64
}

// Plan resolves a timeline without fetching assets or running the encoder.
// Narration references are probed in place; anything the prober cannot read
// falls back to the declared duration.
func (p *Pipeline) Plan(ctx context.Context, tl models.Timeline, workDir string) (*Plan, error) {
	tl = tl.WithDefaults()
	if err := tl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeline: %w", err)
	}

	plan := &Plan{Width: tl.Width, Height: tl.Height, FPS: tl.FPS}
	segmentFiles := make([]string, len(tl.Segments))

	for i := range tl.Segments {
		seg := &tl.Segments[i]
		refs := make([]string, len(seg.Clips))
		for j, c := range seg.Clips {
			refs[j] = c.Source
		}

		in, cues, err := p.prepareSegment(ctx, &tl, i, refs, seg.Narration, workDir, true, p.log)
		if err != nil {
			return nil, err
		}
		graph, err := services.BuildSegmentGraph(in)
		if err != nil {
			return nil, err
		}

		durations := make([]float64, len(in.Clips))
		for j, c := range in.Clips {
			durations[j] = c.Clip.Duration
		}

		plan.Segments = append(plan.Segments, SegmentPlan{
			Index:         i,
			Duration:      in.Duration,
			Crossfade:     in.Crossfade,
			ClipDurations: durations,
			Offsets:       timing.TransitionOffsets(durations, in.Crossfade),
			Cues:          cues,
			Graph:         graph,
		})
		plan.Duration += in.Duration
		segmentFiles[i] = in.Output
	}

	composed := segmentFiles[0]
	if len(segmentFiles) > 1 {
		composed = filepath.Join(workDir, "concat.mp4")
		plan.Concat = services.BuildConcatGraph(filepath.Join(workDir, "concat.txt"), composed)
	}

	if len(tl.AudioTracks) > 0 {
		tracks := make([]services.MixInput, len(tl.AudioTracks))
		for k, t := range tl.AudioTracks {
			tracks[k] = services.MixInput{Path: t.Source, Track: t}
		}
		mix, err := services.BuildMixGraph(composed, tracks, filepath.Join(workDir, OutputName))
		if err != nil {
			return nil, err
		}
		plan.Mix = mix
	}

	return plan, nil
}
