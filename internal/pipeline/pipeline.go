// Package pipeline renders one timeline into one MP4.
//
// Stages run strictly in order: fetch assets, resolve timing, compile captions,
// encode each segment, concatenate, mix global audio. Cancellation is honoured
// between stages; intermediate files live in a scratch directory that is removed
// on every exit path, leaving only the final output in the job directory.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/reelcomposer/internal/metrics"
	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/bobarin/reelcomposer/internal/services"
	"github.com/bobarin/reelcomposer/internal/subtitles"
	"github.com/bobarin/reelcomposer/internal/timing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// OutputName is the file name of the finished render inside a job directory.
const OutputName = "output.mp4"

const defaultFetchConcurrency = 4

// AssetResolver turns an asset reference into a local file. Implemented by storage.Resolver.
type AssetResolver interface {
	Resolve(ctx context.Context, ref, destDir, name string) (string, error)
}

type Options struct {
	Assets           AssetResolver
	Encoder          services.Encoder
	Prober           timing.DurationProber
	Aligner          services.WordAligner // optional
	AlignLanguage    string
	NarrationGain    float64
	FetchConcurrency int
	Log              zerolog.Logger
}

type Pipeline struct {
	assets           AssetResolver
	encoder          services.Encoder
	timing           *timing.Resolver
	aligner          services.WordAligner
	alignLanguage    string
	narrationGain    float64
	fetchConcurrency int
	log              zerolog.Logger
}

func New(opts Options) *Pipeline {
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	gain := opts.NarrationGain
	if gain <= 0 {
		gain = services.DefaultNarrationGain
	}
	return &Pipeline{
		assets:           opts.Assets,
		encoder:          opts.Encoder,
		timing:           timing.NewResolver(opts.Prober, opts.Log),
		aligner:          opts.Aligner,
		alignLanguage:    opts.AlignLanguage,
		narrationGain:    gain,
		fetchConcurrency: concurrency,
		log:              opts.Log.With().Str("component", "pipeline").Logger(),
	}
}

// jobAssets holds the local files of a timeline, indexed like the timeline.
type jobAssets struct {
	clips     [][]string
	narration []string // "" = silent (none given, or fetch degraded)
	tracks    []services.MixInput
}

// Render produces <jobDir>/output.mp4 from tl and returns its path.
func (p *Pipeline) Render(ctx context.Context, jobDir string, tl models.Timeline) (string, error) {
	log := p.log.With().Str("job", filepath.Base(jobDir)).Logger()

	tl = tl.WithDefaults()
	if err := tl.Validate(); err != nil {
		return "", fmt.Errorf("invalid timeline: %w", err)
	}

	workDir := filepath.Join(jobDir, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Err(err).Msg("failed to remove work dir")
		}
	}()

	started := time.Now()
	assets, err := p.fetchAssets(ctx, workDir, &tl, log)
	metrics.ObserveStage("fetch", started)
	if err != nil {
		return "", err
	}

	segmentFiles := make([]string, len(tl.Segments))
	for i := range tl.Segments {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}

		in, _, err := p.prepareSegment(ctx, &tl, i, assets.clips[i], assets.narration[i], workDir, false, log)
		if err != nil {
			return "", err
		}

		graph, err := services.BuildSegmentGraph(in)
		if err != nil {
			return "", err
		}
		if err := p.run(ctx, graph); err != nil {
			return "", err
		}
		segmentFiles[i] = in.Output

		log.Info().Int("segment", i).Float64("duration", in.Duration).Int("clips", len(in.Clips)).
			Msg("segment encoded")
	}

	if err := checkpoint(ctx); err != nil {
		return "", err
	}

	composed := segmentFiles[0]
	if len(segmentFiles) > 1 {
		listPath := filepath.Join(workDir, "concat.txt")
		if err := services.WriteConcatList(listPath, segmentFiles); err != nil {
			return "", err
		}
		composed = filepath.Join(workDir, "concat.mp4")
		if err := p.run(ctx, services.BuildConcatGraph(listPath, composed)); err != nil {
			return "", err
		}
	}

	if err := checkpoint(ctx); err != nil {
		return "", err
	}

	output := filepath.Join(jobDir, OutputName)
	if len(assets.tracks) > 0 {
		graph, err := services.BuildMixGraph(composed, assets.tracks, output)
		if err != nil {
			return "", err
		}
		if err := p.run(ctx, graph); err != nil {
			return "", err
		}
	} else if err := os.Rename(composed, output); err != nil {
		return "", fmt.Errorf("failed to move output into place: %w", err)
	}

	log.Info().Int("segments", len(tl.Segments)).Int("tracks", len(assets.tracks)).
		Float64("duration", totalDuration(&tl)).Msg("render complete")

	return output, nil
}

// run executes one graph and records its stage duration.
func (p *Pipeline) run(ctx context.Context, g *services.GraphSpec) error {
	started := time.Now()
	if err := p.encoder.Run(ctx, g); err != nil {
		return err
	}
	metrics.ObserveStage(string(g.Stage), started)
	return nil
}

// fetchAssets resolves every reference in parallel. A failed clip is fatal. A
// failed narration falls back to a silent segment when a declared duration
// exists, and a failed global track is dropped.
func (p *Pipeline) fetchAssets(ctx context.Context, dir string, tl *models.Timeline, log zerolog.Logger) (*jobAssets, error) {
	a := &jobAssets{
		clips:     make([][]string, len(tl.Segments)),
		narration: make([]string, len(tl.Segments)),
	}
	trackPaths := make([]string, len(tl.AudioTracks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fetchConcurrency)

	for i := range tl.Segments {
		seg := &tl.Segments[i]
		a.clips[i] = make([]string, len(seg.Clips))

		for j, clip := range seg.Clips {
			g.Go(func() error {
				path, err := p.assets.Resolve(gctx, clip.Source, dir, fmt.Sprintf("seg%d_clip%d", i, j))
				if err != nil {
					metrics.AssetFetchFailuresTotal.Inc()
					return fmt.Errorf("segment %d clip %d: %w", i, j, err)
				}
				a.clips[i][j] = path
				return nil
			})
		}

		if seg.Narration != "" {
			ref, declared := seg.Narration, seg.DeclaredDuration
			g.Go(func() error {
				path, err := p.assets.Resolve(gctx, ref, dir, fmt.Sprintf("seg%d_narration", i))
				if err != nil {
					metrics.AssetFetchFailuresTotal.Inc()
					if declared > 0 && gctx.Err() == nil {
						log.Warn().Err(err).Int("segment", i).Float64("declared", declared).
							Msg("narration unavailable, rendering segment silent")
						return nil
					}
					return fmt.Errorf("segment %d narration: %w", i, err)
				}
				a.narration[i] = path
				return nil
			})
		}
	}

	for k, track := range tl.AudioTracks {
		g.Go(func() error {
			path, err := p.assets.Resolve(gctx, track.Source, dir, fmt.Sprintf("track%d", k))
			if err != nil {
				metrics.AssetFetchFailuresTotal.Inc()
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Int("track", k).Msg("audio track unavailable, skipping")
				return nil
			}
			trackPaths[k] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for k, path := range trackPaths {
		if path != "" {
			a.tracks = append(a.tracks, services.MixInput{Path: path, Track: tl.AudioTracks[k]})
		}
	}
	return a, nil
}

// prepareSegment resolves timing and captions for segment idx and returns the
// encoder input plus the compiled cues. In dry-run mode no files are written
// and no alignment request is made.
func (p *Pipeline) prepareSegment(ctx context.Context, tl *models.Timeline, idx int, clipPaths []string, narrationPath, workDir string, dryRun bool, log zerolog.Logger) (services.SegmentInput, []models.CaptionCue, error) {
	seg := &tl.Segments[idx]

	if err := p.timing.ResolveSegment(ctx, seg, narrationPath); err != nil {
		return services.SegmentInput{}, nil, fmt.Errorf("segment %d: %w", idx, err)
	}

	if !dryRun && len(seg.Words) == 0 && narrationPath != "" && p.aligner != nil && strings.TrimSpace(seg.CaptionText) != "" {
		p.alignSegment(ctx, seg, idx, narrationPath, log)
	}

	var cues []models.CaptionCue
	subtitlePath := ""
	if seg.HasCaptions() {
		style := seg.CaptionStyle.WithDefaults(tl.Width, tl.Height)
		cues = subtitles.CompileCues(seg.CaptionText, seg.Words, seg.ResolvedDuration, style)
		if len(cues) > 0 {
			subtitlePath = filepath.Join(workDir, fmt.Sprintf("seg%d.ass", idx))
			if !dryRun {
				if err := subtitles.WriteASS(subtitlePath, cues, style, tl.Width, tl.Height); err != nil {
					return services.SegmentInput{}, nil, fmt.Errorf("segment %d: %w", idx, err)
				}
			}
		}
	}

	clips := make([]services.ClipInput, len(seg.Clips))
	for j, c := range seg.Clips {
		clips[j] = services.ClipInput{Path: clipPaths[j], Clip: c}
	}

	return services.SegmentInput{
		Index:         idx,
		Clips:         clips,
		NarrationPath: narrationPath,
		SubtitlePath:  subtitlePath,
		Duration:      seg.ResolvedDuration,
		Crossfade:     seg.Crossfade,
		NarrationGain: p.narrationGain,
		Width:         tl.Width,
		Height:        tl.Height,
		FPS:           tl.FPS,
		Output:        filepath.Join(workDir, fmt.Sprintf("seg%d.mp4", idx)),
	}, cues, nil
}

// alignSegment fills seg.Words from the narration. Failure leaves the segment
// with plain text captions.
func (p *Pipeline) alignSegment(ctx context.Context, seg *models.Segment, idx int, narrationPath string, log zerolog.Logger) {
	lang := seg.Language
	if lang == "" {
		lang = p.alignLanguage
	}

	started := time.Now()
	words, err := p.aligner.TranscribeWords(ctx, narrationPath, lang)
	metrics.ObserveStage("align", started)
	if err != nil {
		log.Warn().Err(err).Int("segment", idx).Msg("word alignment failed, using plain captions")
		return
	}
	if len(words) == 0 {
		return
	}

	// Measured against the real audio already: only clamp into the segment
	seg.Words = timing.RescaleWordTimings(words, seg.ResolvedDuration, seg.ResolvedDuration, timing.RescaleTolerance)
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("render cancelled: %w", err)
	}
	return nil
}

func totalDuration(tl *models.Timeline) float64 {
	total := 0.0
	for _, seg := range tl.Segments {
		total += seg.ResolvedDuration
	}
	return total
}
