package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Keep the last few KB of ffmpeg's stderr for error reports
const diagnosticTailBytes = 4096

// ffprobe only reads the container header, so this is generous
const defaultMeasureTimeout = 30 * time.Second

// Encoder runs one ffmpeg graph to completion.
type Encoder interface {
	Run(ctx context.Context, g *GraphSpec) error
}

// StageError reports a failed ffmpeg stage with the tail of its diagnostics.
type StageError struct {
	Stage      Stage
	Segment    int // -1 for timeline-wide stages
	Err        error
	Diagnostic string
}

func (e *StageError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Stage))
	if e.Segment >= 0 {
		fmt.Fprintf(&sb, " segment %d", e.Segment)
	}
	fmt.Fprintf(&sb, " failed: %v", e.Err)
	if e.Diagnostic != "" {
		sb.WriteString(": ")
		sb.WriteString(lastLine(e.Diagnostic))
	}
	return sb.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// ProbeError reports a file whose duration could not be measured.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegPath     string
	ffprobePath    string
	encodeTimeout  time.Duration
	measureTimeout time.Duration
	log            zerolog.Logger
}

func NewFFmpegService(ffmpegPath, ffprobePath string, encodeTimeout time.Duration, log zerolog.Logger) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegService{
		ffmpegPath:     ffmpegPath,
		ffprobePath:    ffprobePath,
		encodeTimeout:  encodeTimeout,
		measureTimeout: defaultMeasureTimeout,
		log:            log.With().Str("component", "ffmpeg").Logger(),
	}
}

// Binary returns the ffmpeg executable used for graphs.
func (s *FFmpegService) Binary() string {
	return s.ffmpegPath
}

// Run executes g and returns a *StageError on failure. Each invocation is
// bounded by the encode timeout on top of ctx.
func (s *FFmpegService) Run(ctx context.Context, g *GraphSpec) error {
	if s.encodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.encodeTimeout)
		defer cancel()
	}

	s.log.Debug().Str("stage", string(g.Stage)).Int("segment", g.Segment).
		Str("filter", g.FilterComplex).Msg("running ffmpeg")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpegPath, g.Args...)
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", s.encodeTimeout, ctx.Err())
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &StageError{
			Stage:      g.Stage,
			Segment:    g.Segment,
			Err:        err,
			Diagnostic: tail(stderr.String(), diagnosticTailBytes),
		}
	}

	s.log.Debug().Str("stage", string(g.Stage)).Int("segment", g.Segment).
		Dur("elapsed", time.Since(start)).Msg("ffmpeg finished")

	return nil
}

// ProbeDuration returns the duration of a media file in seconds using ffprobe.
// A hung ffprobe is killed after measureTimeout.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.measureTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, s.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, &ProbeError{Path: path, Err: fmt.Errorf("ffprobe failed: %w", err)}
	}

	durationSec, err := parseProbeDuration(output)
	if err != nil {
		return 0, &ProbeError{Path: path, Err: err}
	}
	return durationSec, nil
}

func parseProbeDuration(output []byte) (float64, error) {
	raw := strings.TrimSpace(string(output))
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("no duration reported")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %.3f", d)
	}
	return d, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
