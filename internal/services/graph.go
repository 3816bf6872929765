package services

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/bobarin/reelcomposer/internal/timing"
)

// Stage names a pipeline step that shells out to ffmpeg.
type Stage string

const (
	StageEncode Stage = "encode"
	StageConcat Stage = "concat"
	StageMix    Stage = "mix"
)

// Audio output format shared by every stage so concat can stream-copy
const (
	audioSampleRate = 48000
	audioBitrate    = "192k"
	videoPreset     = "veryfast"
	videoCRF        = "20"
)

// DefaultNarrationGain is the clarity boost applied to narration before mixing.
const DefaultNarrationGain = 1.25

// GraphSpec is one ffmpeg invocation: the exact argument vector (without the
// binary) plus what it produces.
type GraphSpec struct {
	Stage         Stage
	Segment       int // -1 when the stage spans the whole timeline
	Args          []string
	Output        string
	FilterComplex string
}

// CommandLine renders the invocation for logs and dry runs.
func (g *GraphSpec) CommandLine(binary string) string {
	parts := make([]string, 0, len(g.Args)+1)
	parts = append(parts, binary)
	for _, a := range g.Args {
		if strings.ContainsAny(a, " ;[]'") {
			a = "'" + strings.ReplaceAll(a, "'", "'\\''") + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ClipInput is a resolved clip: the timeline clip plus its local file.
type ClipInput struct {
	Path string
	Clip models.Clip
}

// SegmentInput is everything needed to encode one segment. Durations on the
// clips must already be resolved.
type SegmentInput struct {
	Index         int
	Clips         []ClipInput
	NarrationPath string // empty = silent segment
	SubtitlePath  string // empty = no captions
	Duration      float64
	Crossfade     float64
	NarrationGain float64
	Width         int
	Height        int
	FPS           int
	Output        string
}

// BuildSegmentGraph composes the ffmpeg graph for one segment.
//
// Filter order is fixed: per-clip normalisation (scale, setsar, fps, transform,
// trim, setpts), then the xfade chain, then the ass overlay as the last video
// filter. Audio is the narration (resampled, boosted, padded) or generated
// silence, and the output is pinned to exactly Duration with -t.
func BuildSegmentGraph(in SegmentInput) (*GraphSpec, error) {
	if len(in.Clips) == 0 {
		return nil, fmt.Errorf("segment %d has no clips", in.Index)
	}
	if in.Duration <= 0 {
		return nil, fmt.Errorf("segment %d has non-positive duration %.3f", in.Index, in.Duration)
	}
	if in.Width <= 0 || in.Height <= 0 || in.FPS <= 0 {
		return nil, fmt.Errorf("segment %d has invalid output format %dx%d@%d", in.Index, in.Width, in.Height, in.FPS)
	}
	gain := in.NarrationGain
	if gain <= 0 {
		gain = DefaultNarrationGain
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "error"}

	// Inputs: one per clip, then audio
	for _, c := range in.Clips {
		if c.Clip.Duration <= 0 {
			return nil, fmt.Errorf("segment %d clip %q has no resolved duration", in.Index, c.Clip.Source)
		}
		if c.Clip.Kind == models.ClipKindImage {
			// Stills are looped for exactly the clip's length
			args = append(args,
				"-loop", "1",
				"-framerate", strconv.Itoa(in.FPS),
				"-t", formatSeconds(c.Clip.Duration),
				"-i", c.Path,
			)
		} else {
			args = append(args, "-i", c.Path)
		}
	}

	audioIdx := len(in.Clips)
	if in.NarrationPath != "" {
		args = append(args, "-i", in.NarrationPath)
	} else {
		args = append(args,
			"-f", "lavfi",
			"-t", formatSeconds(in.Duration),
			"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", audioSampleRate),
		)
	}

	var filters []string

	// 1. Per-clip normalisation
	labels := make([]string, len(in.Clips))
	for i, c := range in.Clips {
		labels[i] = fmt.Sprintf("v%d", i)
		chain := clipFilterChain(c.Clip, in.Width, in.Height, in.FPS)
		filters = append(filters, fmt.Sprintf("[%d:v]%s[%s]", i, chain, labels[i]))
	}

	// 2. Transitions
	current := labels[0]
	if len(labels) > 1 {
		if in.Crossfade > 0 {
			durations := make([]float64, len(in.Clips))
			for i, c := range in.Clips {
				durations[i] = c.Clip.Duration
			}
			offsets := timing.TransitionOffsets(durations, in.Crossfade)
			for k, offset := range offsets {
				next := fmt.Sprintf("x%d", k+1)
				filters = append(filters, fmt.Sprintf("[%s][%s]xfade=transition=fade:duration=%s:offset=%s[%s]",
					current, labels[k+1], formatSeconds(in.Crossfade), formatSeconds(offset), next))
				current = next
			}
		} else {
			// Hard cuts
			var sb strings.Builder
			for _, l := range labels {
				sb.WriteString("[" + l + "]")
			}
			fmt.Fprintf(&sb, "concat=n=%d:v=1:a=0[vcat]", len(labels))
			filters = append(filters, sb.String())
			current = "vcat"
		}
	}

	// 3. Captions, always the last video filter
	if in.SubtitlePath != "" {
		filters = append(filters, fmt.Sprintf("[%s]ass='%s'[vsub]", current, escapeFFmpegFilterPath(in.SubtitlePath)))
		current = "vsub"
	}

	// 4. Audio
	audioOut := fmt.Sprintf("%d:a", audioIdx)
	if in.NarrationPath != "" {
		filters = append(filters, fmt.Sprintf(
			"[%d:a]aresample=%d,aformat=channel_layouts=stereo,volume=%s,apad[aout]",
			audioIdx, audioSampleRate, formatFloat(gain)))
		audioOut = "[aout]"
	}

	filterComplex := strings.Join(filters, ";")

	// 5. Encode
	args = append(args,
		"-filter_complex", filterComplex,
		"-map", "["+current+"]",
		"-map", audioOut,
		"-c:v", "libx264",
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(in.FPS),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", "2",
		"-t", formatSeconds(in.Duration),
		"-movflags", "+faststart",
		"-y",
		in.Output,
	)

	return &GraphSpec{
		Stage:         StageEncode,
		Segment:       in.Index,
		Args:          args,
		Output:        in.Output,
		FilterComplex: filterComplex,
	}, nil
}

// clipFilterChain normalises one clip to the output format and cuts it to length.
func clipFilterChain(c models.Clip, width, height, fps int) string {
	var parts []string

	switch c.Fit {
	case models.FitContain:
		parts = append(parts,
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", width, height),
		)
	default:
		parts = append(parts,
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", width, height),
			fmt.Sprintf("crop=%d:%d", width, height),
		)
	}

	parts = append(parts, "setsar=1", fmt.Sprintf("fps=%d", fps), "format=yuv420p")

	if tf := transformFilter(c.Transform, width, height); tf != "" {
		parts = append(parts, tf)
	}

	if c.Kind == models.ClipKindVideo {
		// Short videos hold their last frame instead of ending early
		parts = append(parts, fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%s", formatSeconds(c.Duration)))
	}

	parts = append(parts,
		fmt.Sprintf("trim=duration=%s", formatSeconds(c.Duration)),
		"setpts=PTS-STARTPTS",
	)

	return strings.Join(parts, ",")
}

// transformFilter zooms by Scale and crops a frame-sized window. X/Y shift the
// window from centre in output pixels, multiplied by the scale and clamped so
// the window never leaves the scaled image.
func transformFilter(t models.Transform, width, height int) string {
	s := t.EffectiveScale()
	if s <= 1 {
		return ""
	}

	sw := evenCeil(float64(width) * s)
	sh := evenCeil(float64(height) * s)

	x := clamp(float64(sw-width)/2+t.X*s, 0, float64(sw-width))
	y := clamp(float64(sh-height)/2+t.Y*s, 0, float64(sh-height))

	return fmt.Sprintf("scale=%d:%d,crop=%d:%d:%d:%d", sw, sh, width, height, int(math.Round(x)), int(math.Round(y)))
}

// BuildConcatGraph joins encoded segments listed in listPath without re-encoding.
func BuildConcatGraph(listPath, output string) *GraphSpec {
	return &GraphSpec{
		Stage:   StageConcat,
		Segment: -1,
		Args: []string{
			"-hide_banner", "-nostats", "-loglevel", "error",
			"-f", "concat",
			"-safe", "0",
			"-i", listPath,
			"-c", "copy",
			"-movflags", "+faststart",
			"-y",
			output,
		},
		Output: output,
	}
}

// WriteConcatList writes files in the concat demuxer's list format.
func WriteConcatList(path string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to concatenate")
	}

	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(f, "'", "'\\''"))
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	return nil
}

// MixInput is a global audio track with its local file.
type MixInput struct {
	Path  string
	Track models.AudioTrack
}

// BuildMixGraph lays global tracks over the concatenated video's own audio.
// Each track is trimmed, delayed to its start and gain-adjusted; amix keeps the
// video's length and loudnorm evens out the result. Video is stream-copied.
func BuildMixGraph(videoPath string, tracks []MixInput, output string) (*GraphSpec, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio tracks to mix")
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-i", videoPath}
	for _, t := range tracks {
		args = append(args, "-i", t.Path)
	}

	var filters []string
	mixInputs := "[0:a]"
	for i, t := range tracks {
		var chain []string
		if t.Track.Duration > 0 {
			chain = append(chain, fmt.Sprintf("atrim=duration=%s", formatSeconds(t.Track.Duration)))
		}
		delayMs := int(math.Round(t.Track.Start * 1000))
		chain = append(chain,
			"asetpts=PTS-STARTPTS",
			fmt.Sprintf("adelay=%d:all=1", delayMs),
			fmt.Sprintf("volume=%s", formatFloat(t.Track.EffectiveGain())),
		)
		label := fmt.Sprintf("t%d", i)
		filters = append(filters, fmt.Sprintf("[%d:a]%s[%s]", i+1, strings.Join(chain, ","), label))
		mixInputs += "[" + label + "]"
	}

	filters = append(filters, fmt.Sprintf(
		"%samix=inputs=%d:duration=first:dropout_transition=0:normalize=0,loudnorm=I=-16:TP=-1.5:LRA=11,aresample=%d[aout]",
		mixInputs, len(tracks)+1, audioSampleRate))

	filterComplex := strings.Join(filters, ";")

	args = append(args,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		"-y",
		output,
	)

	return &GraphSpec{
		Stage:         StageMix,
		Segment:       -1,
		Args:          args,
		Output:        output,
		FilterComplex: filterComplex,
	}, nil
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// formatSeconds prints seconds rounded to the microsecond with no trailing zeros.
func formatSeconds(s float64) string {
	return formatFloat(math.Round(s*1e6) / 1e6)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func evenCeil(f float64) int {
	n := int(math.Ceil(f))
	if n%2 != 0 {
		n++
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
