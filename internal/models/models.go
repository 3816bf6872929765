package models

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

type ClipKind string

const (
	ClipKindImage ClipKind = "image"
	ClipKindVideo ClipKind = "video"
)

type FitMode string

const (
	FitCover   FitMode = "cover"   // Scale up and crop to fill the frame
	FitContain FitMode = "contain" // Scale down and letterbox
)

// Output defaults: portrait 1080x1920 at 30fps
const (
	DefaultWidth  = 1080
	DefaultHeight = 1920
	DefaultFPS    = 30
)

// Caption defaults, applied by CaptionStyle.WithDefaults
const (
	DefaultFontSize     = 64
	DefaultMaxLines     = 2
	DefaultFontName     = "Noto Sans"
	defaultSafeAreaFrac = 0.9
	defaultMarginVFrac  = 0.1
)

// Models

// Timeline is the whole edited video: ordered segments plus global audio.
type Timeline struct {
	Title       string       `json:"title"`
	Segments    []Segment    `json:"segments"`
	AudioTracks []AudioTrack `json:"audio_tracks,omitempty"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	FPS         int          `json:"fps,omitempty"`
}

// Segment is one time slot backed by one or more clips and optional narration.
type Segment struct {
	Clips            []Clip       `json:"clips"`
	Narration        string       `json:"narration,omitempty"`         // Asset reference; empty = silent segment
	DeclaredDuration float64      `json:"declared_duration,omitempty"` // Author fallback when narration can't be measured
	ResolvedDuration float64      `json:"resolved_duration,omitempty"` // Derived, authoritative
	CaptionText      string       `json:"caption_text,omitempty"`
	Words            []WordTiming `json:"words,omitempty"`
	CaptionStyle     CaptionStyle `json:"caption_style,omitempty"`
	Crossfade        float64      `json:"crossfade,omitempty"` // Seconds, uniform for every transition
	Language         string       `json:"language,omitempty"`  // Hint for word alignment
}

// HasCaptions reports whether the segment carries any caption material.
func (s *Segment) HasCaptions() bool {
	return strings.TrimSpace(s.CaptionText) != "" || len(s.Words) > 0
}

// Clip is a single visual source inside a segment.
type Clip struct {
	Source    string    `json:"source"`
	Kind      ClipKind  `json:"kind,omitempty"`
	Duration  float64   `json:"duration,omitempty"` // Derived by the timing resolver
	Transform Transform `json:"transform,omitempty"`
	Fit       FitMode   `json:"fit,omitempty"`
}

// Transform is a static pan/zoom: Scale >= 1, X/Y are pixel offsets at output resolution.
type Transform struct {
	Scale float64 `json:"scale,omitempty"`
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
}

// EffectiveScale treats an unset scale as 1.
func (t Transform) EffectiveScale() float64 {
	if t.Scale <= 0 {
		return 1
	}
	return t.Scale
}

// WordTiming is one spoken word, in segment-relative seconds.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// CaptionStyle holds the layout metrics used to pack caption cues.
type CaptionStyle struct {
	FontSize      int    `json:"font_size,omitempty"`
	MaxLines      int    `json:"max_lines,omitempty"`
	SafeAreaWidth int    `json:"safe_area_width,omitempty"`
	FontName      string `json:"font_name,omitempty"`
	MarginV       int    `json:"margin_v,omitempty"`
}

// WithDefaults fills unset fields for a frame of the given size.
func (c CaptionStyle) WithDefaults(width, height int) CaptionStyle {
	if c.FontSize <= 0 {
		c.FontSize = DefaultFontSize
	}
	if c.MaxLines <= 0 {
		c.MaxLines = DefaultMaxLines
	}
	if c.SafeAreaWidth <= 0 {
		c.SafeAreaWidth = int(float64(width) * defaultSafeAreaFrac)
	}
	if c.FontName == "" {
		c.FontName = DefaultFontName
	}
	if c.MarginV <= 0 {
		c.MarginV = int(float64(height) * defaultMarginVFrac)
	}
	return c
}

// CaptionCue is a group of words displayed together as one subtitle block.
type CaptionCue struct {
	Words []WordTiming `json:"words"`
	Text  string       `json:"text"`
	Start float64      `json:"start"`
	End   float64      `json:"end"`
}

// AudioTrack is a global music/SFX track laid over the final timeline.
type AudioTrack struct {
	Source   string  `json:"source"`
	Start    float64 `json:"start"`              // Offset into the final timeline, seconds
	Duration float64 `json:"duration,omitempty"` // 0 = the track's natural length
	Gain     float64 `json:"gain,omitempty"`     // Linear; 0 = unity
}

// EffectiveGain treats an unset gain as unity.
func (a AudioTrack) EffectiveGain() float64 {
	if a.Gain == 0 {
		return 1
	}
	return a.Gain
}

// RenderJob is one asynchronous pipeline execution.
type RenderJob struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title"`
	Status     JobStatus  `json:"status"`
	OutputPath string     `json:"output_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WithDefaults returns a copy of the timeline with resolution and frame rate filled in.
func (t Timeline) WithDefaults() Timeline {
	if t.Width == 0 {
		t.Width = DefaultWidth
	}
	if t.Height == 0 {
		t.Height = DefaultHeight
	}
	if t.FPS == 0 {
		t.FPS = DefaultFPS
	}
	// Segments are resolved in place later on, so never share them with the caller
	t.Segments = append([]Segment(nil), t.Segments...)
	t.AudioTracks = append([]AudioTrack(nil), t.AudioTracks...)
	for i := range t.Segments {
		t.Segments[i].Clips = append([]Clip(nil), t.Segments[i].Clips...)
		t.Segments[i].Words = append([]WordTiming(nil), t.Segments[i].Words...)
		for j := range t.Segments[i].Clips {
			c := &t.Segments[i].Clips[j]
			if c.Kind == "" {
				c.Kind = InferClipKind(c.Source)
			}
			if c.Fit == "" {
				c.Fit = FitCover
			}
		}
	}
	return t
}

// Validate checks a timeline (after WithDefaults) for values the pipeline can't render.
func (t *Timeline) Validate() error {
	if len(t.Segments) == 0 {
		return fmt.Errorf("timeline has no segments")
	}
	if t.Width <= 0 || t.Height <= 0 || t.Width%2 != 0 || t.Height%2 != 0 {
		return fmt.Errorf("invalid resolution %dx%d: width and height must be positive and even", t.Width, t.Height)
	}
	if t.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", t.FPS)
	}

	for i, seg := range t.Segments {
		if len(seg.Clips) == 0 {
			return fmt.Errorf("segment %d has no clips", i)
		}
		if seg.DeclaredDuration < 0 {
			return fmt.Errorf("segment %d has negative declared duration", i)
		}
		if seg.Narration == "" && seg.DeclaredDuration <= 0 {
			return fmt.Errorf("segment %d needs narration or a positive declared duration", i)
		}
		if seg.Crossfade < 0 {
			return fmt.Errorf("segment %d has negative crossfade", i)
		}
		for j, w := range seg.Words {
			if w.Start < 0 || w.End < w.Start {
				return fmt.Errorf("segment %d word %d has invalid timing [%.3f, %.3f]", i, j, w.Start, w.End)
			}
		}
		for j, c := range seg.Clips {
			if c.Source == "" {
				return fmt.Errorf("segment %d clip %d has no source", i, j)
			}
			if c.Kind != ClipKindImage && c.Kind != ClipKindVideo {
				return fmt.Errorf("segment %d clip %d has unknown kind %q", i, j, c.Kind)
			}
			if c.Fit != FitCover && c.Fit != FitContain {
				return fmt.Errorf("segment %d clip %d has unknown fit %q", i, j, c.Fit)
			}
			if c.Transform.Scale != 0 && c.Transform.Scale < 1 {
				return fmt.Errorf("segment %d clip %d has scale %.3f < 1", i, j, c.Transform.Scale)
			}
		}
	}

	for i, tr := range t.AudioTracks {
		if tr.Source == "" {
			return fmt.Errorf("audio track %d has no source", i)
		}
		if tr.Start < 0 || tr.Duration < 0 || tr.Gain < 0 {
			return fmt.Errorf("audio track %d has negative start, duration or gain", i)
		}
	}

	return nil
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".mkv": true, ".m4v": true, ".avi": true,
}

// InferClipKind guesses image vs video from a data URI mime type or a file extension.
func InferClipKind(ref string) ClipKind {
	if strings.HasPrefix(ref, "data:") {
		if strings.HasPrefix(ref, "data:video/") {
			return ClipKindVideo
		}
		return ClipKindImage
	}
	// Strip query strings from URLs before looking at the extension
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if videoExtensions[strings.ToLower(path.Ext(ref))] {
		return ClipKindVideo
	}
	return ClipKindImage
}

// DTOs for API responses

type SubmitResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type JobResponse struct {
	JobID      uuid.UUID  `json:"job_id"`
	Title      string     `json:"title,omitempty"`
	Status     JobStatus  `json:"status"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJobResponse builds the poll DTO for a job.
func NewJobResponse(job RenderJob) JobResponse {
	resp := JobResponse{
		JobID:      job.ID,
		Title:      job.Title,
		Status:     job.Status,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Status == JobStatusError && job.Error != "" {
		msg := job.Error
		resp.Error = &msg
	}
	return resp
}
