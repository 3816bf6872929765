package models

import (
	"encoding/json"
	"testing"
)

func validTimeline() Timeline {
	return Timeline{
		Title: "coffee",
		Segments: []Segment{
			{
				Clips:            []Clip{{Source: "https://cdn.example.com/a.png"}},
				DeclaredDuration: 4,
			},
		},
	}.WithDefaults()
}

func TestTimelineDefaults(t *testing.T) {
	tl := validTimeline()

	if tl.Width != DefaultWidth || tl.Height != DefaultHeight || tl.FPS != DefaultFPS {
		t.Errorf("expected defaults %dx%d@%d, got %dx%d@%d",
			DefaultWidth, DefaultHeight, DefaultFPS, tl.Width, tl.Height, tl.FPS)
	}

	clip := tl.Segments[0].Clips[0]
	if clip.Kind != ClipKindImage {
		t.Errorf("expected kind image, got %s", clip.Kind)
	}
	if clip.Fit != FitCover {
		t.Errorf("expected fit cover, got %s", clip.Fit)
	}
}

func TestTimelineValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Timeline)
		wantErr bool
	}{
		{"valid", func(*Timeline) {}, false},
		{"no segments", func(tl *Timeline) { tl.Segments = nil }, true},
		{"no clips", func(tl *Timeline) { tl.Segments[0].Clips = nil }, true},
		{"odd width", func(tl *Timeline) { tl.Width = 1081 }, true},
		{"no duration source", func(tl *Timeline) { tl.Segments[0].DeclaredDuration = 0 }, true},
		{"narration only", func(tl *Timeline) {
			tl.Segments[0].DeclaredDuration = 0
			tl.Segments[0].Narration = "https://cdn.example.com/n.mp3"
		}, false},
		{"negative crossfade", func(tl *Timeline) { tl.Segments[0].Crossfade = -0.5 }, true},
		{"zoom out", func(tl *Timeline) { tl.Segments[0].Clips[0].Transform.Scale = 0.5 }, true},
		{"bad word", func(tl *Timeline) {
			tl.Segments[0].Words = []WordTiming{{Word: "hi", Start: 1, End: 0.5}}
		}, true},
		{"negative gain", func(tl *Timeline) {
			tl.AudioTracks = []AudioTrack{{Source: "https://cdn.example.com/m.mp3", Gain: -1}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := validTimeline()
			tt.mutate(&tl)
			err := tl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInferClipKind(t *testing.T) {
	cases := map[string]ClipKind{
		"https://cdn.example.com/a.png":        ClipKindImage,
		"https://cdn.example.com/b.MP4?sig=x":  ClipKindVideo,
		"s3://bucket/clips/c.webm":             ClipKindVideo,
		"data:video/mp4;base64,AAAA":           ClipKindVideo,
		"data:image/jpeg;base64,AAAA":          ClipKindImage,
		"/var/media/still.jpg":                 ClipKindImage,
	}

	for ref, want := range cases {
		if got := InferClipKind(ref); got != want {
			t.Errorf("InferClipKind(%q) = %s, want %s", ref, got, want)
		}
	}
}

func TestCaptionStyleDefaults(t *testing.T) {
	style := CaptionStyle{}.WithDefaults(1080, 1920)

	if style.FontSize != DefaultFontSize {
		t.Errorf("expected font size %d, got %d", DefaultFontSize, style.FontSize)
	}
	if style.SafeAreaWidth != 972 {
		t.Errorf("expected safe area 972, got %d", style.SafeAreaWidth)
	}
	if style.MarginV != 192 {
		t.Errorf("expected margin 192, got %d", style.MarginV)
	}

	custom := CaptionStyle{FontSize: 40, MaxLines: 3}.WithDefaults(1080, 1920)
	if custom.FontSize != 40 || custom.MaxLines != 3 {
		t.Errorf("explicit values were overwritten: %+v", custom)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobStatusProcessing.IsTerminal() {
		t.Error("processing must not be terminal")
	}
	if !JobStatusCompleted.IsTerminal() || !JobStatusError.IsTerminal() {
		t.Error("completed and error must be terminal")
	}
}

func TestJobResponseErrorOnlyOnFailure(t *testing.T) {
	job := RenderJob{Status: JobStatusProcessing, Error: "stale"}
	resp := NewJobResponse(job)
	if resp.Error != nil {
		t.Errorf("expected no error for processing job, got %q", *resp.Error)
	}

	job.Status = JobStatusError
	resp = NewJobResponse(job)
	if resp.Error == nil || *resp.Error != "stale" {
		t.Errorf("expected error text on failed job, got %v", resp.Error)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded["status"] != "error" {
		t.Errorf("expected status=error, got %v", decoded["status"])
	}
}

func TestWithDefaultsDoesNotShareSegments(t *testing.T) {
	orig := Timeline{
		Segments: []Segment{{Clips: []Clip{{Source: "a.mp4"}}, DeclaredDuration: 2}},
	}

	tl := orig.WithDefaults()
	tl.Segments[0].ResolvedDuration = 2
	tl.Segments[0].Clips[0].Duration = 2

	if orig.Segments[0].ResolvedDuration != 0 || orig.Segments[0].Clips[0].Duration != 0 {
		t.Error("resolving the defaulted copy leaked into the original timeline")
	}
	if orig.Segments[0].Clips[0].Kind != "" {
		t.Error("WithDefaults mutated the original clip")
	}
	if tl.Segments[0].Clips[0].Kind != ClipKindVideo {
		t.Errorf("expected video kind, got %s", tl.Segments[0].Clips[0].Kind)
	}
}
