package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/reelcomposer/internal/timing"
	"github.com/rs/zerolog"
)

var (
	_ Encoder               = (*FFmpegService)(nil)
	_ timing.DurationProber = (*FFmpegService)(nil)
)

// writeScript creates an executable shell script standing in for ffmpeg/ffprobe.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseProbeDuration(t *testing.T) {
	if d, err := parseProbeDuration([]byte("5.500000\n")); err != nil || d != 5.5 {
		t.Errorf("parseProbeDuration = %v, %v; want 5.5", d, err)
	}
	for _, bad := range []string{"", "N/A\n", "abc", "0.0", "-1"} {
		if _, err := parseProbeDuration([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRunReportsStageError(t *testing.T) {
	bin := writeScript(t, `echo "frame=1" >&2
echo "Error initializing filter 'xfade'" >&2
exit 1`)
	svc := NewFFmpegService(bin, bin, time.Minute, zerolog.Nop())

	err := svc.Run(context.Background(), &GraphSpec{Stage: StageEncode, Segment: 2, Args: []string{"-y", "out.mp4"}})
	if err == nil {
		t.Fatal("expected error from failing encoder")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if stageErr.Stage != StageEncode || stageErr.Segment != 2 {
		t.Errorf("unexpected stage error fields: %+v", stageErr)
	}
	if !strings.Contains(stageErr.Diagnostic, "Error initializing filter") {
		t.Errorf("diagnostic missing stderr: %q", stageErr.Diagnostic)
	}
	if !strings.HasPrefix(err.Error(), "encode segment 2 failed") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "Error initializing filter 'xfade'") {
		t.Errorf("message should end with the last diagnostic line: %q", err.Error())
	}
}

func TestRunSucceeds(t *testing.T) {
	bin := writeScript(t, "exit 0")
	svc := NewFFmpegService(bin, bin, time.Minute, zerolog.Nop())

	if err := svc.Run(context.Background(), BuildConcatGraph("list.txt", "out.mp4")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	bin := writeScript(t, "exec sleep 5")
	svc := NewFFmpegService(bin, bin, 100*time.Millisecond, zerolog.Nop())

	err := svc.Run(context.Background(), BuildConcatGraph("list.txt", "out.mp4"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProbeDuration(t *testing.T) {
	bin := writeScript(t, `echo "3.250000"`)
	svc := NewFFmpegService(bin, bin, time.Minute, zerolog.Nop())

	d, err := svc.ProbeDuration(context.Background(), "narration.mp3")
	if err != nil || d != 3.25 {
		t.Errorf("ProbeDuration = %v, %v; want 3.25", d, err)
	}

	failing := NewFFmpegService(bin, writeScript(t, "exit 1"), time.Minute, zerolog.Nop())
	_, err = failing.ProbeDuration(context.Background(), "/tmp/narration.mp3")
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected *ProbeError, got %v", err)
	}
	if probeErr.Path != "/tmp/narration.mp3" {
		t.Errorf("unexpected path %q", probeErr.Path)
	}
}

func TestMeasureDurationTimesOut(t *testing.T) {
	bin := writeScript(t, "exec sleep 5")
	svc := NewFFmpegService(bin, bin, time.Minute, zerolog.Nop())
	svc.measureTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := svc.ProbeDuration(context.Background(), "narration.mp3")
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected *ProbeError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("ffprobe was not stopped, took %v", elapsed)
	}
}
