package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// Whisper transcription: word-level timestamps for narration without timings
// ---------------------------------------------------------------------------

// WordAligner produces word timings for a narration file.
type WordAligner interface {
	TranscribeWords(ctx context.Context, audioPath, language string) ([]models.WordTiming, error)
}

type OpenAIService struct {
	client *openai.Client
	log    zerolog.Logger
}

func NewOpenAIService(apiKey string, log zerolog.Logger) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		log:    log.With().Str("component", "whisper").Logger(),
	}
}

// NewOpenAIServiceWithConfig allows pointing the client at a compatible endpoint.
func NewOpenAIServiceWithConfig(cfg openai.ClientConfig, log zerolog.Logger) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		log:    log.With().Str("component", "whisper").Logger(),
	}
}

// TranscribeWords sends narration audio to Whisper and returns word-level
// timestamps relative to the start of the file.
func (s *OpenAIService) TranscribeWords(ctx context.Context, audioPath, language string) ([]models.WordTiming, error) {
	if language == "" {
		language = "en"
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open narration: %w", err)
	}
	defer f.Close()

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   f,
		FilePath: filepath.Base(audioPath), // Filename hint for the API (required by the library)
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", truncateString(resp.Text, 80))
	}

	words := make([]models.WordTiming, 0, len(resp.Words))
	for _, w := range resp.Words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		words = append(words, models.WordTiming{
			Word:  word,
			Start: w.Start,
			End:   w.End,
		})
	}

	s.log.Info().Int("words", len(words)).Float64("duration", resp.Duration).
		Str("text", truncateString(resp.Text, 80)).Msg("transcribed narration")

	return words, nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
