// Package subtitles turns narration text and word timings into caption cues and
// renders them as an ASS script for ffmpeg's ass filter.
//
// Cue packing estimates line capacity from the font size instead of shaping text:
// an average glyph is taken to be 0.6 em wide. This is a cheap, deterministic
// layout guess, not exact typography.
package subtitles

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/reelcomposer/internal/models"
)

const (
	// Average glyph width as a fraction of the font size
	glyphWidthFactor = 0.6

	// Gaps between cues shorter than this are closed so captions don't blink off and on
	FlickerThreshold = 1.0
)

// CharBudget is how many characters fit in one cue for the given style.
func CharBudget(style models.CaptionStyle) int {
	if style.FontSize <= 0 || style.SafeAreaWidth <= 0 {
		return 0
	}
	perLine := int(math.Floor(float64(style.SafeAreaWidth) / (float64(style.FontSize) * glyphWidthFactor)))
	lines := style.MaxLines
	if lines <= 0 {
		lines = 1
	}
	if perLine < 1 {
		perLine = 1
	}
	return perLine * lines
}

// CompileCues builds the ordered cue list for one segment. style must already
// have its defaults applied.
//
// Without word timings the whole text is one cue spanning [0, duration].
// Otherwise words are packed greedily under CharBudget, adjacent cues closer than
// FlickerThreshold are merged, and the final cue ends with its last word.
func CompileCues(text string, words []models.WordTiming, duration float64, style models.CaptionStyle) []models.CaptionCue {
	cues := packWords(words, CharBudget(style))
	if len(cues) == 0 {
		// No timings, or only blank words: fall back to the plain text
		return plainCue(text, duration)
	}

	cues = MergeCues(cues, FlickerThreshold)

	last := &cues[len(cues)-1]
	last.End = last.Words[len(last.Words)-1].End

	return cues
}

// plainCue is the whole text as one cue spanning [0, duration], or nil when blank.
func plainCue(text string, duration float64) []models.CaptionCue {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	return []models.CaptionCue{{
		Words: []models.WordTiming{{Word: text, Start: 0, End: duration}},
		Text:  text,
		Start: 0,
		End:   duration,
	}}
}

// packWords greedily fills cues up to budget characters. The word that would
// overflow a non-empty cue opens the next one; a single word longer than the
// budget gets a cue of its own.
func packWords(words []models.WordTiming, budget int) []models.CaptionCue {
	var cues []models.CaptionCue
	var current []models.WordTiming
	length := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		cues = append(cues, newCue(current))
		current = nil
		length = 0
	}

	for _, w := range words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		w.Word = word
		wordLen := utf8.RuneCountInString(word)

		next := wordLen
		if len(current) > 0 {
			next = length + 1 + wordLen // joined with a single space
		}

		if budget > 0 && next > budget && len(current) > 0 {
			flush()
			next = wordLen
		}

		current = append(current, w)
		length = next
	}
	flush()

	return cues
}

func newCue(words []models.WordTiming) models.CaptionCue {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	return models.CaptionCue{
		Words: append([]models.WordTiming(nil), words...),
		Text:  strings.Join(parts, " "),
		Start: words[0].Start,
		End:   words[len(words)-1].End,
	}
}

// MergeCues closes short gaps: when the next cue starts less than threshold
// seconds after the current one ends (or before it ends), the current cue is
// stretched or cut to end exactly where the next begins. The result is ordered
// and non-overlapping, and merging it again changes nothing.
func MergeCues(cues []models.CaptionCue, threshold float64) []models.CaptionCue {
	if len(cues) == 0 {
		return nil
	}

	out := make([]models.CaptionCue, len(cues))
	copy(out, cues)

	for i := 0; i < len(out)-1; i++ {
		gap := out[i+1].Start - out[i].End
		if gap < threshold {
			out[i].End = out[i+1].Start
		}
	}

	return out
}
