package subtitles

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/reelcomposer/internal/models"
)

// ---------------------------------------------------------------------------
// ASS (Advanced SubStation Alpha) writer
//
// Each cue is shown as a block; inside it the currently spoken word gets a thick
// accent-coloured border ("pill" highlight) while the rest stay white with a dark
// outline. Cues without real word timings are written as one plain line.
// ---------------------------------------------------------------------------

const (
	// ASS colors are in &HAABBGGRR format (hex, note: BGR not RGB)
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorAccent    = "&H00CC3299" // #9932CC in BGR
	assColorSemiBlack = "&H80000000"

	// Outline thickness relative to font size
	outlineNormalFrac    = 0.05
	outlineHighlightFrac = 0.13
)

// WriteASS renders cues into an ASS script sized for a width x height frame.
// style must already have its defaults applied.
func WriteASS(path string, cues []models.CaptionCue, style models.CaptionStyle, width, height int) error {
	if len(cues) == 0 {
		return fmt.Errorf("no cues to write")
	}

	if err := os.WriteFile(path, []byte(BuildASS(cues, style, width, height)), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}
	return nil
}

// BuildASS returns the ASS script text for cues.
func BuildASS(cues []models.CaptionCue, style models.CaptionStyle, width, height int) string {
	outlineNormal := max(1, int(float64(style.FontSize)*outlineNormalFrac))
	outlineHighlight := max(2, int(float64(style.FontSize)*outlineHighlightFrac))

	// Side margins centre the safe area horizontally
	marginH := max(0, (width-style.SafeAreaWidth)/2)

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,2,0,1,%d,0,2,%d,%d,%d,1\n",
		style.FontName, style.FontSize,
		assColorWhite,
		assColorWhite,
		assColorBlack,
		assColorSemiBlack,
		outlineNormal,
		marginH, marginH,
		style.MarginV,
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, cue := range cues {
		if len(cue.Words) <= 1 {
			writeDialogue(&sb, cue.Start, cue.End, escapeASSText(cue.Text))
			continue
		}

		for i, word := range cue.Words {
			start := word.Start
			if i == 0 {
				start = cue.Start
			}
			// Each highlight lasts until the next word starts; the last one holds to the cue's end
			end := cue.End
			if i < len(cue.Words)-1 {
				end = cue.Words[i+1].Start
			}
			if end <= start {
				continue
			}
			writeDialogue(&sb, start, end, buildHighlightedText(cue.Words, i, outlineHighlight))
		}
	}

	return sb.String()
}

func writeDialogue(sb *strings.Builder, start, end float64, text string) {
	fmt.Fprintf(sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", formatASSTime(start), formatASSTime(end), text)
}

// buildHighlightedText marks the word at activeIdx with the accent border.
//
// Output example: "the {\3c&H00CC3299&\bord8}history{\r} of coffee"
func buildHighlightedText(words []models.WordTiming, activeIdx, outline int) string {
	parts := make([]string, 0, len(words))
	for i, w := range words {
		text := escapeASSText(strings.TrimSpace(w.Word))
		if text == "" {
			continue
		}
		if i == activeIdx {
			parts = append(parts, fmt.Sprintf("{\\3c%s\\bord%d}%s{\\r}", assColorAccent, outline, text))
		} else {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// escapeASSText keeps user text from opening override blocks or breaking lines.
// ASS has no escape for a backslash, so it is swapped for a fullwidth look-alike.
func escapeASSText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\uFF3C")
	s = strings.ReplaceAll(s, "{", "\\{")
	s = strings.ReplaceAll(s, "}", "\\}")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "\\N")
	return s
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	totalCs := int(seconds*100 + 0.5)
	hours := totalCs / 360000
	minutes := (totalCs % 360000) / 6000
	secs := (totalCs % 6000) / 100
	centiseconds := totalCs % 100

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
