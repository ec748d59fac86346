// Package speechtext prepares model output for the avatar's speech engine.
//
// [Normalize] strips markup the engine would read aloud and converts
// punctuation to the full-width forms the engine phrases naturally.
// [Segmenter] cuts a token stream into sentence-sized chunks so speech can
// start before the model has finished.
package speechtext

import (
	"regexp"
	"strings"
)

var (
	reCodeBlock   = regexp.MustCompile("(?s)```.*?```")
	reHeading     = regexp.MustCompile(`(?m)#{1,6}\s`)
	reEmphasis    = regexp.MustCompile(`\*{1,2}`)
	reBacktick    = regexp.MustCompile("`{1,3}")
	reLink        = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reEmoji       = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{1F900}-\x{1F9FF}\x{FE0F}]`)
	reDecimal     = regexp.MustCompile(`(\d)\.(\d)`)
	reBlankLines  = regexp.MustCompile(`\n{3,}`)
	reSpaces      = regexp.MustCompile(`[ \t]+`)
	reCNParens    = regexp.MustCompile(`（([^）]+)）`)
	reCNBrackets  = regexp.MustCompile(`【([^】]+)】`)
	reNumberUnit  = regexp.MustCompile(`(\d+)\s*(万|亿|千|百|十)`)
	reFullStops   = regexp.MustCompile(`。{2,}`)
	reTildes      = regexp.MustCompile(`~+`)
	reTerminalEnd = regexp.MustCompile(`[。！？.!?]$`)
	reTrailPause  = regexp.MustCompile(`[，、；：]+$`)
)

// decimalMark stands in for a decimal point while ASCII full stops are
// converted.
const decimalMark = "\x00"

var punctuation = strings.NewReplacer(
	",", "，",
	".", "。",
	"!", "！",
	"?", "？",
	":", "：",
	";", "；",
	"•", "、",
	"·", "、",
	"|", "，",
	"<", "",
	">", "",
	"“", "\"",
	"”", "\"",
)

// Normalize rewrites text for speech. A trailing pause mark becomes a full
// stop. Empty input is returned unchanged.
func Normalize(text string) string {
	if text == "" {
		return text
	}
	s := reCodeBlock.ReplaceAllString(text, "[代码]")
	s = reHeading.ReplaceAllString(s, "")
	s = reEmphasis.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "~~", "")
	s = reBacktick.ReplaceAllString(s, "")
	s = reLink.ReplaceAllString(s, "$1")
	s = reEmoji.ReplaceAllString(s, "")

	s = reDecimal.ReplaceAllString(s, "$1"+decimalMark+"$2")
	s = reDecimal.ReplaceAllString(s, "$1"+decimalMark+"$2")
	s = punctuation.Replace(s)
	s = strings.ReplaceAll(s, decimalMark, ".")

	s = reBlankLines.ReplaceAllString(s, "\n\n")
	s = reSpaces.ReplaceAllString(s, " ")
	s = reCNParens.ReplaceAllString(s, "($1)")
	s = reCNBrackets.ReplaceAllString(s, "[$1]")
	s = reNumberUnit.ReplaceAllString(s, "$1$2")
	s = reFullStops.ReplaceAllString(s, "。")
	s = reTildes.ReplaceAllString(s, "")

	s = strings.TrimSpace(reTrailPause.ReplaceAllString(strings.TrimSpace(s), ""))
	if s != "" && !reTerminalEnd.MatchString(s) {
		s += "。"
	}
	return s
}
