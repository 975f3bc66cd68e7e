package parser

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	tableOpen  = "[TABLE]"
	tableClose = "[/TABLE]"
)

var (
	spaceRuns      = regexp.MustCompile(`[ ]{2,}`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
	blankRunsLoose = regexp.MustCompile(`\n{4,}`)
	// Lines made only of repeated structural punctuation carry no content.
	structuralLine = regexp.MustCompile(`^[-=_*.~#|+]{3,}$`)
)

// cleanText normalizes extracted plain text: control characters stripped,
// space runs collapsed, blank-line runs capped at two, lines trimmed, and
// ruler lines dropped. Markdown documents skip this entirely.
func cleanText(text string) string {
	text = stripControl(text)

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
		if structuralLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// gentleCleanText is the variant used when [TABLE] markers are present:
// table rows keep their spacing and only runs of four or more blank lines
// collapse.
func gentleCleanText(text string) string {
	text = stripControl(text)
	text = blankRunsLoose.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}

// stripControl removes control characters except newline and tab.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
