package evidence

import (
	"fmt"
	"regexp"
	"strings"
)

// Classification of a promise-detail string.
type Classification string

const (
	ClassCode    Classification = "code_issue"
	ClassUI      Classification = "ui_issue"
	ClassUnknown Classification = "unknown"
)

// Two disjoint closed lexicons. Matching is case-insensitive substring.
var codeLexicon = []string{
	"import", "syntax", "typeerror", "traceback", "exception",
	"undefined", "null pointer", "compile", "segfault", "stack trace",
	"attributeerror", "modulenotfound", "nameerror", "indentation",
}

var uiLexicon = []string{
	"visible", "layout", "position", "overlap", "render",
	"button", "click", "viewport", "scroll", "css",
	"alignment", "hidden", "z-index", "offscreen",
}

// Classify counts lexicon hits in the detail string. Two or more hits in one
// lexicon decide the class with confidence min(0.95, 0.6 + hits*0.1); a
// single hit with none from the other lexicon gives 0.65; anything else is
// unknown.
func Classify(detail string) (Classification, float64) {
	if detail == "" {
		return ClassUnknown, 0
	}
	lower := strings.ToLower(detail)

	codeHits := countHits(lower, codeLexicon)
	uiHits := countHits(lower, uiLexicon)

	switch {
	case codeHits >= 2 && codeHits >= uiHits:
		return ClassCode, confidence(codeHits)
	case uiHits >= 2 && uiHits > codeHits:
		return ClassUI, confidence(uiHits)
	case codeHits == 1 && uiHits == 0:
		return ClassCode, 0.65
	case uiHits == 1 && codeHits == 0:
		return ClassUI, 0.65
	default:
		return ClassUnknown, 0
	}
}

func confidence(hits int) float64 {
	c := 0.6 + float64(hits)*0.1
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func countHits(lower string, lexicon []string) int {
	hits := 0
	for _, word := range lexicon {
		if strings.Contains(lower, word) {
			hits++
		}
	}
	return hits
}

var locationPattern = regexp.MustCompile(`[\w./-]+\.[A-Za-z]\w*:\d+`)

// BuildReference renders the compact bracketed reference string, e.g.
// [T042_esc001: code_issue in foo.py:42 (ImportError: no module named x)].
func BuildReference(taskID string, escalationSeq int, class Classification, detail string) string {
	location := locationPattern.FindString(detail)

	excerpt := strings.TrimSpace(detail)
	if len(excerpt) > 60 {
		excerpt = excerpt[:60] + "…"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s_esc%03d: %s", taskID, escalationSeq, class)
	if location != "" {
		fmt.Fprintf(&sb, " in %s", location)
	}
	if excerpt != "" {
		fmt.Fprintf(&sb, " (%s)", excerpt)
	}
	sb.WriteString("]")
	return sb.String()
}
