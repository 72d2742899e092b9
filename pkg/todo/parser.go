// Package todo reads and writes the todo.md source-of-truth file. The file
// carries four fixed sections; task lines follow a single-line grammar and
// anything that does not parse is preserved untouched.
package todo

import (
	"fmt"
	"regexp"
	"strings"
)

// Section names, matched by exact heading.
type Section string

const (
	SectionBacklog Section = "Backlog"
	SectionActive  Section = "Active"
	SectionDelayed Section = "Delayed"
	SectionDone    Section = "Done"
)

var sectionOrder = []Section{SectionBacklog, SectionActive, SectionDelayed, SectionDone}

// State is the checkbox value of a task line.
type State string

const (
	StatePending    State = " "
	StateDone       State = "x"
	StateInProgress State = "~"
)

// Item is one parsed task line.
type Item struct {
	ID        string // "T42"
	Num       int
	State     State
	Body      string
	StatusTag string // uppercase tag without the asterisks, e.g. "DONE"
	Assignee  string
	Section   Section
	LineIdx   int
}

// Two-stage matching: strict first (with the bold status tag), then loose.
var (
	strictLine = regexp.MustCompile(`^- \[( |x|~)\] T(\d+): (.*?) \*\*([A-Z_]+)\*\* @(\S+)\s*$`)
	looseLine  = regexp.MustCompile(`^- \[( |x|~)\] T(\d+): (.*?) @(\S+)\s*$`)
	headingRe  = regexp.MustCompile(`^## (Backlog|Active|Delayed|Done)\s*$`)
)

// File is a parsed todo.md: the raw lines plus the parsed item index.
// Mutations rewrite Lines and reparse, so the two never diverge.
type File struct {
	Lines []string
	Items []Item
}

// Parse builds a File from raw content.
func Parse(content string) (*File, error) {
	f := &File{Lines: splitLines(content)}
	if err := f.reparse(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) reparse() error {
	f.Items = f.Items[:0]
	seen := make(map[int]bool)

	current := Section("")
	for idx, line := range f.Lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			current = Section(m[1])
			continue
		}
		if current == "" {
			continue
		}

		item, ok := parseLine(line)
		if !ok {
			continue
		}
		item.Section = current
		item.LineIdx = idx

		if seen[item.Num] {
			return fmt.Errorf("duplicate task id T%d", item.Num)
		}
		seen[item.Num] = true
		f.Items = append(f.Items, item)
	}
	return nil
}

func parseLine(line string) (Item, bool) {
	if m := strictLine.FindStringSubmatch(line); m != nil {
		return Item{
			State:     State(m[1]),
			Num:       atoiMust(m[2]),
			ID:        "T" + m[2],
			Body:      m[3],
			StatusTag: m[4],
			Assignee:  m[5],
		}, true
	}
	if m := looseLine.FindStringSubmatch(line); m != nil {
		return Item{
			State:    State(m[1]),
			Num:      atoiMust(m[2]),
			ID:       "T" + m[2],
			Body:     m[3],
			Assignee: m[4],
		}, true
	}
	return Item{}, false
}

// Find returns the item with the given id ("T42").
func (f *File) Find(id string) (Item, bool) {
	for _, item := range f.Items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// NextIDs allocates n ids after the highest numeric suffix in the file.
// Deterministic and monotonic.
func (f *File) NextIDs(n int) []string {
	max := 0
	for _, item := range f.Items {
		if item.Num > max {
			max = item.Num
		}
	}

	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("T%d", max+i))
	}
	return ids
}

// Render joins the lines back into file content.
func (f *File) Render() string {
	return strings.Join(f.Lines, "\n")
}

// renderItem rebuilds one task line from components.
func renderItem(item Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- [%s] %s: %s", item.State, item.ID, item.Body)
	if item.StatusTag != "" {
		fmt.Fprintf(&sb, " **%s**", item.StatusTag)
	}
	fmt.Fprintf(&sb, " @%s", item.Assignee)
	return sb.String()
}

// sectionBounds returns the heading line index and the index one past the
// last line belonging to the section.
func (f *File) sectionBounds(section Section) (heading, end int, ok bool) {
	heading = -1
	for idx, line := range f.Lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if heading >= 0 {
				return heading, idx, true
			}
			if Section(m[1]) == section {
				heading = idx
			}
		}
	}
	if heading >= 0 {
		return heading, len(f.Lines), true
	}
	return 0, 0, false
}

// lastTaskLine returns the index of the section's last task line, or the
// heading index when the section holds none.
func (f *File) lastTaskLine(section Section) (int, bool) {
	heading, end, ok := f.sectionBounds(section)
	if !ok {
		return 0, false
	}

	last := heading
	for idx := heading + 1; idx < end; idx++ {
		if _, ok := parseLine(f.Lines[idx]); ok {
			last = idx
		}
	}
	return last, true
}

func splitLines(content string) []string {
	return strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
}

func atoiMust(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
