package todo

import (
	"fmt"
	"strings"
)

// AppendToBacklog inserts pre-formatted task lines immediately after the last
// existing Backlog line (or the heading when the section is empty).
func (f *File) AppendToBacklog(lines []string) error {
	for _, line := range lines {
		if _, ok := parseLine(line); !ok {
			return fmt.Errorf("line does not match the task grammar: %q", line)
		}
	}

	insertAt, ok := f.lastTaskLine(SectionBacklog)
	if !ok {
		return fmt.Errorf("todo file has no Backlog section")
	}

	updated := make([]string, 0, len(f.Lines)+len(lines))
	updated = append(updated, f.Lines[:insertAt+1]...)
	updated = append(updated, lines...)
	updated = append(updated, f.Lines[insertAt+1:]...)
	f.Lines = updated

	return f.reparse()
}

// MarkInProgress rewrites only the checkbox of the line, in place.
func (f *File) MarkInProgress(id string) error {
	item, ok := f.Find(id)
	if !ok {
		return fmt.Errorf("task '%s' not found", id)
	}

	line := f.Lines[item.LineIdx]
	f.Lines[item.LineIdx] = strings.Replace(line, "- [ ]", "- [~]", 1)
	return f.reparse()
}

// MoveToActive moves the line into the Active section and sets the
// in-progress checkbox.
func (f *File) MoveToActive(id string) error {
	item, ok := f.Find(id)
	if !ok {
		return fmt.Errorf("task '%s' not found", id)
	}

	item.State = StateInProgress
	return f.moveTo(item, SectionActive)
}

// MarkDone moves the line to Done, sets the checkbox to x, appends the DONE
// tag before the assignee, and optionally appends a note before the tag.
func (f *File) MarkDone(id, note string) error {
	item, ok := f.Find(id)
	if !ok {
		return fmt.Errorf("task '%s' not found", id)
	}

	item.State = StateDone
	item.StatusTag = "DONE"
	if note != "" {
		item.Body = fmt.Sprintf("%s (%s)", item.Body, note)
	}
	return f.moveTo(item, SectionDone)
}

// moveTo removes the item's current line and inserts the re-rendered line at
// the end of the target section. Whole-file rewrite semantics: callers
// persist the rendered result atomically.
func (f *File) moveTo(item Item, target Section) error {
	withoutOld := make([]string, 0, len(f.Lines))
	withoutOld = append(withoutOld, f.Lines[:item.LineIdx]...)
	withoutOld = append(withoutOld, f.Lines[item.LineIdx+1:]...)
	f.Lines = withoutOld
	if err := f.reparse(); err != nil {
		return err
	}

	insertAt, ok := f.lastTaskLine(target)
	if !ok {
		return fmt.Errorf("todo file has no %s section", target)
	}

	line := renderItem(item)
	updated := make([]string, 0, len(f.Lines)+1)
	updated = append(updated, f.Lines[:insertAt+1]...)
	updated = append(updated, line)
	updated = append(updated, f.Lines[insertAt+1:]...)
	f.Lines = updated

	return f.reparse()
}
