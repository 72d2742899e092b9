package todo

import (
	"strings"
	"testing"
)

const sampleTodo = `# Tasks

## Backlog
- [ ] T501: add retry logic @unassigned
- [ ] T502: write parser docs **BLOCKED** @bob
random prose that is not a task

## Active
- [~] T400: migrate config loader @alice

## Delayed

## Done
- [x] T100: bootstrap repo **DONE** @alice
`

func TestParseSampleFile(t *testing.T) {
	f, err := Parse(sampleTodo)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(f.Items) != 4 {
		t.Fatalf("items = %d, want 4", len(f.Items))
	}

	t501, ok := f.Find("T501")
	if !ok {
		t.Fatal("T501 not found")
	}
	if t501.Section != SectionBacklog || t501.State != StatePending || t501.Assignee != "unassigned" {
		t.Errorf("T501 = %+v", t501)
	}
	if t501.StatusTag != "" {
		t.Errorf("loose line should carry no status tag, got %q", t501.StatusTag)
	}

	t502, _ := f.Find("T502")
	if t502.StatusTag != "BLOCKED" || t502.Body != "write parser docs" {
		t.Errorf("T502 = %+v", t502)
	}

	t100, _ := f.Find("T100")
	if t100.Section != SectionDone || t100.State != StateDone || t100.StatusTag != "DONE" {
		t.Errorf("T100 = %+v", t100)
	}
}

func TestParsePreservesUnparseableLines(t *testing.T) {
	f, err := Parse(sampleTodo)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !strings.Contains(f.Render(), "random prose that is not a task") {
		t.Error("non-task lines must survive a round trip untouched")
	}
	if f.Render() != sampleTodo {
		t.Errorf("round trip mutated content:\n%s", f.Render())
	}
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	content := "## Backlog\n- [ ] T1: first @a\n- [ ] T1: second @b\n"
	if _, err := Parse(content); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestNextIDsMonotonic(t *testing.T) {
	f, err := Parse(sampleTodo)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ids := f.NextIDs(3)
	want := []string{"T503", "T504", "T505"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestNextIDsEmptyFile(t *testing.T) {
	f, err := Parse(Skeleton("Tasks"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ids := f.NextIDs(1)
	if ids[0] != "T1" {
		t.Errorf("ids[0] = %s, want T1", ids[0])
	}
}

func TestAppendToBacklogValidatesGrammar(t *testing.T) {
	f, _ := Parse(sampleTodo)

	if err := f.AppendToBacklog([]string{"not a task line"}); err == nil {
		t.Fatal("expected grammar rejection")
	}

	if err := f.AppendToBacklog([]string{"- [ ] T503: new work @unassigned"}); err != nil {
		t.Fatalf("AppendToBacklog() error = %v", err)
	}
	item, ok := f.Find("T503")
	if !ok || item.Section != SectionBacklog {
		t.Errorf("T503 = %+v, ok = %v", item, ok)
	}
}

func TestMarkDoneMovesAndTags(t *testing.T) {
	f, _ := Parse(sampleTodo)

	if err := f.MarkDone("T501", "ok"); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}

	item, ok := f.Find("T501")
	if !ok {
		t.Fatal("T501 disappeared")
	}
	if item.Section != SectionDone || item.State != StateDone || item.StatusTag != "DONE" {
		t.Errorf("T501 = %+v", item)
	}
	if !strings.Contains(f.Render(), "- [x] T501: add retry logic (ok) **DONE** @unassigned") {
		t.Errorf("rendered line wrong:\n%s", f.Render())
	}
}

func TestMoveToActiveSetsCheckbox(t *testing.T) {
	f, _ := Parse(sampleTodo)

	if err := f.MoveToActive("T501"); err != nil {
		t.Fatalf("MoveToActive() error = %v", err)
	}
	item, _ := f.Find("T501")
	if item.Section != SectionActive || item.State != StateInProgress {
		t.Errorf("T501 = %+v", item)
	}
}

func TestMarkInProgressRewritesInPlace(t *testing.T) {
	f, _ := Parse(sampleTodo)

	if err := f.MarkInProgress("T501"); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	item, _ := f.Find("T501")
	if item.State != StateInProgress || item.Section != SectionBacklog {
		t.Errorf("T501 = %+v", item)
	}
}

func TestWriterUnknownID(t *testing.T) {
	f, _ := Parse(sampleTodo)
	if err := f.MarkDone("T999", ""); err == nil {
		t.Fatal("expected not-found error")
	}
}
