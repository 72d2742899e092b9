package registry

import (
	"sort"
	"testing"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	if err := r.Register("a", 1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("a", 2); err == nil {
		t.Error("duplicate registration should error")
	}
	if err := r.Register("", 3); err == nil {
		t.Error("empty name should error")
	}

	got, ok := r.Get("a")
	if !ok || got != 1 {
		t.Errorf("Get(a) = (%d, %v)", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestNamesAndCount(t *testing.T) {
	r := NewBaseRegistry[string]()
	_ = r.Register("b", "B")
	_ = r.Register("a", "A")

	names := r.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d", r.Count())
	}
	if len(r.List()) != 2 {
		t.Errorf("List() = %v", r.List())
	}
}

func TestRemoveAndClear(t *testing.T) {
	r := NewBaseRegistry[string]()
	_ = r.Register("a", "A")

	if err := r.Remove("missing"); err == nil {
		t.Error("removing an unknown item should error")
	}
	if err := r.Remove("a"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}

	_ = r.Register("a", "A")
	_ = r.Register("b", "B")
	r.Clear()
	if r.Count() != 0 {
		t.Errorf("Count() after Clear = %d", r.Count())
	}
}
