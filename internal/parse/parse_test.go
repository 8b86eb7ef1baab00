package parse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

func setup(t *testing.T) func(source string) *SourceTree {
	t.Helper()
	return func(source string) *SourceTree {
		st, err := Parse(context.Background(), []byte(source), "test.py")
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		t.Cleanup(st.Close)
		return st
	}
}

func unitNames(st *SourceTree) []string {
	var names []string
	for _, u := range st.Units {
		names = append(names, lang.DefName(u.Node, st.Source))
	}
	return names
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

func TestParseComplete(t *testing.T) {
	t.Parallel()
	parse := setup(t)

	st := parse("import os\n\nclass A:\n    pass\n\n\ndef f():\n    return 1\n")
	if st.Outcome != Complete {
		t.Fatalf("outcome = %s, want complete", st.Outcome)
	}
	if len(st.Units) != 3 {
		t.Fatalf("units = %d, want 3", len(st.Units))
	}
	if len(st.ErrorRanges) != 0 {
		t.Errorf("error ranges = %v, want none", st.ErrorRanges)
	}
	names := unitNames(st)
	if !contains(names, "A") || !contains(names, "f") {
		t.Errorf("unit names = %v", names)
	}
}

func TestParsePartialKeepsValidUnits(t *testing.T) {
	t.Parallel()
	parse := setup(t)

	src := "def a():\n    return 1\n\n\ndef b(:\n    pass\n\n\ndef c():\n    return 2\n"
	st := parse(src)
	if st.Outcome != Partial {
		t.Fatalf("outcome = %s, want partial", st.Outcome)
	}
	if len(st.ErrorRanges) == 0 {
		t.Fatal("expected at least one error range")
	}
	names := unitNames(st)
	if !contains(names, "a") || !contains(names, "c") {
		t.Errorf("unit names = %v, want a and c", names)
	}
	if contains(names, "b") {
		t.Errorf("broken function b exposed as a unit: %v", names)
	}
	for _, u := range st.Units {
		if u.Node.HasError() {
			t.Errorf("unit %s has errors", lang.DefName(u.Node, st.Source))
		}
	}
	onBrokenLine := false
	for _, r := range st.ErrorRanges {
		if r.Start.Line <= 4 && r.End.Line >= 4 {
			onBrokenLine = true
		}
	}
	if !onBrokenLine {
		t.Errorf("line of the broken parameter list not reported in %v", st.ErrorRanges)
	}
}

func TestParseUnitsSorted(t *testing.T) {
	t.Parallel()
	parse := setup(t)

	st := parse("x = 1\n)\ny = 2\n\n\ndef f():\n    pass\n")
	for i := 1; i < len(st.Units); i++ {
		if st.Units[i].Span.Start.Before(st.Units[i-1].Span.Start) {
			t.Fatalf("units out of order at %d", i)
		}
	}
}

func TestParseOversized(t *testing.T) {
	t.Parallel()

	src := []byte(strings.Repeat("x = 1\n", 100))
	st, err := Parse(context.Background(), src, "big.py", WithMaxFileSize(10))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer st.Close()
	if st.Outcome != Partial {
		t.Errorf("outcome = %s, want partial", st.Outcome)
	}
	if len(st.Units) != 0 {
		t.Errorf("units = %d, want 0", len(st.Units))
	}
	if st.Root() != nil {
		t.Error("oversized file should have no root")
	}
}

func TestParseCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Parse(ctx, []byte("x = 1\n"), "c.py")
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("err = %v, want ErrCanceled", err)
	}
}

func TestPositions(t *testing.T) {
	t.Parallel()
	parse := setup(t)

	st := parse("a = 1\r\nbb = 2\nccc = 3")
	if st.LineCount() != 3 {
		t.Fatalf("LineCount = %d", st.LineCount())
	}
	tests := []struct {
		line int
		want string
	}{
		{0, "a = 1"},
		{1, "bb = 2"},
		{2, "ccc = 3"},
		{3, ""},
	}
	for _, tt := range tests {
		if got := st.Line(tt.line); got != tt.want {
			t.Errorf("Line(%d) = %q, want %q", tt.line, got, tt.want)
		}
	}
	pos := model.Position{Line: 2, Column: 1}
	off := st.Offset(pos)
	if st.Source[off] != 'c' {
		t.Errorf("Offset(%v) = %d points at %q", pos, off, st.Source[off])
	}
	if got := st.Position(off); got != pos {
		t.Errorf("Position(%d) = %v, want %v", off, got, pos)
	}
}

func TestUnitAt(t *testing.T) {
	t.Parallel()
	parse := setup(t)

	st := parse("def f():\n    return 1\n\n\ndef g():\n    return 2\n")
	u, ok := st.UnitAt(model.Position{Line: 5, Column: 8})
	if !ok {
		t.Fatal("no unit at line 5")
	}
	if name := lang.DefName(u.Node, st.Source); name != "g" {
		t.Errorf("UnitAt = %s, want g", name)
	}
	if _, ok := st.UnitAt(model.Position{Line: 2, Column: 0}); ok {
		t.Error("blank line should not belong to a unit")
	}
}
