package lang

import (
	"context"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

func TestForExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want string
	}{
		{".py", "python"},
		{".xml", ""},
		{".cfg", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			t.Parallel()
			got := ForExtension(tt.ext)
			if got != tt.want {
				t.Errorf("ForExtension(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}

func TestLanguagesRegistered(t *testing.T) {
	t.Parallel()

	py := Python()
	if py == nil {
		t.Fatal("python language not registered")
	}
	if py.GetLanguage() == nil {
		t.Error("python language is nil")
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"register", "imports"} {
		q, err := Python().Query(name)
		if err != nil {
			t.Fatalf("Query(%s): %v", name, err)
		}
		if q == nil {
			t.Fatalf("Query(%s) is nil", name)
		}
	}
	if _, err := Python().Query("missing"); err == nil {
		t.Error("expected an error for an unknown query")
	}
}

func parseRoot(t *testing.T, src string) (*sitter.Node, []byte) {
	t.Helper()
	source := []byte(src)
	tree, err := Python().NewParser().ParseCtx(context.Background(), nil, source)
	if err != nil {
		t.Fatalf("ParseCtx: %v", err)
	}
	t.Cleanup(tree.Close)
	return tree.RootNode(), source
}

func TestStringLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		src    string
		want   string
		wantOK bool
	}{
		{`x = "account.invoice"`, "account.invoice", true},
		{`x = 'ir.model'`, "ir.model", true},
		{`x = r"raw"`, "raw", true},
		{`x = """doc"""`, "doc", true},
		{`x = f"{y}"`, "", false},
		{`x = b"bytes"`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			t.Parallel()
			root, source := parseRoot(t, tt.src)
			assign := root.NamedChild(0).NamedChild(0)
			got, ok := StringLiteral(assign.ChildByFieldName("right"), source)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("StringLiteral(%s) = %q, %v; want %q, %v", tt.src, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFindEnclosingClass(t *testing.T) {
	t.Parallel()

	src := "class A:\n    @classmethod\n    def f(cls):\n        pass\n\n    def g(self):\n        pass\n"
	root, source := parseRoot(t, src)
	class := root.NamedChild(0)
	for _, stmt := range ClassBody(class) {
		def := Unwrap(stmt)
		if def.Type() != NodeFunction {
			t.Fatalf("unexpected statement %s", def.Type())
		}
		if got := FindEnclosingClass(def); got == nil || DefName(got, source) != "A" {
			t.Errorf("FindEnclosingClass(%s) did not find A", DefName(def, source))
		}
	}
	decorated := ClassBody(class)[0]
	decs := Decorators(decorated)
	if len(decs) != 1 || NodeText(decs[0], source) != "classmethod" {
		t.Errorf("Decorators = %v", decs)
	}
}

func TestCallHelpers(t *testing.T) {
	t.Parallel()

	root, source := parseRoot(t, `name = fields.Many2One("res.user", "User", required=True)`)
	call := root.NamedChild(0).NamedChild(0).ChildByFieldName("right")
	if got := CallName(call, source); got != "fields.Many2One" {
		t.Errorf("CallName = %q", got)
	}
	pos, kw := CallArgs(call, source)
	if len(pos) != 2 {
		t.Fatalf("positional = %d, want 2", len(pos))
	}
	if s, _ := StringLiteral(pos[0], source); s != "res.user" {
		t.Errorf("first arg = %q", s)
	}
	if _, ok := kw["required"]; !ok {
		t.Error("missing keyword argument required")
	}
}

func TestRecordAnnotation(t *testing.T) {
	t.Parallel()

	root, src := parseRoot(t, "def f(a: Record, b: Records['party.party'], c: int, d: Record[\"x\"]):\n    pass\n")
	params := root.NamedChild(0).ChildByFieldName("parameters")

	type result struct {
		card  model.Cardinality
		model string
		ok    bool
	}
	var got []result
	for _, p := range NamedChildren(params) {
		card, name, ok := RecordAnnotation(p.ChildByFieldName("type"), src)
		got = append(got, result{card, name, ok})
	}
	want := []result{
		{model.Single, "", true},
		{model.Many, "party.party", true},
		{0, "", false},
		{model.Single, "x", true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d params, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("param %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
