package toon

import (
	"strings"
	"testing"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

func TestEncodeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", `""`},
		{"simple", "hello", "hello"},
		{"leading space", " hello", `" hello"`},
		{"trailing space", "hello ", `"hello "`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"carriage return", "a\rb", `"a\rb"`},
		{"true keyword", "true", `"true"`},
		{"True keyword", "True", `"True"`},
		{"false keyword", "false", `"false"`},
		{"null keyword", "null", `"null"`},
		{"integer", "42", "42"},
		{"negative integer", "-1", "-1"},
		{"float", "3.14", "3.14"},
		{"zero", "0", "0"},
		{"leading zero invalid", "01", "01"},
		{"comma", "a,b", `"a,b"`},
		{"colon", "a:b", `"a:b"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"bracket", "a[b", `"a[b"`},
		{"brace", "a{b", `"a{b"`},
		{"dash prefix", "-foo", `"-foo"`},
		{"path", "src/main.py", "src/main.py"},
		{"dotted name", "Foo.__init__", "Foo.__init__"},
		{"signature no special", "run(self) -> None", "run(self) -> None"},
		{"message", "Unknown attribute 'name' on model 'party.party'", "Unknown attribute 'name' on model 'party.party'"},
		{"message with colon", "'super' call must use the same name (other: 'write')", `"'super' call must use the same name (other: 'write')"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := encodeValue(tt.in)
			if got != tt.want {
				t.Errorf("encodeValue(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	reports := []model.ModuleReport{
		{
			Name: "party",
			Dir:  "/src/modules/party",
			Files: []model.FileReport{
				{Path: "party.py", Outcome: "complete"},
				{Path: "party.xml", Outcome: "complete", Degraded: true},
				{Path: "broken.py", Outcome: "partial", Error: "reading broken.py: permission denied"},
			},
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("/src/modules/party/party.py",
					model.Span{Start: model.Position{Line: 11, Column: 13}, End: model.Position{Line: 11, Column: 17}},
					model.CodeUnknownAttribute, "Unknown attribute '%s' on model '%s'", "nmae", "party.party"),
				model.NewDiagnostic("/elsewhere/other.py",
					model.Span{},
					model.CodeSuperMismatchedName, "'super' call must use the same name (other: '%s')", "write"),
			},
		},
		{Name: "company", Dir: "/src/modules/company"},
	}

	got := Encode(reports)
	lines := strings.Split(got, "\n")
	want := []string{
		"module: party",
		"dir: /src/modules/party",
		"files[3]{path,outcome,degraded}:",
		"  party.py,complete,false",
		"  party.xml,complete,true",
		"  broken.py,partial,false",
		"errors[1]{path,error}:",
		`  broken.py,"reading broken.py: permission denied"`,
		"diagnostics[2]{file,line,column,code,kind,severity,message}:",
		"  party.py,12,13,1007,UnknownAttribute,ERROR,Unknown attribute 'nmae' on model 'party.party'",
		`  /elsewhere/other.py,1,0,1002,SuperInvocationMismatchedName,ERROR,"'super' call must use the same name (other: 'write')"`,
		"",
		"module: company",
		"dir: /src/modules/company",
		"files[0]{path,outcome,degraded}:",
		"diagnostics[0]{file,line,column,code,kind,severity,message}:",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	if got := Encode(nil); got != "" {
		t.Errorf("Encode(nil) = %q, want empty", got)
	}
}
