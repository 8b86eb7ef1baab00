package discover

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModuleFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "tryton.cfg", "[tryton]\n")
	writeFile(t, dir, "__init__.py", "def register():\n    pass\n")
	writeFile(t, dir, "party.py", "pass")
	writeFile(t, dir, "party.xml", "<tryton/>")
	writeFile(t, dir, "tests/test_module.py", "pass")
	writeFile(t, dir, "view/party_form.xml", "<form/>")
	// Non-source file should be ignored
	writeFile(t, dir, "readme.txt", "hello")
	// Hidden file should be ignored
	writeFile(t, dir, ".hidden.py", "secret")

	entries, err := ModuleFiles(dir)
	if err != nil {
		t.Fatalf("ModuleFiles: %v", err)
	}

	want := []FileEntry{
		{Path: "__init__.py", Kind: Python},
		{Path: "party.py", Kind: Python},
		{Path: "party.xml", Kind: XML},
		{Path: "tests/test_module.py", Kind: Python},
		{Path: "view/party_form.xml", Kind: View},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(entries), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestModuleFilesSkipDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "main.py", "pass")
	writeFile(t, dir, "node_modules/pkg.py", "pass")
	writeFile(t, dir, "__pycache__/cached.py", "pass")
	writeFile(t, dir, ".hidden/secret.py", "pass")
	writeFile(t, dir, "sub/tryton.cfg", "[tryton]\n")
	writeFile(t, dir, "sub/nested.py", "pass")

	entries, err := ModuleFiles(dir)
	if err != nil {
		t.Fatalf("ModuleFiles: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %v", len(entries), entries)
	}
	if entries[0].Path != "main.py" {
		t.Errorf("expected main.py, got %q", entries[0].Path)
	}
}

func TestModuleFilesGitignore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "generated_*.py\n")
	writeFile(t, dir, "kept.py", "pass")
	writeFile(t, dir, "generated_models.py", "pass")

	entries, err := ModuleFiles(dir)
	if err != nil {
		t.Fatalf("ModuleFiles: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "kept.py" {
		t.Errorf("entries = %v, want only kept.py", entries)
	}
}

func TestModuleFilesSymlinksSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "real.py", "pass")

	// Create symlink
	err := os.Symlink(filepath.Join(dir, "real.py"), filepath.Join(dir, "link.py"))
	if err != nil {
		t.Skip("symlinks not supported")
	}

	entries, err := ModuleFiles(dir)
	if err != nil {
		t.Fatalf("ModuleFiles: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (no symlink), got %d", len(entries))
	}
	if entries[0].Path != "real.py" {
		t.Errorf("expected real.py, got %q", entries[0].Path)
	}
}

func TestIsTestFile(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		want bool
	}{
		{"tests/test_module.py", true},
		{"tests/__init__.py", true},
		{"tests/scenario.py", true},
		{"test_helpers.py", true},
		{"party.py", false},
		{"party/address.py", false},
		{"testing_utils.py", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			got := IsTestFile(tc.path)
			if got != tc.want {
				t.Errorf("IsTestFile(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestIsViewFile(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]bool{
		"view/party_form.xml":  true,
		"view/sub/party.xml":   false,
		"party.xml":            false,
		"view/party_form.py":   false,
		"tests/view/extra.xml": false,
	} {
		if got := IsViewFile(path); got != want {
			t.Errorf("IsViewFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
