package analyzer

import (
	"strings"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

const ignoreMarker = "IGNORE-TRYTON-LS-"

// suppressed reports whether an ignore marker for code sits on the zero-based
// line n, or on the line above it when that line is a comment starting with
// comment.
func suppressed(line func(int) string, n int, code model.Code, comment string) bool {
	if line == nil {
		return false
	}
	marker := ignoreMarker + string(code)
	if strings.Contains(line(n), marker) {
		return true
	}
	if n == 0 {
		return false
	}
	prev := strings.TrimSpace(line(n - 1))
	return strings.HasPrefix(prev, comment) && strings.Contains(prev, marker)
}
