package introspect

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLinearize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		graph map[string][]string
		start string
		want  []string
	}{
		{
			name:  "single chain",
			graph: map[string][]string{"c": {"b"}, "b": {"a"}},
			start: "c",
			want:  []string{"c", "b", "a"},
		},
		{
			name: "diamond",
			graph: map[string][]string{
				"d": {"b", "c"},
				"b": {"a"},
				"c": {"a"},
				"a": {"object"},
			},
			start: "d",
			want:  []string{"d", "b", "c", "a", "object"},
		},
		{
			name: "overlay",
			graph: map[string][]string{
				"pool:1":   {"override", "pool:0"},
				"pool:0":   {"base"},
				"override": {"object"},
				"base":     {"sql", "view"},
				"sql":      {"storage"},
				"storage":  {"model"},
				"view":     {"model"},
				"model":    {"object"},
			},
			start: "pool:1",
			want:  []string{"pool:1", "override", "pool:0", "base", "sql", "storage", "view", "model", "object"},
		},
		{
			name: "inconsistent falls back to depth first",
			graph: map[string][]string{
				"x": {"a", "b"},
				"y": {"b", "a"},
				"z": {"x", "y"},
			},
			start: "z",
			want:  []string{"z", "x", "a", "b", "y"},
		},
		{
			name:  "cycle",
			graph: map[string][]string{"a": {"b"}, "b": {"a"}},
			start: "a",
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := linearize(tt.start, func(id string) []string { return tt.graph[id] })
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("linearize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
