package complete

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

// kindOrder ranks member kinds within the own and inherited groups.
var kindOrder = map[model.MemberKind]int{
	model.MemberField:     0,
	model.MemberState:     1,
	model.MemberMethod:    2,
	model.MemberAttribute: 3,
}

func (c Candidate) group() int {
	g := kindOrder[c.Kind]
	if c.Inherited {
		g += len(kindOrder)
	}
	return g
}

// Members yields the members of meta visible from mctx whose name matches
// prefix: own members before inherited ones, fields, states, methods and
// attributes in turn, alphabetically within each group. The sequence is
// computed when first ranged over and can only be used once.
func Members(meta *model.ModelMetadata, mctx *model.ModuleContext, prefix string) iter.Seq[Candidate] {
	used := false
	return func(yield func(Candidate) bool) {
		if used {
			return
		}
		used = true
		for _, c := range rank(meta, mctx, prefix) {
			if !yield(c) {
				return
			}
		}
	}
}

func rank(meta *model.ModelMetadata, mctx *model.ModuleContext, prefix string) []Candidate {
	var out []Candidate
	for _, m := range meta.Members() {
		if !mctx.AnyVisible(m.Modules) || !Matches(prefix, m.Name) {
			continue
		}
		out = append(out, candidate(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].group() < out[j].group()
	})
	return out
}

// Matches reports whether the characters of typed appear in name in order.
func Matches(typed, name string) bool {
	for _, r := range typed {
		i := strings.IndexRune(name, r)
		if i < 0 {
			return false
		}
		name = name[i+len(string(r)):]
	}
	return true
}

// Select returns at most limit candidates, and whether some were left out. A
// limit <= 0 keeps them all.
func Select(seq iter.Seq[Candidate], limit int) ([]Candidate, bool) {
	items := []Candidate{}
	for c := range seq {
		if limit > 0 && len(items) == limit {
			return items, true
		}
		items = append(items, c)
	}
	return items, false
}

func candidate(m model.Member) Candidate {
	c := Candidate{Name: m.Name, Kind: m.Kind, Inherited: m.Inherited, Modules: m.Modules}
	switch {
	case m.Field != nil:
		f := m.Field
		c.Detail = f.Type
		if f.Relation != "" {
			c.Detail += " (" + f.Relation + ")"
		}
		if f.Function {
			c.Detail += " [Function]"
		}
		c.Doc = f.String
		if len(f.Selection) > 0 {
			c.Doc += "\n\nSelection:\n\n" + strings.Join(f.Selection, ", ")
		}
	case m.State != nil:
		c.Detail = "state " + m.State.Type
		if m.State.Relation != "" {
			c.Detail += " (" + m.State.Relation + ")"
		}
	case m.Method != nil:
		c.Detail = signature(m.Method)
		c.Doc = m.Method.Doc
	default:
		c.Detail = "attribute"
	}
	c.Doc = strings.TrimSpace(c.Doc)
	return c
}

func signature(m *model.MethodInfo) string {
	params := make([]string, 0, len(m.Params))
	for _, p := range m.Params {
		switch {
		case p.Cardinality == 0:
			params = append(params, p.Name)
		case p.Model == "":
			params = append(params, fmt.Sprintf("%s: %s", p.Name, annotation(p.Cardinality)))
		default:
			params = append(params, fmt.Sprintf("%s: %s['%s']", p.Name, annotation(p.Cardinality), p.Model))
		}
	}
	sig := m.Name + "(" + strings.Join(params, ", ") + ")"
	if m.Classmethod {
		sig = "classmethod " + sig
	}
	return sig
}

func annotation(c model.Cardinality) string {
	if c == model.Many {
		return "Records"
	}
	return "Record"
}
