package resolve

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

//go:embed conventions.yaml
var conventionsYAML []byte

// Convention binds the parameter at Index of a method, selected by name or
// by decorator, to records of the enclosing model.
type Convention struct {
	Method      string `yaml:"method,omitempty"`
	Decorator   string `yaml:"decorator,omitempty"`
	Index       int    `yaml:"index"`
	Cardinality string `yaml:"cardinality"`
}

// Conventions is the special-parameter table.
type Conventions struct {
	methods    map[string]map[int]model.Cardinality
	decorators map[string]map[int]model.Cardinality
}

// LoadConventions decodes a table.
func LoadConventions(data []byte) (*Conventions, error) {
	var doc struct {
		SpecialParameters []Convention `yaml:"special_parameters"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding conventions: %w", err)
	}
	c := &Conventions{
		methods:    make(map[string]map[int]model.Cardinality),
		decorators: make(map[string]map[int]model.Cardinality),
	}
	if err := c.add(doc.SpecialParameters); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	defaultConventions     *Conventions
	defaultConventionsOnce sync.Once
)

// DefaultConventions returns the embedded table.
func DefaultConventions() *Conventions {
	defaultConventionsOnce.Do(func() {
		c, err := LoadConventions(conventionsYAML)
		if err != nil {
			panic(fmt.Sprintf("resolve: embedded conventions: %v", err))
		}
		defaultConventions = c
	})
	return defaultConventions
}

// With returns a copy of the table extended with extra entries.
func (c *Conventions) With(extra ...Convention) (*Conventions, error) {
	out := &Conventions{
		methods:    make(map[string]map[int]model.Cardinality, len(c.methods)),
		decorators: make(map[string]map[int]model.Cardinality, len(c.decorators)),
	}
	copyTable(out.methods, c.methods)
	copyTable(out.decorators, c.decorators)
	if err := out.add(extra); err != nil {
		return nil, err
	}
	return out, nil
}

func copyTable(dst, src map[string]map[int]model.Cardinality) {
	for k, v := range src {
		m := make(map[int]model.Cardinality, len(v))
		for i, card := range v {
			m[i] = card
		}
		dst[k] = m
	}
}

func (c *Conventions) add(entries []Convention) error {
	for _, e := range entries {
		card, ok := model.ParseCardinality(e.Cardinality)
		if !ok {
			return fmt.Errorf("convention %s%s: bad cardinality %q", e.Method, e.Decorator, e.Cardinality)
		}
		table, key := c.methods, e.Method
		if e.Decorator != "" {
			table, key = c.decorators, e.Decorator
		}
		if key == "" || e.Index < 0 {
			return fmt.Errorf("convention %+v: needs a method or a decorator and a valid index", e)
		}
		if table[key] == nil {
			table[key] = make(map[int]model.Cardinality)
		}
		table[key][e.Index] = card
	}
	return nil
}

// Parameter returns the cardinality of the parameter at index of a method
// named method carrying decorators (dotted names).
func (c *Conventions) Parameter(method string, decorators []string, index int) (model.Cardinality, bool) {
	for _, d := range decorators {
		if card, ok := c.decorators[d][index]; ok {
			return card, true
		}
	}
	card, ok := c.methods[method][index]
	return card, ok
}
