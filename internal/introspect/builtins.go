package introspect

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

//go:embed builtins.yaml
var builtinsYAML []byte

type builtinParam struct {
	Name        string `yaml:"name"`
	Cardinality string `yaml:"cardinality"`
}

type builtinMethod struct {
	Name               string         `yaml:"name"`
	Classmethod        bool           `yaml:"classmethod"`
	IgnoreMissingSuper bool           `yaml:"ignore_missing_super"`
	Doc                string         `yaml:"doc"`
	Params             []builtinParam `yaml:"params"`
}

type builtinField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	String   string `yaml:"string"`
	Relation string `yaml:"relation"`
	Function bool   `yaml:"function"`
}

type builtinClass struct {
	Name       string          `yaml:"-"`
	Qualname   string          `yaml:"qualname"`
	Parents    []string        `yaml:"parents"`
	Fields     []builtinField  `yaml:"fields"`
	Methods    []builtinMethod `yaml:"methods"`
	Attributes []string        `yaml:"attributes"`
}

func (c *builtinClass) method(name string) (*builtinMethod, bool) {
	for i := range c.Methods {
		if c.Methods[i].Name == name {
			return &c.Methods[i], true
		}
	}
	return nil, false
}

func (m *builtinMethod) info() *model.MethodInfo {
	info := &model.MethodInfo{Name: m.Name, Classmethod: m.Classmethod, Doc: m.Doc}
	for _, p := range m.Params {
		card, _ := model.ParseCardinality(p.Cardinality)
		info.Params = append(info.Params, model.ParamInfo{Name: p.Name, Cardinality: card})
	}
	return info
}

// Builtins is the table of framework base classes.
type Builtins struct {
	classes map[string]*builtinClass
}

// LoadBuiltins decodes a builtins table.
func LoadBuiltins(data []byte) (*Builtins, error) {
	var doc struct {
		Classes map[string]*builtinClass `yaml:"classes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding builtins: %w", err)
	}
	for name, c := range doc.Classes {
		c.Name = name
		for _, p := range c.Parents {
			if _, ok := doc.Classes[p]; !ok {
				return nil, fmt.Errorf("builtin %s: unknown parent %s", name, p)
			}
		}
	}
	return &Builtins{classes: doc.Classes}, nil
}

var (
	defaultBuiltins     *Builtins
	defaultBuiltinsOnce sync.Once
)

// DefaultBuiltins returns the embedded table.
func DefaultBuiltins() *Builtins {
	defaultBuiltinsOnce.Do(func() {
		b, err := LoadBuiltins(builtinsYAML)
		if err != nil {
			panic(fmt.Sprintf("introspect: embedded builtins: %v", err))
		}
		defaultBuiltins = b
	})
	return defaultBuiltins
}

// class returns a base class by its short name.
func (b *Builtins) class(name string) (*builtinClass, bool) {
	c, ok := b.classes[name]
	return c, ok
}

// Has reports whether name is a framework base class.
func (b *Builtins) Has(name string) bool {
	_, ok := b.classes[name]
	return ok
}
