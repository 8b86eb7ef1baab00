package resolve

import (
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// Status is the outcome of a member lookup.
type Status int

const (
	Unknown Status = iota
	Found
	// Unavailable means the model is valid but the member only exists in
	// modules outside the context.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Lookup finds a member of meta as seen from mctx.
func Lookup(meta *model.ModelMetadata, mctx *model.ModuleContext, name string) (model.Member, Status) {
	m, ok := meta.Member(name)
	if !ok {
		return model.Member{}, Unknown
	}
	if !mctx.AnyVisible(m.Modules) {
		return m, Unavailable
	}
	return m, Found
}
