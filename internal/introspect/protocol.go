// Package introspect builds the framework registry statically and serves it
// from a worker process. The client side supervises that worker.
//
// The protocol is one JSON object per line. The worker writes a ready line
// when it starts, then answers each request line with a response line
// carrying the request id.
package introspect

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

// Protocol methods.
const (
	MethodInitPool           = "init_pool"
	MethodGetModel           = "get_model"
	MethodListFields         = "list_fields"
	MethodListMethods        = "list_methods"
	MethodResolveInheritance = "resolve_inheritance"
	MethodSuperChain         = "super_chain"
	MethodModuleInfo         = "module_info"
	MethodReload             = "reload"
	MethodPing               = "ping"
)

var (
	// ErrNotFound means the worker answered and the name does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDegraded means no answer could be obtained in time. Callers treat it
	// as not found and flag their results.
	ErrDegraded = errors.New("introspector degraded")
	// ErrUnavailable is returned while the worker is being respawned.
	ErrUnavailable = fmt.Errorf("%w: worker unavailable", ErrDegraded)
	// ErrWorkerExited is returned when the worker process ended.
	ErrWorkerExited = errors.New("introspector exited")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("introspector client closed")
)

// Status of a response.
type Status string

const (
	StatusReady    Status = "ready"
	StatusOK       Status = "ok"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Params are the arguments of every method. Unused keys are left empty.
type Params struct {
	Modules []string   `json:"modules,omitempty"`
	Name    string     `json:"name,omitempty"`
	Kind    model.Kind `json:"kind,omitempty"`
	Method  string     `json:"method,omitempty"`
}

// Request is one line sent to the worker.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params Params `json:"params"`
}

// Response is one line written by the worker.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PoolNames is the result of init_pool.
type PoolNames struct {
	Modules []string `json:"modules"`
	Models  []string `json:"models"`
	Wizards []string `json:"wizards"`
	Missing []string `json:"missing,omitempty"`
}

// Has reports whether a name is registered under kind.
func (p *PoolNames) Has(name string, kind model.Kind) bool {
	list := p.Models
	if kind == model.KindWizard {
		list = p.Wizards
	}
	i := sort.SearchStrings(list, name)
	return i < len(list) && list[i] == name
}

// UniverseKey is the canonical cache key of a module set.
func UniverseKey(modules []string) string {
	return strings.Join(normalize(modules), ",")
}

func normalize(modules []string) []string {
	out := make([]string, 0, len(modules))
	seen := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
