package model

// FileReport summarizes the analysis of one module file.
type FileReport struct {
	// Path is relative to the module directory.
	Path     string `json:"path"`
	Outcome  string `json:"outcome"`
	Degraded bool   `json:"degraded,omitempty"`
	// Error is set when the file could not be analyzed at all.
	Error string `json:"error,omitempty"`
}

// ModuleReport is the lint result of one module.
type ModuleReport struct {
	Name        string       `json:"module"`
	Dir         string       `json:"dir"`
	Files       []FileReport `json:"files"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Fatal reports whether a diagnostic of the module makes the lint fail.
func (r *ModuleReport) Fatal() bool {
	for _, d := range r.Diagnostics {
		if d.Code.Fatal() {
			return true
		}
	}
	return false
}
