package workspace

import (
	"fmt"

	"github.com/phobologic/tryton-analyzer/internal/analyzer"
	"github.com/phobologic/tryton-analyzer/internal/config"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

// OptionsFromConfig converts the analysis settings of a configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	conventions := resolve.DefaultConventions()
	if len(cfg.SpecialParameters) > 0 {
		extra := make([]resolve.Convention, 0, len(cfg.SpecialParameters))
		for _, sp := range cfg.SpecialParameters {
			extra = append(extra, resolve.Convention{
				Method:      sp.Method,
				Decorator:   sp.Decorator,
				Index:       sp.Index,
				Cardinality: sp.Cardinality,
			})
		}
		var err error
		if conventions, err = conventions.With(extra...); err != nil {
			return Options{}, fmt.Errorf("special parameters: %w", err)
		}
	}
	ignore := make([]model.Code, 0, len(cfg.IgnoreCodes))
	for _, c := range cfg.IgnoreCodes {
		ignore = append(ignore, model.Code(c))
	}
	return Options{
		BaseModules: cfg.BaseModules,
		Analyzer:    analyzer.Options{Conventions: conventions, Ignore: ignore},
		Parse:       []parse.Option{parse.WithMaxFileSize(cfg.MaxFileSize)},
	}, nil
}
