package analyzer

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"path"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/discover"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

// ViewInfo is what an ir.ui.view record declares about a view file.
type ViewInfo struct {
	// Name is the view file name without its extension.
	Name  string
	Model string
	// Type is the view type, "inherit" for views extending another one.
	Type string
	// Depends lists the extra modules of the enclosing data block.
	Depends []string
}

// XMLInput is one XML file to analyze.
type XMLInput struct {
	Source []byte
	Path   string
	// File is the path relative to the module directory, e.g. "view/form.xml".
	File    string
	Module  *model.ModuleInfo
	Context *model.ModuleContext
	Pool    Pool
	// Views maps view names to their declarations, see ScanViews.
	Views map[string]ViewInfo
}

// AnalyzeXML checks a data file, or a view definition when the file sits in
// the view directory.
func (a *Analyzer) AnalyzeXML(ctx context.Context, in XMLInput) (*Report, error) {
	ctx, span := tracer.Start(ctx, "analyzer.AnalyzeXML")
	defer span.End()
	span.SetAttributes(attribute.String("file", in.Path))

	lines := parse.NewLines(in.Source)
	x := &xmlWalker{
		ctx:   ctx,
		in:    in,
		lines: lines,
		pool:  &trackedPool{pool: in.Pool},
		emit:  newEmitter(in.Path, lines.Line, "<!--", a.ignore),
		ids:   make(map[string]int),
	}
	var err error
	if discover.IsViewFile(in.File) {
		err = x.view()
	} else {
		err = x.data()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	outcome := parse.Complete
	if err != nil {
		ctxlog.FromContext(ctx).Debug("xml syntax error", "file", in.Path, "error", err)
		outcome = parse.Partial
	}
	report := &Report{
		Path:        in.Path,
		Outcome:     outcome,
		Diagnostics: x.emit.diagnostics(),
		Degraded:    x.pool.degraded,
	}
	span.SetAttributes(attribute.Int("diagnostics", len(report.Diagnostics)))
	return report, nil
}

// xmlElement is an open element and the span of its start tag.
type xmlElement struct {
	name  string
	attrs map[string]string
	span  model.Span
	text  strings.Builder
}

type xmlWalker struct {
	ctx   context.Context
	in    XMLInput
	lines *parse.Lines
	pool  *trackedPool
	emit  *emitter

	stack []*xmlElement
	ids   map[string]int

	// data block and record state
	r    *resolve.Resolver
	meta *model.ModelMetadata
}

// walk feeds every element to start and end. It stops at the first syntax
// error, or when start returns false.
func (x *xmlWalker) walk(start func(el *xmlElement) bool, end func(el *xmlElement)) error {
	d := xml.NewDecoder(bytes.NewReader(x.in.Source))
	d.Strict = true
	for {
		if err := x.ctx.Err(); err != nil {
			return nil
		}
		off := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &xmlElement{
				name:  t.Name.Local,
				attrs: make(map[string]string, len(t.Attr)),
				span:  model.Span{Start: x.lines.Position(int(off)), End: x.lines.Position(int(d.InputOffset()))},
			}
			for _, a := range t.Attr {
				el.attrs[a.Name.Local] = a.Value
			}
			x.stack = append(x.stack, el)
			if !start(el) {
				return nil
			}
		case xml.CharData:
			if n := len(x.stack); n > 0 {
				x.stack[n-1].text.Write(t)
			}
		case xml.EndElement:
			n := len(x.stack)
			if end != nil {
				end(x.stack[n-1])
			}
			x.stack = x.stack[:n-1]
		}
	}
}

func (x *xmlWalker) unexpected(el *xmlElement) {
	x.emit.add(el.span, model.CodeUnexpectedXMLTag, "Unexpected element '<%s>' here", el.name)
}

func (x *xmlWalker) missing(el *xmlElement, attr string) {
	x.emit.add(el.span, model.CodeRecordMissingAttribute, "Missing '%s' attribute", attr)
}

func (x *xmlWalker) unknownModel(el *xmlElement, name string) {
	x.emit.add(el.span, model.CodeRecordUnknownModel, "Model '%s' does not exist in this context", name)
}

// checkField reports name when it is not a field of meta visible from r.
func (x *xmlWalker) checkField(el *xmlElement, r *resolve.Resolver, meta *model.ModelMetadata, name string) bool {
	f, ok := meta.Fields[name]
	if ok && r.Context().AnyVisible(f.Modules) {
		return true
	}
	if !meta.Incomplete {
		x.emit.add(el.span, model.CodeRecordUnknownField, "Unknown field '%s' on model '%s'", name, meta.Name)
	}
	return false
}

// model returns the metadata of a model visible from r, reporting unknown
// models on el.
func (x *xmlWalker) model(el *xmlElement, r *resolve.Resolver, name string) *model.ModelMetadata {
	meta, err := r.Model(x.ctx, name, model.KindModel)
	if errors.Is(err, resolve.ErrUnknownModel) {
		x.unknownModel(el, name)
	}
	return meta
}

func (x *xmlWalker) registered() bool {
	return x.in.Module != nil && slices.Contains(x.in.Module.XML, x.in.File)
}

func (x *xmlWalker) fileLevel(code model.Code, msg string) {
	x.emit.add(model.Span{End: model.Position{Column: len(x.lines.Line(0))}}, code, "%s", msg)
}

// data checks the <tryton><data><record><field> structure of a data file.
// Files whose root is not <tryton> only get the file level check.
func (x *xmlWalker) data() error {
	root := ""
	err := x.walk(func(el *xmlElement) bool {
		if root == "" {
			root = el.name
			return root == "tryton"
		}
		x.dataStart(el)
		return true
	}, x.dataEnd)

	switch found := root == "tryton"; {
	case x.registered() && !found:
		x.fileLevel(model.CodeTrytonTagNotFound, "<tryton> tag not found, but file is defined in tryton.cfg")
	case !x.registered() && found:
		x.fileLevel(model.CodeTrytonXMLUnregistered, "<tryton> tag found, but file is not defined in tryton.cfg")
	}
	return err
}

func (x *xmlWalker) dataStart(el *xmlElement) {
	depth := len(x.stack)
	switch el.name {
	case "data":
		if depth != 2 {
			x.unexpected(el)
		}
		if x.in.Module == nil {
			return
		}
		x.r = resolve.New(x.pool, x.in.Context.With(splitDepends(el.attrs["depends"])...), nil)
	case "record":
		if depth != 3 {
			x.unexpected(el)
		}
		name, hasModel := el.attrs["model"]
		if !hasModel {
			x.missing(el, "model")
		}
		if id, ok := el.attrs["id"]; !ok {
			x.missing(el, "id")
		} else if line, dup := x.ids[id]; dup {
			x.emit.add(el.span, model.CodeRecordDuplicateID, "Id %s is already defined line %d", id, line)
		} else {
			x.ids[id] = el.span.Start.Line + 1
		}
		if x.r != nil && name != "" {
			x.meta = x.model(el, x.r, name)
		}
	case "field":
		if depth != 4 {
			x.unexpected(el)
		}
		name, ok := el.attrs["name"]
		if !ok {
			x.missing(el, "name")
			return
		}
		if x.meta != nil {
			x.checkField(el, x.r, x.meta, name)
		}
	}
}

func (x *xmlWalker) dataEnd(el *xmlElement) {
	switch el.name {
	case "field":
		// The model of a view is the common case of a field naming a model.
		if x.meta == nil || x.meta.Name != "ir.ui.view" || el.attrs["name"] != "model" {
			return
		}
		if name := strings.TrimSpace(el.text.String()); name != "" {
			x.model(el, x.r, name)
		}
	case "record":
		x.meta = nil
	case "data":
		x.r = nil
	}
}

// view checks a view definition against the model and type its ir.ui.view
// record declares. Views no record declares are not checked.
func (x *xmlWalker) view() error {
	info, ok := x.in.Views[strings.TrimSuffix(path.Base(x.in.File), ".xml")]
	if !ok {
		return nil
	}
	r := resolve.New(x.pool, x.in.Context.With(info.Depends...), nil)
	meta, err := r.Model(x.ctx, info.Model, model.KindModel)
	if err != nil {
		meta = nil
	}
	return x.walk(func(el *xmlElement) bool {
		switch el.name {
		case "form":
			if info.Type != "form" && info.Type != "list-form" {
				x.unexpected(el)
			}
		case "tree":
			if info.Type != "tree" {
				x.unexpected(el)
			}
		case "data":
			if info.Type != "inherit" {
				x.unexpected(el)
			}
		case "label", "separator", "group":
			if name, ok := el.attrs["name"]; ok && meta != nil {
				x.checkField(el, r, meta, name)
			}
		case "field":
			name, ok := el.attrs["name"]
			switch {
			case !ok:
				x.missing(el, "name")
			case meta != nil:
				x.checkField(el, r, meta, name)
			}
		}
		return true
	}, nil)
}

func splitDepends(value string) []string {
	var out []string
	for _, d := range strings.Split(value, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// ScanViews returns the views declared by the ir.ui.view records of a data
// file, keyed by name. The first declaration of a name wins. Records without
// a model, or without a type or inherit field, are skipped.
func ScanViews(source []byte) map[string]ViewInfo {
	out := make(map[string]ViewInfo)
	d := xml.NewDecoder(bytes.NewReader(source))
	var (
		stack   []string
		depends []string
		record  bool
		fields  map[string]string
		field   string
		text    strings.Builder
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Name.Local] = a.Value
			}
			switch {
			case len(stack) == 2 && stack[0] == "tryton" && t.Name.Local == "data":
				depends = splitDepends(attrs["depends"])
			case len(stack) == 3 && stack[1] == "data" && t.Name.Local == "record":
				record = attrs["model"] == "ir.ui.view"
				fields = make(map[string]string)
			case len(stack) == 4 && record && t.Name.Local == "field":
				field = attrs["name"]
				text.Reset()
				if attrs["ref"] != "" {
					text.WriteString(attrs["ref"])
				}
			}
		case xml.CharData:
			if len(stack) == 4 && record {
				text.Write(t)
			}
		case xml.EndElement:
			switch {
			case len(stack) == 4 && record && field != "":
				fields[field] = strings.TrimSpace(text.String())
				field = ""
			case len(stack) == 3 && record:
				record = false
				addView(out, fields, depends)
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func addView(out map[string]ViewInfo, fields map[string]string, depends []string) {
	name, typ := fields["name"], fields["type"]
	if _, ok := fields["inherit"]; ok && typ == "" {
		typ = "inherit"
	}
	if name == "" || fields["model"] == "" || typ == "" {
		return
	}
	if _, dup := out[name]; dup {
		return
	}
	out[name] = ViewInfo{Name: name, Model: fields["model"], Type: typ, Depends: depends}
}
