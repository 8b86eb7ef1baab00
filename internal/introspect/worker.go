package introspect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

// maxLine bounds one protocol line.
const maxLine = 64 << 20

// Serve runs the worker loop: it writes the ready line, then answers every
// request read from r until r is exhausted or ctx ends.
func Serve(ctx context.Context, r io.Reader, w io.Writer, reg *Registry) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(Response{Status: StatusReady}); err != nil {
		return fmt.Errorf("writing ready line: %w", err)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var (
			req  Request
			resp Response
		)
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Status: StatusError, Error: fmt.Sprintf("decoding request: %v", err)}
		} else {
			resp = handle(ctx, reg, req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return scanner.Err()
}

func handle(ctx context.Context, reg *Registry, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if p := recover(); p != nil {
			reg.logger.Error("request panicked", slog.String("method", req.Method), slog.Any("panic", p))
			resp = Response{ID: req.ID, Status: StatusError, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()

	result, err := dispatch(ctx, reg, req)
	switch {
	case errors.Is(err, ErrNotFound):
		resp.Status = StatusNotFound
		resp.Error = err.Error()
		return resp
	case err != nil:
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("encoding result: %v", err)
		return resp
	}
	resp.Status = StatusOK
	resp.Result = data
	return resp
}

func dispatch(ctx context.Context, reg *Registry, req Request) (any, error) {
	p := req.Params
	kind := p.Kind
	if kind == "" {
		kind = model.KindModel
	}

	switch req.Method {
	case MethodPing:
		return "pong", nil
	case MethodReload:
		reg.Reload()
		return true, nil
	case MethodModuleInfo:
		return reg.ModuleInfo(ctx, p.Name)
	}

	pool, err := reg.Pool(ctx, p.Modules)
	if err != nil {
		return nil, err
	}
	if req.Method == MethodInitPool {
		return pool.Names(), nil
	}

	meta, ok := pool.Model(p.Name, kind)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, p.Name, ErrNotFound)
	}
	switch req.Method {
	case MethodGetModel:
		return meta, nil
	case MethodListFields:
		out := make(map[string]string, len(meta.Fields))
		for name, f := range meta.Fields {
			out[name] = f.Type
		}
		return out, nil
	case MethodListMethods:
		out := make(map[string][]model.ParamInfo, len(meta.Methods))
		for name, m := range meta.Methods {
			out[name] = m.Params
		}
		return out, nil
	case MethodResolveInheritance:
		return meta.MRO, nil
	case MethodSuperChain:
		chain, _ := pool.SuperChain(p.Name, kind, p.Method)
		return chain, nil
	}
	return nil, fmt.Errorf("unknown method %q", req.Method)
}
