package introspect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/introspect")

// Options configure a Client. Zero values take defaults.
type Options struct {
	Timeout         time.Duration
	StartTimeout    time.Duration
	RespawnInterval time.Duration
	RespawnBurst    int
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.RespawnInterval <= 0 {
		o.RespawnInterval = time.Second
	}
	if o.RespawnBurst <= 0 {
		o.RespawnBurst = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type cacheKey struct {
	method   string
	universe string
	kind     model.Kind
	name     string
	extra    string
}

func (k cacheKey) String() string {
	return strings.Join([]string{k.method, k.universe, string(k.kind), k.name, k.extra}, "|")
}

type cacheEntry struct {
	value any
	err   error
}

// Client talks to a single supervised worker. Calls are serialized; results
// are cached per universe until Reload or a respawn.
type Client struct {
	spawner Spawner
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	// slot is held for a whole round trip with the worker.
	slot chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	w          *worker
	respawning bool
	closed     bool

	cacheMu sync.RWMutex
	cache   map[cacheKey]cacheEntry
	gen     uint64
	group   singleflight.Group

	hooksMu sync.Mutex
	hooks   []func()
}

// NewClient returns a client. The worker is started on first use.
func NewClient(spawner Spawner, opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		spawner: spawner,
		opts:    opts,
		logger:  opts.Logger,
		limiter: rate.NewLimiter(rate.Every(opts.RespawnInterval), opts.RespawnBurst),
		slot:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

// OnRestart registers fn to run after the worker was respawned.
func (c *Client) OnRestart(fn func()) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

// Start launches the worker if it is not running.
func (c *Client) Start(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.running(ctx)
	return err
}

// acquire takes the worker slot. Callers queued behind a slow call give up
// as soon as ctx is done.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.slot
}

// Close stops the worker and any pending respawn.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	w := c.w
	c.w = nil
	c.mu.Unlock()

	c.cancel()
	if w != nil {
		w.stop()
	}
	c.wg.Wait()
	return nil
}

// Ping checks that the worker answers.
func (c *Client) Ping(ctx context.Context) error {
	var pong string
	return c.call(ctx, MethodPing, Params{}, &pong)
}

// Reload makes the worker rescan every module and drops cached metadata.
func (c *Client) Reload(ctx context.Context) error {
	defer c.clearCache()
	return c.call(ctx, MethodReload, Params{}, nil)
}

// Pool returns the model and wizard names of a universe.
func (c *Client) Pool(ctx context.Context, universe []string) (*PoolNames, error) {
	key := cacheKey{method: MethodInitPool, universe: UniverseKey(universe)}
	return cachedCall[*PoolNames](ctx, c, key, Params{Modules: normalize(universe)})
}

// Model returns the composed metadata of a model.
func (c *Client) Model(ctx context.Context, universe []string, name string, kind model.Kind) (*model.ModelMetadata, error) {
	key := cacheKey{method: MethodGetModel, universe: UniverseKey(universe), kind: kind, name: name}
	return cachedCall[*model.ModelMetadata](ctx, c, key, Params{Modules: normalize(universe), Name: name, Kind: kind})
}

// Fields maps the field names of a model to their types.
func (c *Client) Fields(ctx context.Context, universe []string, name string) (map[string]string, error) {
	key := cacheKey{method: MethodListFields, universe: UniverseKey(universe), kind: model.KindModel, name: name}
	return cachedCall[map[string]string](ctx, c, key, Params{Modules: normalize(universe), Name: name, Kind: model.KindModel})
}

// Methods maps the method names of a model to their parameters.
func (c *Client) Methods(ctx context.Context, universe []string, name string) (map[string][]model.ParamInfo, error) {
	key := cacheKey{method: MethodListMethods, universe: UniverseKey(universe), kind: model.KindModel, name: name}
	return cachedCall[map[string][]model.ParamInfo](ctx, c, key, Params{Modules: normalize(universe), Name: name, Kind: model.KindModel})
}

// Inheritance returns the ordered inheritance chain of a model.
func (c *Client) Inheritance(ctx context.Context, universe []string, name string, kind model.Kind) ([]model.Contribution, error) {
	key := cacheKey{method: MethodResolveInheritance, universe: UniverseKey(universe), kind: kind, name: name}
	return cachedCall[[]model.Contribution](ctx, c, key, Params{Modules: normalize(universe), Name: name, Kind: kind})
}

// SuperChain reports which classes of a model's chain define method.
func (c *Client) SuperChain(ctx context.Context, universe []string, name string, kind model.Kind, method string) ([]model.SuperEntry, error) {
	key := cacheKey{method: MethodSuperChain, universe: UniverseKey(universe), kind: kind, name: name, extra: method}
	return cachedCall[[]model.SuperEntry](ctx, c, key, Params{Modules: normalize(universe), Name: name, Kind: kind, Method: method})
}

// ModuleInfo returns a module's manifest and registrations.
func (c *Client) ModuleInfo(ctx context.Context, name string) (*model.ModuleInfo, error) {
	key := cacheKey{method: MethodModuleInfo, name: name}
	return cachedCall[*model.ModuleInfo](ctx, c, key, Params{Name: name})
}

func cachedCall[T any](ctx context.Context, c *Client, key cacheKey, params Params) (T, error) {
	var zero T
	c.cacheMu.RLock()
	e, ok := c.cache[key]
	gen := c.gen
	c.cacheMu.RUnlock()
	if ok {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		if e.err != nil {
			return zero, e.err
		}
		return e.value.(T), nil
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	for {
		ch := c.group.DoChan(key.String(), func() (any, error) {
			var out T
			err := c.call(ctx, key.method, params, &out)
			if err == nil || errors.Is(err, ErrNotFound) {
				c.cacheMu.Lock()
				if c.gen == gen {
					c.cache[key] = cacheEntry{value: out, err: err}
				}
				c.cacheMu.Unlock()
			}
			return out, err
		})
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The caller that ran the shared call went away; ask again.
				if res.Shared && ctx.Err() == nil && isContextErr(res.Err) {
					continue
				}
				return zero, res.Err
			}
			return res.Val.(T), nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) clearCache() {
	c.cacheMu.Lock()
	c.cache = make(map[cacheKey]cacheEntry)
	c.gen++
	c.cacheMu.Unlock()
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case isContextErr(err):
		return "canceled"
	}
	return "error"
}

func (c *Client) call(ctx context.Context, method string, params Params, out any) (err error) {
	ctx, span := tracer.Start(ctx, "introspect."+method)
	span.SetAttributes(attribute.String("model", params.Name), attribute.Int("universe.size", len(params.Modules)))
	start := time.Now()
	defer func() {
		callsTotal.WithLabelValues(method, callStatus(err)).Inc()
		callSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.mu.Lock()
	w, err := c.running(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	line, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	written := make(chan error, 1)
	go func() {
		_, err := w.proc.In.Write(append(line, '\n'))
		written <- err
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			// The answer, if any, is discarded as stale by the next call.
			return ctx.Err()
		case <-timer.C:
			timeoutsTotal.Inc()
			c.failWorker(w, fmt.Sprintf("%s timed out", method))
			return fmt.Errorf("%s: no answer within %s: %w", method, c.opts.Timeout, ErrDegraded)
		case err := <-written:
			written = nil
			if err != nil {
				c.failWorker(w, fmt.Sprintf("writing %s request: %v", method, err))
				return fmt.Errorf("%s: %w: %w", method, ErrDegraded, ErrWorkerExited)
			}
		case resp, ok := <-w.responses:
			if !ok {
				c.failWorker(w, "worker exited")
				return fmt.Errorf("%s: %w: %w", method, ErrDegraded, ErrWorkerExited)
			}
			if resp.ID != id {
				c.logger.Debug("discarding stale introspector response", slog.String("id", resp.ID))
				continue
			}
			return decodeResponse(method, params, resp, out)
		}
	}
}

func decodeResponse(method string, params Params, resp Response, out any) error {
	switch resp.Status {
	case StatusOK:
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	case StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, params.Name, ErrNotFound)
	}
	return fmt.Errorf("introspector %s: %s", method, resp.Error)
}

// running returns the live worker, starting it when none was ever started.
// While a respawn is pending it fails fast. c.mu must be held.
func (c *Client) running(ctx context.Context) (*worker, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.w != nil {
		return c.w, nil
	}
	if c.respawning {
		return nil, ErrUnavailable
	}
	w, err := c.start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("introspector failed to start", slog.Any("error", err))
		c.scheduleRespawn()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.w = w
	return w, nil
}

// failWorker drops w, when it is still the current worker, and schedules a
// respawn.
func (c *Client) failWorker(w *worker, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w != w {
		return
	}
	c.logger.Warn("introspector failed", slog.String("reason", reason))
	c.w.stop()
	c.w = nil
	c.clearCache()
	c.scheduleRespawn()
}

func (c *Client) scheduleRespawn() {
	if c.respawning || c.closed {
		return
	}
	c.respawning = true
	c.wg.Add(1)
	go c.respawn()
}

func (c *Client) respawn() {
	defer c.wg.Done()
	for {
		if err := c.limiter.Wait(c.ctx); err != nil {
			c.mu.Lock()
			c.respawning = false
			c.mu.Unlock()
			return
		}
		w, err := c.start(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.mu.Lock()
				c.respawning = false
				c.mu.Unlock()
				return
			}
			c.logger.Warn("introspector respawn failed", slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		c.respawning = false
		if c.closed {
			c.mu.Unlock()
			w.stop()
			return
		}
		c.w = w
		c.mu.Unlock()

		respawnsTotal.Inc()
		c.logger.Info("introspector restarted")
		c.hooksMu.Lock()
		hooks := append([]func(){}, c.hooks...)
		c.hooksMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return
	}
}

func (c *Client) start(ctx context.Context) (*worker, error) {
	proc, err := c.spawner.Spawn(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("spawning introspector: %w", err)
	}
	w := &worker{proc: proc, responses: make(chan Response, 1), quit: make(chan struct{})}
	go w.read(c.logger)

	timer := time.NewTimer(c.opts.StartTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-w.responses:
		if ok && resp.Status == StatusReady {
			return w, nil
		}
		w.stop()
		return nil, ErrWorkerExited
	case <-timer.C:
		w.stop()
		return nil, fmt.Errorf("introspector not ready after %s", c.opts.StartTimeout)
	case <-ctx.Done():
		w.stop()
		return nil, ctx.Err()
	}
}

type worker struct {
	proc      *Process
	responses chan Response
	quit      chan struct{}
	stopOnce  sync.Once
}

func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		_ = w.proc.In.Close()
		_ = w.proc.Kill()
	})
}

func (w *worker) read(logger *slog.Logger) {
	defer close(w.responses)
	scanner := bufio.NewScanner(w.proc.Out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			logger.Warn("malformed introspector line", slog.Any("error", err))
			continue
		}
		select {
		case w.responses <- resp:
		case <-w.quit:
			return
		}
	}
}
