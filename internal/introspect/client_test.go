package introspect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// behavior decides how the n-th spawned worker (starting at 0) answers.
type behavior int

const (
	answer behavior = iota
	hang
	crash
	staleFirst
)

// scriptedSpawner runs fake workers that answer ping with "pong".
type scriptedSpawner struct {
	script func(spawn int) behavior

	mu     sync.Mutex
	spawns int
}

func (s *scriptedSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func (s *scriptedSpawner) Spawn(ctx context.Context) (*Process, error) {
	s.mu.Lock()
	n := s.spawns
	s.spawns++
	s.mu.Unlock()
	mode := s.script(n)

	ctx, cancel := context.WithCancel(ctx)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		enc := json.NewEncoder(outW)
		if enc.Encode(Response{Status: StatusReady}) != nil {
			return
		}
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var req Request
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			switch mode {
			case hang:
				<-ctx.Done()
				return
			case crash:
				return
			case staleFirst:
				if enc.Encode(Response{ID: "stale", Status: StatusOK, Result: json.RawMessage(`"old"`)}) != nil {
					return
				}
			}
			if enc.Encode(Response{ID: req.ID, Status: StatusOK, Result: json.RawMessage(`"pong"`)}) != nil {
				return
			}
		}
	}()
	return &Process{
		In:  inW,
		Out: outR,
		kill: func() error {
			cancel()
			_ = inR.CloseWithError(ErrWorkerExited)
			_ = outW.CloseWithError(ErrWorkerExited)
			return nil
		},
	}, nil
}

func testOptions() Options {
	return Options{
		Timeout:         100 * time.Millisecond,
		StartTimeout:    time.Second,
		RespawnInterval: time.Millisecond,
		RespawnBurst:    10,
		Logger:          ctxlog.Discard(),
	}
}

func waitRestart(t *testing.T, restarted <-chan struct{}) {
	t.Helper()
	select {
	case <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not respawned")
	}
}

func TestClientWithRegistry(t *testing.T) {
	t.Parallel()

	c := NewClient(&InProcessSpawner{Registry: fixtureRegistry(t)}, testOptions())
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Ping(ctx))

	names, err := c.Pool(ctx, []string{"sample_module"})
	require.NoError(t, err)
	assert.True(t, names.Has("library.author", model.KindModel))

	author, err := c.Model(ctx, []string{"ir", "sample_module"}, "library.author", model.KindModel)
	require.NoError(t, err)
	assert.Contains(t, author.Fields, "books")

	again, err := c.Model(ctx, []string{"sample_module", "ir", "sample_module"}, "library.author", model.KindModel)
	require.NoError(t, err)
	assert.Same(t, author, again, "same universe is served from the cache")

	_, err = c.Model(ctx, []string{"sample_module"}, "library.nope", model.KindModel)
	assert.ErrorIs(t, err, ErrNotFound)

	fields, err := c.Fields(ctx, []string{"ir"}, "ir.ui.menu")
	require.NoError(t, err)
	assert.Equal(t, "many2one", fields["parent"])

	methods, err := c.Methods(ctx, []string{"ir"}, "ir.model")
	require.NoError(t, err)
	assert.Contains(t, methods, "get_name_items")

	mro, err := c.Inheritance(ctx, []string{"ir"}, "ir.model", model.KindModel)
	require.NoError(t, err)
	assert.Equal(t, "ir.model.Model", mro[0].Class)

	chain, err := c.SuperChain(ctx, []string{"sample_module"}, "ir.ui.menu", model.KindModel, "create")
	require.NoError(t, err)
	assert.True(t, chain[0].Defines)

	info, err := c.ModuleInfo(ctx, "res")
	require.NoError(t, err)
	assert.Equal(t, []string{"ir"}, info.Depends)

	require.NoError(t, c.Reload(ctx))
	fresh, err := c.Model(ctx, []string{"ir", "sample_module"}, "library.author", model.KindModel)
	require.NoError(t, err)
	assert.NotSame(t, author, fresh, "reload clears the cache")
}

func TestClientRespawnsAfterTimeout(t *testing.T) {
	t.Parallel()

	spawner := &scriptedSpawner{script: func(n int) behavior {
		if n == 0 {
			return hang
		}
		return answer
	}}
	c := NewClient(spawner, testOptions())
	t.Cleanup(func() { _ = c.Close() })
	restarted := make(chan struct{}, 1)
	c.OnRestart(func() { restarted <- struct{}{} })

	ctx := context.Background()
	err := c.Ping(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegraded))

	waitRestart(t, restarted)
	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, 2, spawner.count())
}

func TestClientRespawnsAfterCrash(t *testing.T) {
	t.Parallel()

	spawner := &scriptedSpawner{script: func(n int) behavior {
		if n == 0 {
			return crash
		}
		return answer
	}}
	c := NewClient(spawner, testOptions())
	t.Cleanup(func() { _ = c.Close() })
	restarted := make(chan struct{}, 1)
	c.OnRestart(func() { restarted <- struct{}{} })

	ctx := context.Background()
	err := c.Ping(ctx)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.ErrorIs(t, err, ErrWorkerExited)

	waitRestart(t, restarted)
	require.NoError(t, c.Ping(ctx))
}

func TestClientDiscardsStaleResponses(t *testing.T) {
	t.Parallel()

	c := NewClient(&scriptedSpawner{script: func(int) behavior { return staleFirst }}, testOptions())
	t.Cleanup(func() { _ = c.Close() })

	var out string
	require.NoError(t, c.call(context.Background(), MethodPing, Params{}, &out))
	assert.Equal(t, "pong", out)
}

func TestClientCanceledCall(t *testing.T) {
	t.Parallel()

	c := NewClient(&scriptedSpawner{script: func(int) behavior { return answer }}, testOptions())
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Ping(ctx), context.Canceled)
	require.NoError(t, c.Ping(context.Background()), "worker stays usable")
}

func TestClientClosed(t *testing.T) {
	t.Parallel()

	c := NewClient(&scriptedSpawner{script: func(int) behavior { return answer }}, testOptions())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}

func TestClientQueuedCallHonorsContext(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Timeout = 5 * time.Second
	c := NewClient(&scriptedSpawner{script: func(int) behavior { return hang }}, opts)
	require.NoError(t, c.Start(context.Background()))

	hung := make(chan error, 1)
	go func() { hung <- c.Ping(context.Background()) }()
	require.Eventually(t, func() bool { return len(c.slot) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Ping(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "a queued call does not wait for the one in flight")

	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start = time.Now()
	_, err = c.Model(ctx, []string{"ir"}, "ir.ui.menu", model.KindModel)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, c.Close())
	select {
	case err := <-hung:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hung call did not return after Close")
	}
}
