package introspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running worker.
type Process struct {
	In  io.WriteCloser
	Out io.Reader

	kill func() error
}

// Kill stops the worker.
func (p *Process) Kill() error {
	if p.kill == nil {
		return nil
	}
	return p.kill()
}

// Spawner starts workers. The process must stop when ctx ends.
type Spawner interface {
	Spawn(ctx context.Context) (*Process, error)
}

// ExecSpawner runs the worker as a child process. Its stderr is forwarded so
// that worker logs reach the user without touching the protocol channel.
type ExecSpawner struct {
	Command []string
	Env     []string
	Stderr  io.Writer
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context) (*Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("empty introspector command")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.Command[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return &Process{
		In:  in,
		Out: out,
		kill: func() error {
			err := cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				return nil
			}
			return err
		},
	}, nil
}

// SelfCommand returns the command running this executable's worker
// subcommand with extra arguments.
func SelfCommand(args ...string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return append([]string{exe, "introspect"}, args...), nil
}

// InProcessSpawner serves a registry from a goroutine over pipes.
type InProcessSpawner struct {
	Registry *Registry
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		err := Serve(ctx, inR, outW, s.Registry)
		if err == nil {
			err = io.EOF
		}
		_ = outW.CloseWithError(err)
		_ = inR.CloseWithError(err)
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
