// tryton-analyzer checks Tryton modules. It lints them from the command line
// and serves diagnostics, completion and hover to editors.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/phobologic/tryton-analyzer/internal/config"
	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/introspect"
	"github.com/phobologic/tryton-analyzer/internal/lint"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/workspace"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := &app{stdin: os.Stdin, stdout: stdout, stderr: stderr}
	a.spawner = a.execSpawner
	return a.execute(ctx, args)
}

// app holds what the subcommands share.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// spawner starts introspection workers that know the modules under
	// paths.
	spawner func(paths []string) (introspect.Spawner, error)

	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *slog.Logger
}

func (a *app) execute(ctx context.Context, args []string) error {
	root := &cobra.Command{
		Use:           "tryton-analyzer",
		Short:         "Static analysis for Tryton modules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (default: "+config.FileName+" searched upward)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides the configuration)")

	root.AddCommand(a.lintCmd(), a.serveCmd(), a.introspectCmd(), a.versionCmd())
	return root.ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = ctxlog.New(a.stderr, cfg.LogLevel)
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), a.logger))
	if cfg.Path != "" {
		a.logger.Debug("configuration loaded", "path", cfg.Path)
	}
	return nil
}

// execSpawner runs the worker as a child process: the configured command, or
// this executable's introspect subcommand. Module paths reach it through
// the environment so that custom commands see them as well.
func (a *app) execSpawner(paths []string) (introspect.Spawner, error) {
	command := a.cfg.Worker.Command
	if len(command) == 0 {
		var err error
		if command, err = introspect.SelfCommand("--log-level", a.cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return &introspect.ExecSpawner{
		Command: command,
		Env:     []string{config.EnvModulePaths + "=" + strings.Join(paths, string(os.PathListSeparator))},
		Stderr:  a.stderr,
	}, nil
}

// newWorkspace builds a workspace whose introspection worker searches paths.
// The caller closes the returned client.
func (a *app) newWorkspace(paths []string) (*workspace.Workspace, *introspect.Client, error) {
	spawner, err := a.spawner(paths)
	if err != nil {
		return nil, nil, err
	}
	opts, err := workspace.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	w := a.cfg.Worker
	client := introspect.NewClient(spawner, introspect.Options{
		Timeout:         w.Timeout.Std(),
		StartTimeout:    w.StartTimeout.Std(),
		RespawnInterval: w.RespawnInterval.Std(),
		RespawnBurst:    w.RespawnBurst,
		Logger:          a.logger,
	})
	return workspace.New(manifest.NewLocator(paths), client, opts), client, nil
}

// modulePaths returns the configured module paths followed by the parent
// directory of every module found at dirs.
func (a *app) modulePaths(dirs ...string) []string {
	paths := slices.Clone(a.cfg.ModulePaths)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		root, err := manifest.FindModuleRoot(dir)
		if err != nil {
			continue
		}
		if parent := filepath.Dir(root); !slices.Contains(paths, parent) {
			paths = append(paths, parent)
		}
	}
	return paths
}

func (a *app) lintCmd() *cobra.Command {
	var (
		format  string
		workers int
		color   string
	)
	cmd := &cobra.Command{
		Use:   "lint [module-dir|module-name]...",
		Short: "Analyze whole modules and report findings",
		Long: `Analyze every Python and XML file of the given modules. A module is named
by its directory or by its name on the module paths; the default is the
module holding the working directory.

The exit status is 1 when an unknown attribute or a super call error is
found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lint.ParseFormat(format)
			if err != nil {
				return err
			}
			useColor, err := colorOutput(color, a.stdout)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{"."}
			}

			ws, client, err := a.newWorkspace(a.modulePaths(args...))
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Start(cmd.Context()); err != nil {
				a.logger.Warn("introspection worker unavailable, findings are degraded", "error", err)
			}

			reports, err := lint.New(ws, workers).Run(cmd.Context(), args)
			if err != nil {
				return err
			}
			if err := lint.Write(a.stdout, reports, f, useColor); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			return lint.Check(reports)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(lint.FormatText), "output format: text, toon or json")
	cmd.Flags().IntVarP(&workers, "workers", "j", 0, "files analyzed at once (default: number of CPUs)")
	cmd.Flags().StringVar(&color, "color", "auto", "color text output: auto, always or never")
	return cmd
}

// colorOutput decides whether text output is colored. In auto mode it is
// when w is a terminal and NO_COLOR is unset.
func colorOutput(mode string, w io.Writer) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		if os.Getenv("NO_COLOR") != "" {
			return false, nil
		}
		f, ok := w.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())), nil
	}
	return false, fmt.Errorf("unknown color mode %q (want auto, always or never)", mode)
}

func (a *app) introspectCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Run the introspection worker on stdin and stdout",
		Long: `Run the introspection worker. It reads one JSON request per line on stdin
and answers one JSON response per line on stdout. Logs go to stderr.

This command is started by lint and serve; it is not meant to be run by hand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(paths) == 0 {
				paths = a.cfg.ModulePaths
			}
			a.logger.Debug("introspection worker starting", "paths", paths)
			reg := introspect.NewRegistry(manifest.NewLocator(paths), nil, a.logger)
			return introspect.Serve(cmd.Context(), a.stdin, a.stdout, reg)
		},
	}
	cmd.Flags().StringArrayVar(&paths, "module-path", nil, "directory holding modules (repeatable; default: configured module paths)")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.stdout, "tryton-analyzer %s\n", version)
			return err
		},
	}
}
