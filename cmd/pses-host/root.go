package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pseshost "github.com/smnsjas/go-pseshost"
	"github.com/smnsjas/go-pseshost/config"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/logging"
	"github.com/smnsjas/go-pseshost/pipeline"
	"github.com/smnsjas/go-pseshost/psprocess"
	"github.com/smnsjas/go-pseshost/repl"
)

// version is set at build time.
var version = "0.1.0"

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	loader  *config.Loader
	signals <-chan os.Signal

	// newEngine builds the engine for a session. Tests replace it.
	newEngine func(cfg *config.Config, logger *slog.Logger) engine.Engine
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		loader:    config.NewLoader(),
		newEngine: processEngine,
	}
}

func processEngine(cfg *config.Config, logger *slog.Logger) engine.Engine {
	return psprocess.New(
		psprocess.WithPath(cfg.Pwsh.Path),
		psprocess.WithStartTimeout(cfg.Pwsh.StartTimeout),
		psprocess.WithLogger(logger.With("component", "psprocess")))
}

func (a *app) rootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "pses-host",
		Short: "Interactive PowerShell console on the pses-host execution core",
		Long: `pses-host starts PowerShell and runs a console on top of the execution
queue used by editor integrations. Console input, completions and debugger
requests share one engine and are run one at a time by priority.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				a.loader.SetConfigFile(configFile)
			}
			return a.bindFlags(cmd)
		},
		RunE: a.runShell,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: pses-host.yaml in . or the user config directory)")
	flags.String("pwsh", "", "PowerShell executable")
	flags.Duration("start-timeout", 0, "how long to wait for PowerShell to start")
	flags.Duration("completion-timeout", 0, "completion request timeout")
	flags.String("host-name", "", "host name reported as $Host.Name")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-file", "", "write logs to a file instead of stderr")
	flags.Bool("test-mode", false, "deterministic logging for tests")

	root.AddCommand(a.execCmd(), a.versionCmd(), a.configCmd())
	return root
}

var flagKeys = map[string]string{
	"pwsh":               config.KeyPwshPath,
	"start-timeout":      config.KeyStartTimeout,
	"completion-timeout": config.KeyCompletionTimeout,
	"host-name":          config.KeyHostName,
	"log-level":          config.KeyLogLevel,
	"log-file":           config.KeyLogFile,
	"test-mode":          config.KeyTestMode,
}

func (a *app) bindFlags(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if err := a.loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <script>",
		Short: "Run one script and exit",
		Long: `Run script text through the execution queue, write its output to the
console and exit. The exit status is non-zero when the script fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, sess *pseshost.Session) error {
				_, err := sess.Execution().ExecuteScript(ctx, strings.Join(args, " "),
					pipeline.PriorityNormal, pipeline.Options{
						WriteOutputToHost: true,
						WriteErrorsToHost: true,
						ThrowOnError:      true,
					})
				return err
			})
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pses-host %s\n", version)
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loader.Load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			if cfg.File != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", cfg.File)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func (a *app) runShell(cmd *cobra.Command, _ []string) error {
	return a.withSession(cmd, func(ctx context.Context, sess *pseshost.Session) error {
		if rs := sess.CurrentRunspace(); rs != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "pses-host %s on %s\n", version, rs)
		}

		g, gctx := errgroup.WithContext(ctx)
		replCtx, stop := context.WithCancel(gctx)
		defer stop()
		g.Go(func() error {
			defer stop()
			return sess.RunREPL(replCtx, repl.NewReader(a.stdin, cmd.OutOrStdout()))
		})
		g.Go(func() error {
			watchInterrupts(replCtx, a.signals, sess)
			return nil
		})
		return g.Wait()
	})
}

// withSession loads config, starts a session and runs fn against it.
func (a *app) withSession(cmd *cobra.Command, fn func(context.Context, *pseshost.Session) error) (err error) {
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		Output:   cmd.ErrOrStderr(),
		TestMode: cfg.TestMode,
	})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeLog()) }()

	h, err := consoleHost(cfg.Host.Name, a.stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sess := pseshost.New(a.newEngine(cfg, logger),
		pseshost.WithLogger(logger),
		pseshost.WithHost(h),
		pseshost.WithCompletionTimeout(cfg.CompletionTimeout))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	logger.Debug("session started", "runspace", sess.CurrentRunspace())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			logger.Warn("close session", "error", cerr)
		}
	}()

	return fn(ctx, sess)
}

func consoleHost(name string, in io.Reader, out io.Writer) (host.Host, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("host version: %w", err)
	}
	hv := host.Version{Major: int(v.Major()), Minor: int(v.Minor()), Build: int(v.Patch())}
	return host.New(name, hv, uuid.NewString(), host.NewConsole(in, out)), nil
}

// watchInterrupts forwards Ctrl+C to the session until ctx ends.
func watchInterrupts(ctx context.Context, sigs <-chan os.Signal, sess *pseshost.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			sess.Interrupt()
		}
	}
}
