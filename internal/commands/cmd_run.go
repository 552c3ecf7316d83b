package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/hub"
	"github.com/hay-kot/lrmq/internal/printer"
	"github.com/hay-kot/lrmq/internal/transport"
	"github.com/hay-kot/lrmq/internal/web"
)

type RunCmd struct {
	flags  *Flags
	agents []string
}

// NewRunCmd creates a new run command.
func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{flags: flags}
}

// Flags returns the run flags so the root command can accept them too.
func (cmd *RunCmd) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "agent",
			Aliases:     []string{"a"},
			Usage:       "start an extra stdio agent, given as \"cmd arg...\" (repeatable)",
			Destination: &cmd.agents,
		},
	}
}

// Register adds the run command to the application.
func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Start the hub and its agents",
		UsageText: "lrmq run [--agent \"cmd arg...\"]...",
		Description: `Loads the configuration, starts every configured agent plus any given with
--agent and routes messages between them until all agents have exited.

The process exits with the status an agent set through the system/call
exit_code function, or 0.`,
		Flags:  cmd.Flags(),
		Action: cmd.Run,
	})

	return app
}

// Run starts the hub.
func (cmd *RunCmd) Run(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load(cmd.flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	extra, err := ParseAgentFlags(cmd.agents)
	if err != nil {
		return err
	}
	cfg.Agents.List = append(cfg.Agents.List, extra...)
	if cmd.flags.HTTPAddr != "" {
		cfg.HTTPAddr = cmd.flags.HTTPAddr
	}

	logger, closer, err := cmd.hubLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	for _, w := range cfg.Warnings() {
		logger.Warn().Str("category", w.Category).Str("item", w.Item).Msg(w.Message)
	}

	h := hub.New(hub.OptionsFromConfig(cfg), transport.NewFactory(), logger)
	for _, a := range cfg.Agents.List {
		a.Log = cfg.Resolve(a.Log)
		if _, err := h.Spawn(a); err != nil {
			return fmt.Errorf("agent %s: %w", a.Tag(), err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := serve(ctx, h, cfg.HTTPAddr, logger)
	if err != nil {
		return err
	}
	if code != 0 {
		printer.Ctx(ctx).Warnf("hub finished with exit code %d", code)
		return cli.Exit("", code)
	}
	return nil
}

// serve runs the hub and, when addr is set, the status server next to it. The
// status server stops once the hub returns.
func serve(ctx context.Context, h *hub.Hub, addr string, logger zerolog.Logger) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	webCtx, stopWeb := context.WithCancel(gctx)
	defer stopWeb()

	var code int
	g.Go(func() error {
		defer stopWeb()
		var err error
		code, err = h.Run(gctx)
		return err
	})

	if addr != "" {
		srv := web.New(addr, h, logger)
		g.Go(func() error {
			return srv.Run(webCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return code, nil
}

// hubLogger applies the config file's loglevel, log and debuglogger options
// on top of the command-line logging flags.
func (cmd *RunCmd) hubLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	level := cmd.flags.LogLevel
	if cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	file := cmd.flags.LogFile
	if cfg.Log != "" {
		file = cfg.Resolve(cfg.Log)
	}
	debugFile := cfg.Resolve(cfg.DebugLogger)

	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	if level == cmd.flags.LogLevel && file == cmd.flags.LogFile && debugFile == "" {
		return log.Logger, closers(nil), nil
	}

	return NewLogger(level, file, debugFile)
}

// ParseAgentFlags turns --agent values into stdio descriptors. Each value is
// split on whitespace into the command and its arguments.
func ParseAgentFlags(values []string) ([]config.AgentConfig, error) {
	agents := make([]config.AgentConfig, 0, len(values))
	for _, v := range values {
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return nil, errors.New("--agent: empty command")
		}
		a := config.AgentConfig{Type: config.TransportStdio, Cmd: fields[0]}
		if len(fields) > 1 {
			a.Args = fields[1:]
		}
		agents = append(agents, a)
	}
	return agents, nil
}
