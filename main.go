package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/lrmq/internal/commands"
	"github.com/hay-kot/lrmq/internal/printer"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	var (
		p       = printer.New(os.Stderr)
		ctx     = printer.NewContext(context.Background(), p)
		flags   = &commands.Flags{}
		logSink io.Closer
	)

	app := &cli.Command{
		Name:      "lrmq",
		Usage:     "Route messages between agent processes",
		UsageText: "lrmq [global options] [command [command options]]",
		Description: `lrmq is a lightweight message hub. It launches agent processes, negotiates
a wire codec with each one over its standard input and output, and routes
published messages to every agent whose subscription pattern matches.

Run 'lrmq' with no command to start the hub, the same as 'lrmq run'.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("LRMQ_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("LRMQ_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (.yaml, .json, .jsonc or .toml)",
				Sources:     cli.EnvVars("LRMQ_CONFIG"),
				Value:       commands.DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "http-addr",
				Usage:       "serve /healthz, /agents and /metrics on this address",
				Sources:     cli.EnvVars("LRMQ_HTTP_ADDR"),
				Destination: &flags.HTTPAddr,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, closer, err := commands.NewLogger(flags.LogLevel, flags.LogFile, "")
			if err != nil {
				return ctx, err
			}
			log.Logger = logger
			logSink = closer
			return ctx, nil
		},
	}

	runCmd := commands.NewRunCmd(flags)

	app = runCmd.Register(app)
	app = commands.NewConfigValidateCmd(flags).Register(app)
	app = commands.NewCodecsCmd().Register(app)
	app = commands.NewDoctorCmd(flags).Register(app)

	// Running the hub is the default action.
	app.Flags = append(app.Flags, runCmd.Flags()...)
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'lrmq --help' for usage", c.Args().First())
		}
		return runCmd.Run(ctx, c)
	}

	exitCode := 0
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println()
		printer.Ctx(ctx).FatalError(err)
		exitCode = 1
	}

	if logSink != nil {
		_ = logSink.Close()
	}

	os.Exit(exitCode)
}
