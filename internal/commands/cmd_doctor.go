package commands

import (
	"context"
	"encoding/json"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/lrmq/internal/commands/doctor"
	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/printer"
)

type DoctorCmd struct {
	flags  *Flags
	format string
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "doctor",
		Usage:       "Run pre-flight checks on your hub setup",
		UsageText:   "lrmq doctor [options]",
		Description: "Checks the configuration and that every agent command can be found before starting the hub.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	cfg, err := config.Read(cmd.flags.ConfigPath)

	checks := []doctor.Check{doctor.NewConfigCheck(cfg, err)}
	if cfg != nil {
		checks = append(checks, doctor.NewAgentCommandCheck(cfg.Agents.List))
	}

	results := doctor.RunAll(ctx, checks)

	if cmd.format == "json" {
		return cmd.outputJSON(c, results)
	}

	return cmd.outputText(printer.New(c.Root().Writer), results)
}

func (cmd *DoctorCmd) outputJSON(c *cli.Command, results []doctor.Result) error {
	passed, warned, failed := doctor.Summary(results)

	out := struct {
		Healthy bool            `json:"healthy"`
		Summary summaryJSON     `json:"summary"`
		Checks  []doctor.Result `json:"checks"`
	}{
		Healthy: failed == 0,
		Summary: summaryJSON{Passed: passed, Warned: warned, Failed: failed},
		Checks:  results,
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

type summaryJSON struct {
	Passed int `json:"passed"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (cmd *DoctorCmd) outputText(p *printer.Printer, results []doctor.Result) error {
	for _, result := range results {
		p.Section(result.Name)

		for _, item := range result.Items {
			text := item.Label
			if item.Detail != "" {
				text += ": " + item.Detail
			}
			switch item.Status {
			case doctor.StatusPass:
				p.Item(printer.ColorGreen, printer.Check, text)
			case doctor.StatusWarn:
				p.Item(printer.ColorAmber, printer.Dot, text)
			case doctor.StatusFail:
				p.Item(printer.ColorRed, printer.Cross, text)
			}
		}

		p.Printf("")
	}

	passed, warned, failed := doctor.Summary(results)
	p.Printf("Summary: %d passed, %d warnings, %d failed", passed, warned, failed)

	if failed > 0 {
		return cli.Exit("", 1)
	}

	return nil
}
