package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/lrmq/internal/core/wire"
)

type CodecsCmd struct{}

// NewCodecsCmd creates a new codecs command.
func NewCodecsCmd() *CodecsCmd {
	return &CodecsCmd{}
}

// Register adds the codecs command to the application.
func (cmd *CodecsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "codecs",
		Usage:       "Print the codec proposal sent to agents",
		UsageText:   "lrmq codecs",
		Description: "Prints the negotiation line the hub writes to every agent, in preference order.",
		Action:      cmd.run,
	})

	return app
}

func (cmd *CodecsCmd) run(_ context.Context, c *cli.Command) error {
	_, err := fmt.Fprintln(c.Root().Writer, strings.TrimSpace(wire.DefaultRegistry().Proposal()))
	return err
}
