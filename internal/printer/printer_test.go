package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
)

func TestFatalError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "plain",
			err:  errors.New("boom"),
			want: "╭ Error\n│ boom\n╵\n",
		},
		{
			name: "field errors with context",
			err: fmt.Errorf("load config: invalid config: %w", criterio.FieldErrors{
				{Field: "heartbeat", Err: errors.New("must be at least 100ms")},
				{Field: "agents[0].cmd", Err: errors.New("required")},
			}),
			want: "╭ Validation Error\n" +
				"│ load config: invalid config\n" +
				"│\n" +
				"│ ✘ heartbeat: must be at least 100ms\n" +
				"│ ✘ agents[0].cmd: required\n" +
				"╵\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Plain(&buf).FatalError(tt.err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrinter_Lines(t *testing.T) {
	var buf bytes.Buffer
	p := Plain(&buf)

	p.Section("Warnings")
	p.Item(ColorAmber, Dot, "agents: none configured")
	p.Successf("Configuration is valid (%d warning(s))", 1)

	assert.Equal(t, "Warnings\n  • agents: none configured\n✔ Configuration is valid (1 warning(s))\n", buf.String())
}

func TestPrinter_Colors(t *testing.T) {
	t.Setenv("NO_COLOR", "")

	var buf bytes.Buffer
	New(&buf).Errorf("bad")
	assert.Equal(t, "✘ bad\n", buf.String(), "NO_COLOR disables escapes")

	buf.Reset()
	p := &Printer{writer: &buf, color: true}
	p.Errorf("bad")
	assert.Equal(t, ColorRed+"✘ bad"+ColorReset+"\n", buf.String())
}

func TestCtx(t *testing.T) {
	var buf bytes.Buffer
	p := Plain(&buf)

	ctx := NewContext(context.Background(), p)
	assert.Same(t, p, Ctx(ctx))
	assert.NotNil(t, Ctx(context.Background()))
}
