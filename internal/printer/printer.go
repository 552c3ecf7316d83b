// Package printer writes human-facing CLI output: status lines, validation
// reports and the final error box.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hay-kot/criterio"
)

// ANSI escape codes.
const (
	ColorReset = "\033[0m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorAmber = "\033[33m"
	ColorGray  = "\033[90m"
	ColorBold  = "\033[1m"
)

// Symbols
const (
	Check = "✔"
	Cross = "✘"
	Dot   = "•"
)

type ctxKey struct{}

// Printer handles formatted output.
type Printer struct {
	writer io.Writer
	color  bool
}

// New creates a Printer writing to w. Colors are disabled when NO_COLOR is
// set.
func New(w io.Writer) *Printer {
	_, noColor := os.LookupEnv("NO_COLOR")
	return &Printer{writer: w, color: !noColor}
}

// Plain creates a Printer that never emits escape codes.
func Plain(w io.Writer) *Printer {
	return &Printer{writer: w}
}

// NewContext stores p in ctx.
func NewContext(ctx context.Context, p *Printer) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Ctx retrieves the printer from context, or creates one on stderr.
func Ctx(ctx context.Context) *Printer {
	if p, ok := ctx.Value(ctxKey{}).(*Printer); ok {
		return p
	}
	return New(os.Stderr)
}

// FatalError prints err in a box. Validation errors list one field per line.
// It does not exit.
func (p *Printer) FatalError(err error) {
	if err == nil {
		return
	}

	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		p.validationBox(err, fieldErrs)
		return
	}

	p.line(p.paint(ColorRed, "╭ Error"))
	p.line(p.paint(ColorRed, "│") + " " + err.Error())
	p.line(p.paint(ColorRed, "╵"))
}

// validationBox prints the wrapping context of err (for example
// "load config: invalid config") followed by each field error.
func (p *Printer) validationBox(err error, fieldErrs criterio.FieldErrors) {
	prefix := ""
	if idx := strings.Index(err.Error(), fieldErrs.Error()); idx > 0 {
		prefix = strings.TrimSuffix(err.Error()[:idx], ": ")
	}

	p.line(p.paint(ColorRed, "╭ Validation Error"))
	if prefix != "" {
		p.line(p.paint(ColorRed, "│") + " " + p.paint(ColorGray, prefix))
		p.line(p.paint(ColorRed, "│"))
	}
	for _, fe := range fieldErrs {
		p.line(p.paint(ColorRed, "│") + " " + p.paint(ColorRed, Cross) + " " + FieldLine(fe.Field, fe.Err))
	}
	p.line(p.paint(ColorRed, "╵"))
}

// FieldLine renders one field error as "field: message".
func FieldLine(field string, err error) string {
	if field == "" {
		return err.Error()
	}
	return field + ": " + err.Error()
}

// Successf prints a green check line.
func (p *Printer) Successf(format string, args ...any) {
	p.line(p.paint(ColorGreen, Check+" "+fmt.Sprintf(format, args...)))
}

// Errorf prints a red cross line.
func (p *Printer) Errorf(format string, args ...any) {
	p.line(p.paint(ColorRed, Cross+" "+fmt.Sprintf(format, args...)))
}

// Warnf prints an amber dot line.
func (p *Printer) Warnf(format string, args ...any) {
	p.line(p.paint(ColorAmber, Dot+" "+fmt.Sprintf(format, args...)))
}

// Infof prints a gray dot line.
func (p *Printer) Infof(format string, args ...any) {
	p.line(p.paint(ColorGray, Dot+" "+fmt.Sprintf(format, args...)))
}

// Printf prints without decoration.
func (p *Printer) Printf(format string, args ...any) {
	p.line(fmt.Sprintf(format, args...))
}

// Section prints a bold heading.
func (p *Printer) Section(title string) {
	p.line(p.paint(ColorBold, title))
}

// Item prints an indented entry under a section, marked with symbol in
// color.
func (p *Printer) Item(color, symbol, text string) {
	p.line("  " + p.paint(color, symbol) + " " + text)
}

func (p *Printer) paint(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

func (p *Printer) line(s string) {
	_, _ = io.WriteString(p.writer, s+"\n")
}
