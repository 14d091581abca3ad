package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := newRoot()
	err := cli.command.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("INVOICEPIPE"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp), errors.Is(err, ff.ErrNoExec):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cli.command.GetSelected()))
		if errors.Is(err, ff.ErrNoExec) {
			os.Exit(1)
		}
	default:
		if cmd := cli.command.GetSelected(); cmd != nil && !cli.started {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// root holds the flags every subcommand shares.
type root struct {
	command *ff.Command
	flags   *ff.FlagSet

	dbPath      *string
	storagePath *string
	rulesPath   *string
	logFormat   *string
	logLevel    *string

	// started is set once flags parsed and a subcommand began executing
	started bool
}

func newRoot() *root {
	fs := ff.NewFlagSet("invoicepipe")
	r := &root{
		flags:       fs,
		dbPath:      fs.StringLong("db", "invoicepipe.db", "Database file path"),
		storagePath: fs.StringLong("storage", "./documents", "Document storage directory path"),
		rulesPath:   fs.StringLong("rules", "", "Business rules YAML file (defaults when empty)"),
		logFormat:   fs.StringLong("log-format", "text", "Log format: 'text' or 'json'"),
		logLevel:    fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
	}
	r.command = &ff.Command{
		Name:      "invoicepipe",
		Usage:     "invoicepipe [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "turn invoice documents into validated invoice records",
		Flags:     fs,
		Subcommands: []*ff.Command{
			r.serveCommand(),
			r.processCommand(),
			r.submitCommand(),
			r.statusCommand(),
			r.auditCommand(),
			r.invoicesCommand(),
			r.entitiesCommand(),
			r.reviewCommand(),
			r.cancelCommand(),
		},
	}
	return r
}

// exec wraps a subcommand body with logger setup.
func (r *root) exec(fn func(ctx context.Context, args []string) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		r.started = true
		if err := setupLogging(*r.logFormat, *r.logLevel); err != nil {
			return err
		}
		return fn(ctx, args)
	}
}

func setupLogging(format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l >= alarmLevel {
					a.Value = slog.StringValue("ALARM")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
