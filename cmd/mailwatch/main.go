// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The mailwatch command controls and observes server-side mail
// monitoring: it signs in to the backend, manages mailbox
// configurations, toggles monitoring, and follows a monitoring run
// live.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/matta/mailwatch/internal/apihttp"
	"github.com/matta/mailwatch/internal/config"
	"github.com/matta/mailwatch/internal/credential"
	"github.com/matta/mailwatch/internal/homedir"
	"github.com/matta/mailwatch/internal/mailapi"
	"github.com/matta/mailwatch/internal/persist"
	"github.com/matta/mailwatch/internal/tracehttp"

	_ "github.com/mattn/go-sqlite3"
)

const (
	exitOK              = 0
	exitError           = 1
	exitUsage           = 2
	exitUnauthenticated = 3
)

// usageError marks errors caused by bad command lines.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// globals are the flags accepted before the subcommand.
type globals struct {
	configPath string
	baseURL    string
	wsURL      string
	dbPath     string
	logLevel   string
	logFile    string
	trace      bool
	help       bool
}

func (g *globals) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "configuration file (default $MAILWATCH_CONFIG or ~/.config/mailwatch/config.yaml)")
	fs.StringVar(&g.baseURL, "base-url", "", "REST API root, e.g. https://mail.example.com/api")
	fs.StringVar(&g.wsURL, "ws-url", "", "streaming root (default derived from --base-url)")
	fs.StringVar(&g.dbPath, "db", "", "credential database (default ~/.mailwatch.db)")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&g.logFile, "log-file", "", "append logs to this file instead of stderr")
	fs.BoolVarP(&g.trace, "trace", "T", false, "dump HTTP traffic to stderr")
	fs.BoolVarP(&g.help, "help", "h", false, "show help")
}

// app holds the wired clients shared by subcommands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer

	db    *persist.DB
	creds *credential.Provider
	api   *apihttp.Client
	svc   *mailapi.Service

	logClose func() error
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"login", "login [-u user]", "sign in and store tokens", runLogin},
		{"logout", "logout", "forget stored tokens", runLogout},
		{"accounts", "accounts [add|edit|rm] ...", "list or manage mailbox configurations", runAccounts},
		{"authorize", "authorize <email>", "print the OAuth consent URL of a mailbox", runAuthorize},
		{"status", "status [email...]", "show monitoring status", runStatus},
		{"toggle", "toggle <email>", "start or stop monitoring", runToggle},
		{"classify", "classify <email> [--hours N] [--method M]", "classify recent mail", runClassify},
		{"poll", "poll", "follow monitoring status until interrupted", runPoll},
		{"watch", "watch [--live] <email>", "interactive monitoring view", runWatch},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var g globals
	fs := pflag.NewFlagSet("mailwatch", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	g.register(fs)
	if err := fs.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			printHelp(fs)
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "mailwatch: %v\n", err)
		return exitUsage
	}
	if g.help || fs.NArg() == 0 {
		printHelp(fs)
		if g.help {
			return exitOK
		}
		return exitUsage
	}

	name, args := fs.Arg(0), fs.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "mailwatch: unknown command %q\n", name)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, fs, &g, cmd.name == "watch")
	if err == nil {
		defer a.close()
		err = cmd.run(ctx, a, args)
	}
	return report(err)
}

// report prints err and maps it to an exit code.
func report(err error) int {
	if err == nil {
		return exitOK
	}
	var uerr *usageError
	switch {
	case errors.As(err, &uerr):
		fmt.Fprintf(os.Stderr, "mailwatch: %v\n", err)
		return exitUsage
	case errors.Is(err, apihttp.ErrUnauthenticated):
		fmt.Fprintf(os.Stderr, "mailwatch: %v\nSign in again with: mailwatch login\n", err)
		return exitUnauthenticated
	}
	fmt.Fprintf(os.Stderr, "mailwatch: %v\n", err)
	return exitError
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, "mailwatch controls and observes server-side mail monitoring.\n\nUsage:\n  mailwatch [flags] <command> [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-42s %s\n", c.usage, c.summary)
	}
	fmt.Fprint(os.Stderr, "\nFlags:\n")
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
}

// setup loads configuration and wires the clients.  Interactive
// commands never log to the terminal.
func setup(ctx context.Context, fs *pflag.FlagSet, g *globals, interactive bool) (*app, error) {
	boot := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	src := config.Source{Path: g.configPath, Required: g.configPath != "", Logger: boot}
	if src.Path == "" {
		if p := os.Getenv("MAILWATCH_CONFIG"); p != "" {
			src.Path, src.Required = p, true
		} else if p, err := homedir.ConfigPath(); err == nil {
			src.Path = p
		}
	}
	cfg, err := config.Load(src)
	if err != nil {
		return nil, err
	}
	if fs.Changed("base-url") {
		cfg.BaseURL = g.baseURL
	}
	if fs.Changed("ws-url") {
		cfg.WSURL = g.wsURL
	}
	if fs.Changed("db") {
		cfg.DBPath = g.dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if fs.Changed("trace") {
		cfg.Trace = g.trace
	}
	if err := cfg.Resolve(); err != nil {
		return nil, usagef("%v", err)
	}
	if cfg.DBPath == "" {
		if cfg.DBPath, err = homedir.DBPath(); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, out: os.Stdout}
	a.logger, a.logClose, err = newLogger(g.logFile, cfg.Level(), interactive)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(a.logger)

	a.db, err = persist.Open(ctx, cfg.DBPath)
	if err != nil {
		a.close()
		return nil, errors.Wrap(err, "unable to open credential database")
	}

	transport := http.DefaultTransport
	if cfg.Trace {
		transport = tracehttp.Wrap(transport, os.Stderr)
	}
	a.creds = credential.New(cfg.BaseURL, &http.Client{Transport: transport, Timeout: cfg.HTTPTimeout}, a.db)
	a.creds.SetLogger(a.logger)
	a.api = apihttp.New(cfg.BaseURL, a.creds,
		apihttp.WithHTTPClient(&http.Client{Transport: transport}),
		apihttp.WithRateLimit(cfg.RateLimit, int(2*cfg.RateLimit)),
		apihttp.WithLogger(a.logger))
	a.svc = mailapi.New(a.api)
	a.logger.Debug("configured", "base_url", cfg.BaseURL, "ws_url", cfg.WSURL, "db", cfg.DBPath)
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logClose != nil {
		a.logClose()
	}
}

// newLogger logs to path when given.  Otherwise it logs text to a
// terminal stderr and JSON to a redirected one, except for interactive
// commands, which discard logs rather than draw over the view.
func newLogger(path string, level slog.Level, interactive bool) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: level}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		return slog.New(slog.NewJSONHandler(f, opts)), f.Close, nil
	}
	noop := func() error { return nil }
	if interactive {
		return slog.New(slog.NewTextHandler(io.Discard, opts)), noop, nil
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), noop, nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), noop, nil
}
