// Command voiceclone is a terminal client for the voice-cloning backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/api"
	"github.com/book-expert/voiceclone/internal/auth"
	"github.com/book-expert/voiceclone/internal/config"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/book-expert/voiceclone/internal/tokenstore"
	"github.com/book-expert/voiceclone/internal/voice"
)

// Flag names and descriptions.
const (
	flagConfig      = "config"
	flagVerbose     = "verbose"
	flagConfigDesc  = "Path to a TOML config file (defaults to built-in settings)"
	flagVerboseDesc = "Write a verbose log file"
)

// Error and log messages.
const (
	errFmtLoadConfig     = "failed to load configuration: %w"
	errFmtInitLogger     = "failed to initialize logger: %w"
	errFmtCreateDirs     = "failed to create directories: %w"
	errFmtOpenStore      = "failed to open %s session store: %w"
	errFmtUnknownCommand = "unknown command %q"
	logFmtStarted        = "voiceclone %s against %s (session store: %s)"
	msgSessionExpired    = "Session expired, please log in again."
)

// File names.
const (
	logFileNameDefault = "voiceclone.log"
	logFileNameVerbose = "voiceclone-verbose.log"
)

var errNoCommand = errors.New("no command given")

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	client  *api.Client
	session *auth.Session
	service *voice.Service
	out     io.Writer
	closers []func() error
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", describeError(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return execute(ctx, os.Args[1:], os.Stdout)
}

// execute parses the global flags, builds the app, and dispatches to the
// named command.
func execute(ctx context.Context, args []string, out io.Writer) error {
	globals := flag.NewFlagSet("voiceclone", flag.ContinueOnError)
	globals.SetOutput(out)

	configPath := globals.String(flagConfig, "", flagConfigDesc)
	verbose := globals.Bool(flagVerbose, false, flagVerboseDesc)

	globals.Usage = func() { printUsage(out, globals) }

	err := globals.Parse(args)
	if err != nil {
		return err
	}

	if globals.NArg() == 0 {
		globals.Usage()

		return errNoCommand
	}

	name := globals.Arg(0)

	cmd, ok := findCommand(name)
	if !ok {
		globals.Usage()

		return fmt.Errorf(errFmtUnknownCommand, name)
	}

	application, err := setup(ctx, *configPath, *verbose, out)
	if err != nil {
		return err
	}

	defer application.close()

	application.log.Info(logFmtStarted, name, application.cfg.Backend.URL, application.cfg.Session.Store)

	return cmd.run(ctx, application, globals.Args()[1:])
}

// setup loads config, initializes the logger, opens the session store, and
// wires the client, session, and voice service.
func setup(ctx context.Context, configPath string, verbose bool, out io.Writer) (*app, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf(errFmtLoadConfig, err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateDirs, err)
	}

	logFileName := logFileNameDefault
	if verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf(errFmtInitLogger, err)
	}

	application := &app{cfg: cfg, log: log, out: out, closers: []func() error{log.Close}}

	store, closeStore, err := tokenstore.Open(ctx, cfg)
	if err != nil {
		application.close()

		return nil, fmt.Errorf(errFmtOpenStore, cfg.Session.Store, err)
	}

	if closeStore != nil {
		application.closers = append(application.closers, closeStore)
	}

	err = application.wire(store)
	if err != nil {
		application.close()

		return nil, err
	}

	return application, nil
}

func (a *app) wire(store core.TokenStore) error {
	client, err := api.New(api.Config{
		BaseURL:         a.cfg.Backend.URL,
		Timeout:         a.cfg.Backend.Timeout(),
		CoalesceRefresh: a.cfg.Backend.CoalesceRefresh,
	}, store, a.log)
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	session, err := auth.NewSession(client, a.log, a.cfg.Backend.LoginPath)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.OnExpired(func(error) {
		fmt.Fprintln(a.out, msgSessionExpired)
	})

	service, err := voice.NewService(client, a.log, voice.Options{
		MaxFiles:           a.cfg.Upload.MaxFiles,
		MaxFileSize:        a.cfg.Upload.MaxFileSizeBytes(),
		AllowedExtensions:  a.cfg.Upload.AllowedExtensions,
		TrainingInterval:   a.cfg.Polling.TrainingInterval(),
		ValidationInterval: a.cfg.Polling.ValidationInterval(),
	})
	if err != nil {
		return fmt.Errorf("failed to create voice service: %w", err)
	}

	a.client = client
	a.session = session
	a.service = service

	return nil
}

func (a *app) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		err := a.closers[index]()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error during shutdown: %v\n", err)
		}
	}
}

// describeError turns client errors into the message a user should see.
func describeError(err error) error {
	var regErr *auth.RegistrationError
	if errors.As(err, &regErr) {
		return fmt.Errorf("registration failed:\n  %s", joinLines(regErr.Messages()))
	}

	switch api.KindOf(err) {
	case api.KindAuthentication:
		return fmt.Errorf("%w (run 'voiceclone login')", err)
	case api.KindTimeout:
		return fmt.Errorf("the backend did not answer in time: %w", err)
	case api.KindTransport:
		return fmt.Errorf("cannot reach the backend: %w", err)
	default:
		return err
	}
}
