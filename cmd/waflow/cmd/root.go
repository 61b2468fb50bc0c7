package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/chat/waha"
	"github.com/drblury/waflow/internal/runtime"
	"github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/retry"
)

// app carries what the commands need from the outside world, so tests can
// swap the environment, the output and the chat client.
type app struct {
	environ map[string]string
	stdout  io.Writer
	stderr  io.Writer

	newChatClient func(conf *config.Config, logger logging.ServiceLogger) (chat.Client, error)
	deps          runtime.Dependencies
}

// Execute runs the root command against the process environment.
func Execute() error {
	return NewRootCommand().Execute()
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		newChatClient: newWAHAClient,
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "waflow",
		Short:        "Bridge a WhatsApp session and a message broker",
		Long:         `waflow publishes inbound WhatsApp messages to per-kind broker topics and delivers send commands consumed from an outbound topic. It is configured through WAFLOW_* environment variables.`,
		SilenceUsage: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.AddCommand(a.runCommand())
	root.AddCommand(a.validateConfigCommand())
	root.AddCommand(a.deadLettersCommand())
	root.AddCommand(versionCommand())
	return root
}

// loadConfig reads and validates the configuration.
func (a *app) loadConfig() (*config.Config, error) {
	conf, err := config.LoadFrom(a.environ)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

// newLogger builds the service logger selected by LogBackend.
func newLogger(conf *config.Config, w io.Writer) (logging.ServiceLogger, error) {
	switch strings.ToLower(conf.LogBackend) {
	case "", "slog":
		log, err := logging.NewSlog(w, conf.LogFormat, conf.LogLevel)
		if err != nil {
			return nil, err
		}
		return logging.NewSlogServiceLogger(log), nil
	case "logrus":
		log := logrus.New()
		log.SetOutput(w)
		if strings.EqualFold(conf.LogFormat, "text") {
			log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{})
		}
		level, err := logrus.ParseLevel(conf.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		log.SetLevel(level)
		return logging.NewEntryServiceLogger(logrus.NewEntry(log)), nil
	default:
		return nil, fmt.Errorf("logging: unknown backend %q", conf.LogBackend)
	}
}

func newWAHAClient(conf *config.Config, logger logging.ServiceLogger) (chat.Client, error) {
	return waha.New(waha.Config{
		BaseURL: conf.ChatBaseURL,
		APIKey:  conf.ChatAPIKey,
		Session: conf.ChatSession,
		StartRetry: retry.Config{
			MaxRetries:        conf.StartMaxRetries,
			InitialDelay:      conf.StartInitialDelay,
			MaxDelay:          conf.StartMaxDelay,
			BackoffMultiplier: conf.StartMultiplier,
		},
		Logger: logger,
	})
}
