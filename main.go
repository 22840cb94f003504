package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/qpcode"
	"github.com/quickpaste/quickpaste/internal/qpmetrics"
	"github.com/quickpaste/quickpaste/internal/qpstore/qpmemorystore"
)

const defaultPort = 4435

const shutdownTimeout = 30 * time.Second

type Config struct {
	CollisionRetries int           `env:"COLLISION_RETRIES" envDefault:"20"`
	LogFormat        string        `env:"LOG_FORMAT"        envDefault:"text"`
	LogLevel         string        `env:"LOG_LEVEL"         envDefault:"info"`
	MaxContentSize   int           `env:"MAX_CONTENT_SIZE"  envDefault:"1048576"`
	PasteTTL         time.Duration `env:"PASTE_TTL"         envDefault:"30m"`
	Port             int           `env:"PORT"              envDefault:"4435"`
	ReapInterval     time.Duration `env:"REAP_INTERVAL"     envDefault:"1m"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"   envDefault:"10s"`
	ScanStrategy     string        `env:"SCAN_STRATEGY"     envDefault:"linear"`
}

func main() {
	time.Local = time.UTC

	var serverURL string

	rootCmd := &cobra.Command{
		Use:   "quickpaste",
		Short: "Share text through short-lived 4-digit codes",
		Long: strings.TrimSpace(`
Server and client for sharing a block of text through a 4-digit code. Anyone
holding the code can read the text until it expires, 30 minutes after it was
posted by default. Pastes live in memory only and don't survive a restart.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
quickpaste serve

# share the contents of a file
quickpaste post < notes.txt

# read a paste back
quickpaste get 0421
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(cmd.Context()); err != nil {
				abortErr(err)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", fmt.Sprintf("http://localhost:%d", defaultPort),
		"base URL of the server used by client commands")

	// quickpaste get
	{
		cmd := &cobra.Command{
			Use:   "get <code>",
			Short: "Print the content of a paste",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runGet(cmd.Context(), NewClient(serverURL, nil), cmd.OutOrStdout(), args[0]); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// quickpaste post
	{
		cmd := &cobra.Command{
			Use:   "post [text]",
			Short: "Create a paste and print its code",
			Long: strings.TrimSpace(`
Creates a paste from the given arguments, joined by spaces, or from standard
input if no arguments are given. Prints the paste's code.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				content := strings.Join(args, " ")
				if len(args) < 1 {
					stdin, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						abortErr(xerrors.Errorf("error reading stdin: %w", err))
					}
					content = string(stdin)
				}

				if err := runPost(cmd.Context(), NewClient(serverURL, nil), cmd.OutOrStdout(), content); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// quickpaste serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start quickpaste server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a quickpaste server, binding to $PORT, or default to %d. Serves both the
web pages and the JSON API, and periodically reclaims expired pastes.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(cmd.Context()); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func runGet(ctx context.Context, client *Client, out io.Writer, code string) error {
	paste, err := client.GetPaste(ctx, strings.TrimSpace(code))
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(out, paste.Content)
	return err
}

func runPost(ctx context.Context, client *Client, out io.Writer, content string) error {
	paste, err := client.CreatePaste(ctx, content)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s (expires %s)\n", paste.Code, paste.ExpiresAt.Format(time.Kitchen))
	return err
}

func runServe(ctx context.Context) error {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return xerrors.Errorf("error parsing env config: %w", err)
	}

	logger, err := newLogger(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, logger, &config)
}

// Runs the server and the paste reaper until ctx is done or the server fails.
func serve(ctx context.Context, logger *logrus.Logger, config *Config) error {
	scanStrategy, err := qpcode.ParseScanStrategy(config.ScanStrategy)
	if err != nil {
		return xerrors.Errorf("error parsing SCAN_STRATEGY: %w", err)
	}

	allocator, err := qpcode.NewAllocator(config.CollisionRetries, scanStrategy)
	if err != nil {
		return xerrors.Errorf("error configuring code allocator: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := qpmemorystore.NewMemoryStore(logger, &qpmemorystore.MemoryStoreConfig{
		Allocator:      allocator,
		MaxContentSize: config.MaxContentSize,
		Metrics:        qpmetrics.New(registry),
		ReapInterval:   config.ReapInterval,
		TTL:            config.PasteTTL,
	})

	server := NewServer(logger, store, &ServerConfig{
		Gatherer:       registry,
		MaxRequestSize: maxRequestSize(config.MaxContentSize),
		Port:           config.Port,
		RequestTimeout: config.RequestTimeout,
		TTL:            config.PasteTTL,
	})

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		store.ReapLoop(ctx)
		return nil
	})

	errGroup.Go(server.Start)

	errGroup.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Infof("Shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	return errGroup.Wait()
}

// Request bodies carry content JSON or form encoded, both of which can inflate
// it, so allow for the worst case of a JSON `\u00XX` escape per byte. Unlimited
// content means unlimited requests.
func maxRequestSize(maxContentSize int) int64 {
	if maxContentSize <= 0 {
		return -1
	}

	return int64(maxContentSize)*6 + 4096
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, xerrors.Errorf("error parsing LOG_LEVEL: %w", err)
	}
	logger.SetLevel(logLevel)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, xerrors.Errorf("LOG_FORMAT should be `json` or `text`, was %q", format)
	}

	return logger, nil
}
