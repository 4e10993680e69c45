package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"canvas_study_assistant/assist"
	"canvas_study_assistant/canvas"
	"canvas_study_assistant/config"
	"canvas_study_assistant/llm"
	"canvas_study_assistant/logger"
	"canvas_study_assistant/server"
)

var (
	configPath string
	cfg        *config.Config
	log        *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "assistant",
	Short:         "Course-aware study assistant on top of Canvas",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		l, err := logger.New(c.Env)
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		coord, avail, cleanup, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		srv, err := server.New(server.Config{
			Assistant:      coord,
			Availability:   avail,
			Logger:         log,
			RequestTimeout: cfg.Server.RequestTimeout.Duration,
		})
		if err != nil {
			return err
		}
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		return srv.Run(ctx, addr)
	},
}

var (
	askCourse     string
	askAssignment string
	askQuestion   string
	askHelpType   string
	askFiles      []string
	askLevel      string
	askTrace      bool
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Run one assistance request and print the formatted response as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if askTrace {
			shutdown, err := initTracing()
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()
		}

		coord, _, cleanup, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := coord.Run(ctx, assist.Request{
			CourseID:        askCourse,
			AssignmentID:    askAssignment,
			Question:        askQuestion,
			HelpType:        askHelpType,
			ContextFileRefs: askFiles,
			StudentLevel:    askLevel,
		})
		if err != nil {
			if f, ok := assist.AsFailure(err); ok {
				return fmt.Errorf("%s at %s: %s", f.Kind, f.Stage, f.Reason)
			}
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var (
	explainCourse  string
	explainContext string
	explainLevel   string
)

var explainCmd = &cobra.Command{
	Use:   "explain <concept>",
	Short: "Explain an academic concept and print the formatted response as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, _, cleanup, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := coord.Explain(ctx, assist.ConceptRequest{
			Concept:      strings.Join(args, " "),
			Detail:       explainContext,
			CourseID:     explainCourse,
			StudentLevel: explainLevel,
		})
		if err != nil {
			if f, ok := assist.AsFailure(err); ok {
				return fmt.Errorf("%s at %s: %s", f.Kind, f.Stage, f.Reason)
			}
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.yaml or .json); defaults to ASSIST_CONFIG_PATH or config/config.yaml")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")

	askCmd.Flags().StringVar(&askCourse, "course", "", "Canvas course id")
	askCmd.Flags().StringVar(&askAssignment, "assignment", "", "Canvas assignment id")
	askCmd.Flags().StringVarP(&askQuestion, "question", "q", "", "question to ask")
	askCmd.Flags().StringVar(&askHelpType, "help-type", "guidance", "analysis, guidance, research or solution")
	askCmd.Flags().StringSliceVar(&askFiles, "file", nil, "Canvas file id to use as context (repeatable)")
	askCmd.Flags().StringVar(&askLevel, "level", "", "student level (beginner, undergraduate, graduate)")
	askCmd.Flags().BoolVar(&askTrace, "trace", false, "print pipeline spans to stderr")

	explainCmd.Flags().StringVar(&explainCourse, "course", "", "Canvas course id for extra context")
	explainCmd.Flags().StringVar(&explainContext, "context", "", "what the explanation is for")
	explainCmd.Flags().StringVar(&explainLevel, "level", "", "student level (beginner, undergraduate, graduate)")

	rootCmd.AddCommand(serveCmd, askCmd, explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildCoordinator wires adapters, router, Canvas client and file loader
// from cfg. cleanup releases the cache connection.
func buildCoordinator(ctx context.Context) (*assist.Coordinator, llm.Availability, func(), error) {
	cleanup := func() {}
	avail := cfg.Availability()

	fast, err := buildAdapter(ctx, "fast", cfg.Backends.Fast)
	if err != nil {
		return nil, avail, cleanup, err
	}
	search, err := buildAdapter(ctx, "search", cfg.Backends.Search)
	if err != nil {
		return nil, avail, cleanup, err
	}
	if fast == nil && search == nil {
		log.Warn("no AI backend configured; every request will fail with adapter_unavailable")
	}

	var opts []llm.RouterOption
	if d := cfg.Assist.CallTimeout.Duration; d > 0 {
		opts = append(opts, llm.WithCallTimeout(d))
	}
	opts = append(opts,
		llm.WithRateLimit(llm.BackendFast, cfg.Backends.Fast.RequestsPerMinute),
		llm.WithRateLimit(llm.BackendSearch, cfg.Backends.Search.RequestsPerMinute),
	)
	router := llm.NewRouter(fast, search, opts...)

	if strings.TrimSpace(cfg.Canvas.BaseURL) == "" {
		return nil, avail, cleanup, errors.New("canvas.base_url is required (or set CANVAS_BASE_URL)")
	}
	var cache canvas.Cache = canvas.NewMemoryCache()
	if cfg.Canvas.RedisAddr != "" {
		rc, err := canvas.NewRedisCache(ctx, cfg.Canvas.RedisAddr)
		if err != nil {
			return nil, avail, cleanup, fmt.Errorf("redis cache: %w", err)
		}
		cache = rc
		cleanup = func() { _ = rc.Close() }
	}
	client, err := canvas.NewClient(cfg.Canvas.BaseURL, cfg.Canvas.AccessToken,
		canvas.WithCache(cache, cfg.Canvas.CacheTTL.Duration))
	if err != nil {
		cleanup()
		return nil, avail, func() {}, err
	}
	loader := canvas.NewFileLoader(client,
		canvas.WithLimits(cfg.Canvas.MaxFileBytes, cfg.Assist.MaxExcerptChars, cfg.Assist.MaxContextChars))

	coord, err := assist.NewCoordinator(client, router,
		assist.WithFileContext(loader),
		assist.WithLogger(log),
		assist.WithStudentLevel(cfg.Assist.StudentLevel),
	)
	if err != nil {
		cleanup()
		return nil, avail, func() {}, err
	}
	log.Info("assistant ready",
		"fast", cfg.Backends.Fast.Provider, "fast_enabled", avail.Fast,
		"search", cfg.Backends.Search.Provider, "search_enabled", avail.Search,
		"redis", cfg.Canvas.RedisAddr != "",
	)
	return coord, avail, cleanup, nil
}

func buildAdapter(ctx context.Context, slot string, b config.BackendConfig) (llm.Adapter, error) {
	if !b.Enabled() {
		return nil, nil
	}
	a, err := llm.NewAdapter(ctx, b.Settings())
	if err != nil {
		return nil, fmt.Errorf("backends.%s: %w", slot, err)
	}
	return a, nil
}

func initTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
