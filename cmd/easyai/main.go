package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"easyaikit"
	"easyaikit/internal/cache"
	"easyaikit/internal/chat"
	"easyaikit/internal/chatbot"
	"easyaikit/internal/config"
	"easyaikit/internal/httpapi"
	"easyaikit/internal/storage"
	"easyaikit/internal/telemetry"

	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

const usage = `Usage: easyai <command> [flags] [prompt]

Commands:
  ask       ask a single question (--stream, --think, --json, --out file)
  chat      interactive chat (--db or --json-store to keep history)
  sessions  list stored sessions, or one session's messages with --session-id
  serve     run the HTTP API
  version   print the version

Run "easyai <command> --help" for the flags of a command.
`

var (
	reasoningStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	roleStyle      = lipgloss.NewStyle().Bold(true).Width(11)
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	fs := config.NewFlagSet("easyai " + cmd)
	var (
		stream = fs.Bool("stream", false, "print the reply as it arrives")
		think  = fs.Bool("think", false, "use the reasoning model")
		asJSON = fs.Bool("json", false, "ask for a JSON object reply")
		out    = fs.String("out", "", "write the streamed reply to a file")
	)

	switch cmd {
	case "ask", "chat", "sessions", "serve":
	case "version", "--version", "-v":
		fmt.Println("easyai", easyaikit.Version)
		return nil
	case "help", "--help", "-h":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir, easyaikit.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	if cmd == "sessions" {
		return runSessions(ctx, cfg, logger)
	}

	ai, closeCache, err := newAI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	switch cmd {
	case "ask":
		prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if prompt == "" || prompt == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read prompt: %w", err)
			}
			prompt = strings.TrimSpace(string(b))
		}
		if prompt == "" {
			return errors.New("no prompt given")
		}
		return runAsk(ctx, ai, cfg, prompt, askMode{stream: *stream, think: *think, json: *asJSON, out: *out})
	case "chat":
		return runChat(ctx, ai, cfg, logger)
	default:
		return runServe(ctx, ai, cfg, logger)
	}
}

// newAI builds the client and its response cache
func newAI(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*easyaikit.AI, func(), error) {
	var respCache cache.Cache = cache.NewMemory(cfg.CacheTTL)
	closeCache := func() {}
	if cfg.RedisAddr != "" {
		rc := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		respCache = rc
		closeCache = func() {
			if err := rc.Close(); err != nil {
				logger.Error("failed to close redis", "error", err)
			}
		}
	}

	ai, err := easyaikit.New(
		easyaikit.WithAPIKey(cfg.APIKey),
		easyaikit.WithBaseURL(cfg.BaseURL),
		easyaikit.WithModel(cfg.Model),
		easyaikit.WithThinkModel(cfg.ThinkModel),
		easyaikit.WithSystemMessage(cfg.SystemMessage),
		easyaikit.WithMaxRetries(cfg.MaxRetries),
		easyaikit.WithTimeout(cfg.Timeout),
		easyaikit.WithLogger(logger),
		easyaikit.WithCache(respCache),
	)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return ai, closeCache, nil
}

// openStore opens the configured history store, or returns nil
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	opts := []storage.Option{storage.WithLogger(logger), storage.WithSessionID(cfg.SessionID)}
	switch {
	case cfg.DBPath != "":
		return storage.OpenDB(cfg.DBPath, opts...)
	case cfg.JSONPath != "":
		return storage.OpenJSON(cfg.JSONPath, opts...)
	default:
		return nil, nil
	}
}

type askMode struct {
	stream bool
	think  bool
	json   bool
	out    string
}

func runAsk(ctx context.Context, ai *easyaikit.AI, cfg *config.Config, prompt string, mode askMode) error {
	opts := cfg.RequestOptions()

	switch {
	case mode.json:
		result, err := ai.AskJSON(ctx, prompt, opts...)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format reply: %w", err)
		}
		fmt.Println(string(b))
		if easyaikit.IsJSONError(result) {
			return errors.New("reply was not valid JSON")
		}
		return nil

	case mode.think && mode.stream:
		chunks, errs := ai.StreamThink(ctx, prompt, opts...)
		answering := false
		fmt.Println(headerStyle.Render("Reasoning"))
		for c := range chunks {
			if c.Reasoning != "" {
				fmt.Print(reasoningStyle.Render(c.Reasoning))
				continue
			}
			if !answering {
				answering = true
				fmt.Printf("\n\n%s\n", headerStyle.Render("Answer"))
			}
			fmt.Print(c.Answer)
		}
		fmt.Println()
		return <-errs

	case mode.think:
		reasoning, answer, err := ai.Think(ctx, prompt, opts...)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%s\n\n%s\n%s\n",
			headerStyle.Render("Reasoning"), reasoningStyle.Render(reasoning),
			headerStyle.Render("Answer"), answer)
		return nil

	case mode.out != "":
		chunks, errs := ai.StreamAsk(ctx, prompt, opts...)
		text, err := easyaikit.SaveStreamToFile(chunks, errs, mode.out)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", len(text), mode.out)
		return nil

	case mode.stream:
		chunks, errs := ai.StreamAsk(ctx, prompt, opts...)
		_, err := easyaikit.PrintStreamToConsole(chunks, errs, "\n")
		return err

	default:
		reply, err := ai.Ask(ctx, prompt, opts...)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}
}

func runChat(ctx context.Context, ai *easyaikit.AI, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	opts := []chatbot.Option{
		chatbot.WithIO(os.Stdin, os.Stdout),
		chatbot.WithBanner(true),
		chatbot.WithLogger(logger),
		chatbot.WithRequestOptions(cfg.RequestOptions()...),
		chatbot.WithSessionOptions(chat.WithMaxHistory(cfg.MaxHistory)),
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, chatbot.WithStore(store))
	}

	bot, err := chatbot.NewChatBot(ctx, ai, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize chat: %w", err)
	}
	return bot.Run(ctx)
}

func runSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("sessions needs --db or --json-store")
	}
	defer store.Close()

	if cfg.SessionID != "" {
		msgs, err := store.ViewSessionMessages(ctx, cfg.SessionID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, cfg.SessionID)
		}
		fmt.Println(headerStyle.Render("Session " + cfg.SessionID))
		for _, m := range msgs {
			fmt.Printf("%s %s  %s\n", roleStyle.Render(m.Role),
				m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.Content)
		}
		return nil
	}

	sessions, err := store.ViewSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions yet")
		return nil
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-26s  %-19s  %s", "SESSION", "CREATED", "MESSAGES")))
	for _, s := range sessions {
		fmt.Printf("%-26s  %-19s  %d\n", s.SessionID,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.MessageCount)
	}
	return nil
}

func runServe(ctx context.Context, ai *easyaikit.AI, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(ai, store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		fmt.Printf("easyai %s listening on %s\n", easyaikit.Version, cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
