// Package chatbot is the interactive chat loop behind `easyai chat`.
package chatbot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"easyaikit/internal/backend"
	"easyaikit/internal/chat"
	"easyaikit/internal/client"
	"easyaikit/internal/storage"
	"easyaikit/internal/streamutil"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/common-nighthawk/go-figure"
)

var (
	promptStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	botStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	reasoningStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
)

// ChatBot runs a read-eval-print loop over a chat session, optionally
// persisting every turn to a history store
type ChatBot struct {
	ai          *client.AI
	store       storage.Store
	session     *chat.Session
	sessionOpts []chat.Option
	reqOpts     []backend.RequestOption
	stream      bool
	banner      bool
	logger      *slog.Logger

	// clip receives the text for /copy
	clip      func(string) error
	lastReply string

	in  io.Reader
	out io.Writer
}

type Option func(*ChatBot)

// WithStore persists turns and enables the session commands
func WithStore(s storage.Store) Option {
	return func(cb *ChatBot) { cb.store = s }
}

func WithSessionOptions(opts ...chat.Option) Option {
	return func(cb *ChatBot) { cb.sessionOpts = append(cb.sessionOpts, opts...) }
}

func WithRequestOptions(opts ...backend.RequestOption) Option {
	return func(cb *ChatBot) { cb.reqOpts = append(cb.reqOpts, opts...) }
}

// WithStreaming prints replies as they arrive
func WithStreaming(on bool) Option {
	return func(cb *ChatBot) { cb.stream = on }
}

// WithBanner prints an ASCII-art title when the loop starts
func WithBanner(on bool) Option {
	return func(cb *ChatBot) { cb.banner = on }
}

func WithIO(in io.Reader, out io.Writer) Option {
	return func(cb *ChatBot) {
		cb.in = in
		cb.out = out
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cb *ChatBot) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// NewChatBot creates a ChatBot. With a store, the store's current session
// history is loaded into the conversation.
func NewChatBot(ctx context.Context, ai *client.AI, opts ...Option) (*ChatBot, error) {
	cb := &ChatBot{
		ai:     ai,
		stream: true,
		logger: slog.Default(),
		in:     strings.NewReader(""),
		out:    io.Discard,
		clip:   clipboard.WriteAll,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if err := cb.resetSession(ctx); err != nil {
		return nil, err
	}
	return cb, nil
}

// resetSession builds a fresh chat session seeded from the store's current
// session
func (cb *ChatBot) resetSession(ctx context.Context) error {
	opts := append([]chat.Option{chat.WithLogger(cb.logger)}, cb.sessionOpts...)
	if cb.store != nil {
		history, err := cb.store.History(ctx)
		if err != nil {
			return fmt.Errorf("failed to load session history: %w", err)
		}
		opts = append(opts, chat.WithHistory(history), chat.WithRecorder(cb.store))
	}
	cb.session = cb.ai.Session(opts...)
	return nil
}

func (cb *ChatBot) sessionID() string {
	if cb.store == nil {
		return "(not persisted)"
	}
	return cb.store.SessionID()
}

// sendMessage runs one chat turn and prints the reply
func (cb *ChatBot) sendMessage(ctx context.Context, input string) error {
	fmt.Fprint(cb.out, botStyle.Render("Bot:")+" ")
	if !cb.stream {
		reply, err := cb.session.Ask(ctx, input, cb.reqOpts...)
		if err != nil {
			fmt.Fprintln(cb.out)
			return err
		}
		fmt.Fprintf(cb.out, "%s\n\n", reply)
		cb.lastReply = reply
		return nil
	}

	chunks, errs := cb.session.StreamAsk(ctx, input, cb.reqOpts...)
	reply, err := streamutil.CopyStream(cb.out, chunks, errs)
	fmt.Fprint(cb.out, "\n\n")
	if err != nil {
		return err
	}
	cb.lastReply = reply
	return nil
}

func (cb *ChatBot) think(ctx context.Context, question string) error {
	chunks, errs := cb.session.StreamThink(ctx, question, cb.reqOpts...)
	var answer strings.Builder
	fmt.Fprintln(cb.out, headerStyle.Render("Reasoning"))
	for c := range chunks {
		if c.Reasoning != "" {
			fmt.Fprint(cb.out, reasoningStyle.Render(c.Reasoning))
			continue
		}
		if answer.Len() == 0 {
			fmt.Fprintf(cb.out, "\n\n%s\n", headerStyle.Render("Answer"))
		}
		answer.WriteString(c.Answer)
		fmt.Fprint(cb.out, c.Answer)
	}
	fmt.Fprint(cb.out, "\n\n")
	if err := <-errs; err != nil {
		return err
	}
	cb.lastReply = answer.String()
	return nil
}

func (cb *ChatBot) askJSON(ctx context.Context, question string) error {
	result, err := cb.session.AskJSON(ctx, question, cb.reqOpts...)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format reply: %w", err)
	}
	fmt.Fprintf(cb.out, "%s\n\n", b)
	cb.lastReply = string(b)
	return nil
}

var errNoStore = errors.New("no history store configured, use --db or --json-store")

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		if cb.store != nil {
			if _, err := cb.store.LoadSession(ctx, "", true); err != nil {
				return false, fmt.Errorf("failed to start session: %w", err)
			}
		}
		if err := cb.resetSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Started new session:", cb.sessionID())
		return false, nil

	case "/switch":
		if cb.store == nil {
			return false, errNoStore
		}
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <session-id>")
		}
		if _, err := cb.store.LoadSession(ctx, parts[1], false); err != nil {
			return false, err
		}
		if err := cb.resetSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Switched to session:", cb.sessionID())
		return false, nil

	case "/sessions":
		if cb.store == nil {
			return false, errNoStore
		}
		sessions, err := cb.store.ViewSessions(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, headerStyle.Render("Sessions"))
		for i, s := range sessions {
			current := ""
			if s.SessionID == cb.store.SessionID() {
				current = " (current)"
			}
			fmt.Fprintf(cb.out, "%d. %s  %s  %d messages%s\n", i+1, s.SessionID,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.MessageCount, current)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/delete":
		if cb.store == nil {
			return false, errNoStore
		}
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <session-id>")
		}
		current := cb.store.SessionID()
		if err := cb.store.DeleteSession(ctx, parts[1]); err != nil {
			return false, err
		}
		if parts[1] == current {
			if err := cb.resetSession(ctx); err != nil {
				return false, err
			}
		}
		fmt.Fprintln(cb.out, "Deleted session:", parts[1])
		return false, nil

	case "/history":
		fmt.Fprintf(cb.out, "%s\n\n", streamutil.FormatHistory(cb.session.GetHistory()))
		return false, nil

	case "/clear":
		cb.session.Clear()
		fmt.Fprintln(cb.out, "Conversation cleared")
		return false, nil

	case "/copy":
		if cb.lastReply == "" {
			return false, errors.New("nothing to copy yet")
		}
		if err := cb.clip(cb.lastReply); err != nil {
			return false, fmt.Errorf("failed to copy to clipboard: %w", err)
		}
		fmt.Fprintln(cb.out, "Copied last reply to clipboard")
		return false, nil

	case "/think":
		if rest == "" {
			return false, fmt.Errorf("usage: /think <question>")
		}
		return false, cb.think(ctx, rest)

	case "/json":
		if rest == "" {
			return false, fmt.Errorf("usage: /json <question>")
		}
		return false, cb.askJSON(ctx, rest)

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit         - Exit the chat")
		fmt.Fprintln(cb.out, "  /new-session         - Start a new chat session")
		fmt.Fprintln(cb.out, "  /switch <id>         - Continue a stored session")
		fmt.Fprintln(cb.out, "  /sessions            - List stored sessions")
		fmt.Fprintln(cb.out, "  /delete <id>         - Delete a stored session")
		fmt.Fprintln(cb.out, "  /history             - Show the conversation")
		fmt.Fprintln(cb.out, "  /clear               - Forget the conversation so far")
		fmt.Fprintln(cb.out, "  /think <question>    - Ask the reasoning model")
		fmt.Fprintln(cb.out, "  /json <question>     - Ask for a JSON reply")
		fmt.Fprintln(cb.out, "  /copy                - Copy the last reply to the clipboard")
		fmt.Fprintln(cb.out, "  /help                - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, try /help", parts[0])
	}
}

// Run reads lines until EOF, /quit or ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	if cb.banner {
		fmt.Fprintln(cb.out, figure.NewFigure("easyai", "", true).String())
	}
	fmt.Fprintln(cb.out, headerStyle.Render("=== easyai chat ==="))
	fmt.Fprintf(cb.out, "Session: %s\n", cb.sessionID())
	fmt.Fprintf(cb.out, "Model: %s\n", cb.ai.Model())
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	scanner := bufio.NewScanner(cb.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for ctx.Err() == nil {
		fmt.Fprint(cb.out, promptStyle.Render("You:")+" ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintln(cb.out, errorStyle.Render("Error: "+err.Error()))
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.sendMessage(ctx, input); err != nil {
			fmt.Fprintln(cb.out, errorStyle.Render("Error: "+err.Error()))
			cb.logger.Error("failed to send message", "session_id", cb.sessionID(), "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}
