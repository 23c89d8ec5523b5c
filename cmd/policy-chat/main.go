// ABOUTME: Terminal client for the Policy RAG API
// ABOUTME: Readline-style input over the conversation engine with streamed output

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/Carlomos7/policy-chat-rag/internal/api"
	"github.com/Carlomos7/policy-chat-rag/internal/config"
	"github.com/Carlomos7/policy-chat-rag/internal/conversation"
	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Config file path (default: $POLICY_CHAT_CONFIG or ~/.config/policy-chat/config.toml)")
	server := flag.String("server", "", "Policy RAG API base URL (overrides config)")
	dataPath := flag.String("data", "", "Local store path (overrides config; empty config value means in-memory)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *server, *dataPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, server, dataPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if server != "" {
		cfg.Server.BaseURL = server
	}
	if dataPath != "" {
		cfg.Storage.Path = dataPath
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	kv, err := openKV(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	client := api.NewClient(cfg.Server.BaseURL,
		api.WithTimeouts(cfg.Server.ShortTimeout, cfg.Server.StreamTimeout),
		api.WithLogger(logger),
	)
	svc := conversation.New(client, store.NewAdapter(kv, logger), logger)
	defer svc.Close()

	svc.Hydrate()
	svc.StartHealthMonitor(ctx, cfg.Health.Interval)

	color.New(color.FgCyan).Printf("policy-chat %s connected to %s\n", version, cfg.Server.BaseURL)
	fmt.Println("Type a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	r := newRenderer(ctx, svc)
	defer r.stop()

	return inputLoop(ctx, svc, r)
}

// loadConfig loads the config file, falling back to defaults when the
// default path simply does not exist. An explicitly passed path must exist.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

// openKV opens the configured store backend: SQLite at the configured path,
// or in-memory when no path is set.
func openKV(cfg config.StorageConfig, logger *slog.Logger) (store.KV, error) {
	if cfg.Path == "" {
		logger.Warn("no storage path configured, conversations will not survive restart")
		return store.NewMemoryKV(cfg.MaxBytes), nil
	}
	kv, err := store.NewSQLiteKV(cfg.Path, cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	return kv, nil
}

func inputLoop(ctx context.Context, svc *conversation.Service, r *renderer) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		printPrompt(svc)

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(ctx, svc, input); quit {
				return nil
			}
			fmt.Println()
			continue
		}

		sendAndRender(ctx, svc, r, input)
		fmt.Println()
	}
}

func printPrompt(svc *conversation.Service) {
	st := svc.Snapshot()
	glyph := color.RedString("●")
	switch st.Connection {
	case conversation.StatusConnected:
		glyph = color.GreenString("●")
	case conversation.StatusChecking:
		glyph = color.YellowString("●")
	}
	if st.ActiveThreadID != "" {
		fmt.Printf("%s [%s]> ", glyph, titleForThread(st, st.ActiveThreadID))
	} else {
		fmt.Printf("%s > ", glyph)
	}
}

func titleForThread(st conversation.State, threadID string) string {
	for _, c := range st.Conversations {
		if c.ThreadID == threadID {
			return c.Title
		}
	}
	return threadID
}

// handleCommand dispatches a /command line. Returns true to quit.
func handleCommand(ctx context.Context, svc *conversation.Service, input string) bool {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp()

	case "/new":
		svc.StartNewConversation()
		fmt.Println("Started a new conversation. Your next question opens a thread.")

	case "/list":
		listConversations(svc)

	case "/select":
		if conv, ok := conversationAt(svc, args); ok {
			svc.SelectConversation(conv.ThreadID)
			fmt.Printf("Switched to %q\n", conv.Title)
			printHistory(svc, conv.ThreadID)
		}

	case "/delete":
		if conv, ok := conversationAt(svc, args); ok {
			svc.DeleteConversation(conv.ThreadID)
			fmt.Printf("Deleted %q\n", conv.Title)
		}

	case "/search":
		if args == "" {
			fmt.Println("Usage: /search <term>")
		} else {
			searchConversations(svc, args)
		}

	case "/retry":
		if svc.Snapshot().FailedSend == nil {
			fmt.Println("Nothing to retry")
		} else {
			svc.RetryFailedMessage(ctx)
		}

	case "/dismiss":
		svc.DismissFailedMessage()
		fmt.Println("Dismissed")

	case "/health":
		switch svc.CheckNow(ctx) {
		case conversation.StatusConnected:
			color.Green("Backend is healthy")
		default:
			color.Red("Backend is unreachable")
		}

	default:
		fmt.Printf("Unknown command: %s (try /help)\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new           Start a new conversation")
	fmt.Println("  /list          List conversations")
	fmt.Println("  /select <n>    Switch to conversation n")
	fmt.Println("  /delete <n>    Delete conversation n")
	fmt.Println("  /search <term> Search all conversation histories")
	fmt.Println("  /retry         Retry the last failed send")
	fmt.Println("  /dismiss       Dismiss the last failed send")
	fmt.Println("  /health        Check backend health")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

func listConversations(svc *conversation.Service) {
	st := svc.Snapshot()
	if len(st.Conversations) == 0 {
		fmt.Println("No conversations yet")
		return
	}
	for i, c := range st.Conversations {
		marker := "  "
		if c.ThreadID == st.ActiveThreadID {
			marker = color.GreenString("* ")
		}
		fmt.Printf("%s%2d. %s %s\n", marker, i+1, c.Title,
			color.HiBlackString("(%d messages, updated %s)", c.MessageCount, c.UpdatedAt))
	}
}

func conversationAt(svc *conversation.Service, arg string) (store.Conversation, bool) {
	st := svc.Snapshot()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(st.Conversations) {
		fmt.Printf("Usage: expected a conversation number between 1 and %d\n", len(st.Conversations))
		return store.Conversation{}, false
	}
	return st.Conversations[n-1], true
}

func searchConversations(svc *conversation.Service, term string) {
	st := svc.Snapshot()
	lower := strings.ToLower(term)
	hits := 0
	for _, c := range st.Conversations {
		for _, m := range svc.MessagesForThread(c.ThreadID) {
			if strings.Contains(strings.ToLower(m.Content), lower) {
				fmt.Printf("%s %s: %s\n", color.HiBlackString(c.Title), m.Role, snippet(m.Content, 80))
				hits++
			}
		}
	}
	if hits == 0 {
		fmt.Println("No matches")
	}
}

func printHistory(svc *conversation.Service, threadID string) {
	for _, m := range svc.MessagesForThread(threadID) {
		if m.Role == store.RoleUser {
			color.New(color.FgCyan).Printf("you: ")
		} else {
			color.New(color.FgGreen).Printf("assistant: ")
		}
		fmt.Println(m.Content)
		if len(m.Sources) > 0 {
			fmt.Println(color.HiBlackString("  sources: %s", strings.Join(m.Sources, ", ")))
		}
	}
}

func sendAndRender(ctx context.Context, svc *conversation.Service, r *renderer, question string) {
	r.beginSend()
	threadID := svc.SendMessage(ctx, question, "")
	r.endSend()

	st := svc.Snapshot()
	if st.FailedSend != nil {
		fmt.Println()
		color.Red("Send failed. /retry to try again, /dismiss to drop it.")
		return
	}
	if threadID == "" {
		return
	}

	// Sources arrive with the final assistant message.
	msgs := st.Messages
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == store.RoleAssistant && len(last.Sources) > 0 {
			fmt.Println()
			fmt.Println(color.HiBlackString("sources: %s", strings.Join(last.Sources, ", ")))
		}
	}
}

// snippet shortens a string to maxLen, adding "..." if truncated.
func snippet(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
