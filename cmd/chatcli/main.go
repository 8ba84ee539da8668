package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ai-studychat-be/internal/dto"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL      string
	token          string
	conversationId string
	noteId         string
	courseId       string
	model          string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "chatcli",
		Short: "Terminal client for the study chat backend",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CHAT_SERVER_URL", "http://localhost:3000"), "backend base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "JWT bearer token")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE:  runChat,
	}
	chatCmd.Flags().StringVar(&conversationId, "conversation", "", "resume an existing conversation id")
	chatCmd.Flags().StringVar(&noteId, "note", "", "ground a new conversation on a note")
	chatCmd.Flags().StringVar(&courseId, "course", "", "ground a new conversation on a course")
	chatCmd.Flags().StringVar(&model, "model", "", "model for a new conversation")

	root.AddCommand(
		chatCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List your conversations",
			RunE:  runList,
		},
		&cobra.Command{
			Use:   "history <conversation-id>",
			Short: "Print the messages of a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  runHistory,
		},
		&cobra.Command{
			Use:   "cancel <conversation-id>",
			Short: "Stop the replies currently streaming in a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  runCancel,
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *apiClient {
	return &apiClient{baseURL: serverURL, token: token, http: &http.Client{}}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// Handle interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nShutting down...")
		os.Exit(0)
	}()

	client := newClient()
	if conversationId == "" {
		conversationId = uuid.NewString()
	}

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Println(boldGreen("Study chat"))
	fmt.Printf("Conversation: %s\n", boldCyan(conversationId))
	fmt.Println("Type your message and press Enter. Type 'exit' or press Ctrl+C to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	first := true
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "exit") {
			return nil
		}

		part, _ := json.Marshal(map[string]string{"type": "text", "text": text})
		req := &dto.SendChatRequest{
			ConversationId: conversationId,
			Message: dto.ChatMessageDto{
				Id:    uuid.NewString(),
				Role:  "user",
				Parts: []json.RawMessage{part},
			},
			Model: model,
		}
		if first {
			req.NoteId = optional(noteId)
			req.CourseId = optional(courseId)
		}

		fmt.Print(boldCyan("Assistant: "))
		err := client.Send(ctx, req, streamHandlers{
			OnMetadata: func(m dto.StreamMetadata) {
				if m.IsNew {
					fmt.Print(faint(fmt.Sprintf("[%s] ", m.Title)))
				}
			},
			OnToken: func(delta string) { fmt.Print(delta) },
			OnDone: func(d dto.StreamDone) {
				fmt.Println()
				if d.TokensUsed != nil {
					fmt.Println(faint(fmt.Sprintf("(%d tokens, %s)", *d.TokensUsed, d.FinishReason)))
				}
			},
			OnError: func(e dto.StreamError) {
				fmt.Println()
				hint := ""
				if e.Retryable {
					hint = " (retry to continue)"
				}
				fmt.Println(red("Error: " + e.Message + hint))
			},
		})
		if err != nil {
			fmt.Println()
			fmt.Fprintln(os.Stderr, red(fmt.Sprintf("Error: %v", err)))
			continue
		}
		first = false
		fmt.Println()
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func runList(cmd *cobra.Command, _ []string) error {
	var conversations []dto.ConversationResponse
	if err := newClient().getJSON(cmd.Context(), "/api/chat/v1", &conversations); err != nil {
		return err
	}

	bold := color.New(color.Bold).SprintFunc()
	for _, c := range conversations {
		fmt.Printf("%s  %s  %s\n", c.UpdatedAt.Local().Format("2006-01-02 15:04"), bold(c.Id), c.Title)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	var messages []dto.MessageResponse
	if err := newClient().getJSON(cmd.Context(), "/api/chat/v1/"+args[0]+"/messages", &messages); err != nil {
		return err
	}

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	for _, m := range messages {
		label := boldGreen("You: ")
		if m.Role == "assistant" {
			label = boldCyan("Assistant: ")
		}
		fmt.Println(label + textOf(m.Parts))
		fmt.Println()
	}
	return nil
}

func textOf(parts []json.RawMessage) string {
	var sb strings.Builder
	for _, raw := range parts {
		var p struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &p) == nil && p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func runCancel(cmd *cobra.Command, args []string) error {
	var res dto.CancelChatResponse
	if err := newClient().postJSON(context.WithoutCancel(cmd.Context()), "/api/chat/v1/"+args[0]+"/cancel", &res); err != nil {
		return err
	}
	fmt.Printf("Cancelled %d stream(s) on this instance\n", res.Cancelled)
	return nil
}
