package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dom/chat-relay/internal/logging"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	apiURL   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{apiURL: "http://localhost:8080"}
	if envURL := os.Getenv("API_URL"); envURL != "" {
		opts.apiURL = envURL
	}

	cmd := &cobra.Command{
		Use:   "simulator",
		Short: "Development tool that drives fake chat participants",
		Long: `simulator signs up throwaway users, opens a conversation between them and
exchanges messages over websockets so routing and ordering can be observed
against a running server.

ENVIRONMENT:
  API_URL   Backend API URL (default: http://localhost:8080)`,
		Example: `  # Five users each sending ten messages
  simulator full --users=5 --messages=10

  # Post one message into an existing conversation as an existing user
  simulator send --identifier=alice --password=secret --conversation=<id> "hello"

  # Print the history of a conversation
  simulator history --identifier=alice --password=secret --conversation=<id>`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", opts.apiURL, "backend API URL")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	cmd.AddCommand(newFullCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))

	return cmd
}

func (o *globalOptions) logger() *slog.Logger {
	return logging.Setup(o.logLevel, false, nil)
}

func newFullCmd(opts *globalOptions) *cobra.Command {
	var (
		users    int
		messages int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "full",
		Short: "Sign up users, connect them and exchange messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if users < 2 || users > 50 {
				return errors.New("--users must be between 2 and 50")
			}
			if messages < 1 {
				return errors.New("--messages must be at least 1")
			}
			return runFull(opts, users, messages, timeout)
		},
	}

	cmd.Flags().IntVar(&users, "users", 3, "number of simulated participants")
	cmd.Flags().IntVar(&messages, "messages", 5, "messages sent by each participant")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for deliveries")

	return cmd
}

func runFull(opts *globalOptions, users, messages int, timeout time.Duration) error {
	log := opts.logger()
	client := NewAPIClient(opts.apiURL)

	fmt.Println("=== Chat Simulator: Full Flow ===")
	fmt.Println()

	fmt.Printf("Signing up %d users:\n", users)
	tokens := make([]string, users)
	ids := make([]uuid.UUID, users)
	for i := range users {
		auth, err := client.SignUp(fmt.Sprintf("player%d", i+1))
		if err != nil {
			return fmt.Errorf("user %d: %w", i+1, err)
		}
		tokens[i] = auth.AccessToken
		ids[i] = auth.User.ID
		fmt.Printf("  [%d/%d] %s\n", i+1, users, auth.User.Username)
	}

	conversation, err := client.CreateConversation(tokens[0], ids[1:])
	if err != nil {
		return err
	}
	fmt.Printf("\nConversation created: %s\n\n", conversation.ID)

	clients := make([]*ChatClient, 0, users)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	fmt.Print("Connecting and joining... ")
	for i := range users {
		c, err := DialChat(fmt.Sprintf("player%d", i+1), client.WebSocketURL(tokens[i]))
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("connect player%d: %w", i+1, err)
		}
		clients = append(clients, c)

		if err := c.Join(conversation.ID); err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("join player%d: %w", i+1, err)
		}
		joined := c.WaitFor(timeout, func(c *ChatClient) bool {
			return c.joined[conversation.ID] || len(c.errors) > 0
		})
		if !joined {
			fmt.Println("FAILED")
			return fmt.Errorf("player%d: no JOINED within %s", i+1, timeout)
		}
	}
	fmt.Println("OK")

	start := time.Now()
	fmt.Printf("Sending %d messages per user... ", messages)
	for n := range messages {
		for i, c := range clients {
			body := fmt.Sprintf("message %d from player%d", n+1, i+1)
			if err := c.Send(conversation.ID, body, fmt.Sprintf("p%d-%d", i+1, n+1)); err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("send: %w", err)
			}
		}
	}
	fmt.Println("OK")

	total := users * messages
	for _, c := range clients {
		c.WaitFor(timeout, func(c *ChatClient) bool {
			return len(c.received) >= total || len(c.errors) > 0
		})
	}
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("=========================================")
	fmt.Println("  DELIVERY REPORT")
	fmt.Println("=========================================")
	fmt.Println()

	var reference []string
	consistent := true
	for _, c := range clients {
		received, acks, errs := c.Snapshot()
		fmt.Printf("  %-10s delivered %d/%d  acks %d/%d\n", c.name, len(received), total, acks, messages)
		for _, e := range errs {
			fmt.Printf("             error %s\n", e)
		}
		if reference == nil {
			reference = received
		} else if !slices.Equal(reference, received) {
			consistent = false
		}
	}

	fmt.Println()
	fmt.Printf("  Elapsed:          %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Same order seen:  %t\n", consistent)
	fmt.Println()

	log.Info("simulation finished",
		slog.String("conversation_id", conversation.ID),
		slog.Int("users", users),
		slog.Int("messages", total),
		slog.Duration("elapsed", elapsed),
		slog.Bool("consistent_order", consistent))

	if !consistent {
		return errors.New("participants observed different message orders")
	}
	return nil
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var identifier, password, conversationID string

	cmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Post a message into a conversation over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(opts.apiURL)
			auth, err := client.Login(identifier, password)
			if err != nil {
				return err
			}
			msg, err := client.PostMessage(auth.AccessToken, conversationID, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s at %s\n", msg.ID, msg.SentAt.Format(time.RFC3339Nano))
			return nil
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "", "username or email (required)")
	cmd.Flags().StringVar(&password, "password", "", "password (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	_ = cmd.MarkFlagRequired("identifier")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var identifier, password, conversationID, after string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a page of conversation history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := NewAPIClient(opts.apiURL)
			auth, err := client.Login(identifier, password)
			if err != nil {
				return err
			}
			messages, err := client.History(auth.AccessToken, conversationID, after, limit)
			if err != nil {
				return err
			}
			for _, m := range messages {
				fmt.Printf("%s  %s  %s  %s\n", m.SentAt.Format(time.RFC3339Nano), m.ID, m.SenderID, m.Body)
			}
			fmt.Printf("\n%d message(s)\n", len(messages))
			return nil
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "", "username or email (required)")
	cmd.Flags().StringVar(&password, "password", "", "password (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&after, "after", "", "only messages after this id")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	_ = cmd.MarkFlagRequired("identifier")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}
