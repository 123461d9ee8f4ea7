// Package main provides a command-line chat client: it joins one conversation,
// sends each line read from stdin and prints the events it receives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/client"
)

func run() error {
	var (
		serverAddr   = flag.String("addr", "localhost:8080", "server address (hostname:port)")
		token        = flag.String("token", "", "session token (default: PARLOR_SESSION_TOKEN)")
		cookieName   = flag.String("cookie-name", "", "session cookie name (default depends on -insecure)")
		conversation = flag.String("conversation", "", "conversation to join; stdin lines are sent to it")
		insecure     = flag.Bool("insecure", false, "Use insecure WebSocket (ws:// instead of wss://)")
		verbose      = flag.Bool("verbose", false, "Show full event details")
		noReconnect  = flag.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries   = flag.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON   = flag.Bool("json", false, "Output events as JSON")
	)
	flag.Parse()

	sessionToken := *token
	if sessionToken == "" {
		sessionToken = os.Getenv("PARLOR_SESSION_TOKEN")
	}
	if sessionToken == "" {
		return errors.New("a session token is required: use -token or PARLOR_SESSION_TOKEN")
	}

	scheme := "wss"
	if *insecure {
		scheme = "ws"
		log.Println("WARNING: Using insecure WebSocket connection (ws://)")
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, *serverAddr)

	var rooms []string
	if *conversation != "" {
		rooms = []string{*conversation}
	}

	connected := make(chan struct{}, 1)
	config := client.Config{
		ServerURL:     url,
		UserAgent:     "parlor-cli/" + client.Version,
		Token:         sessionToken,
		CookieName:    *cookieName,
		Conversations: rooms,
		Verbose:       *verbose,
		NoReconnect:   *noReconnect,
		MaxRetries:    *maxRetries,
		OnConnect: func(userID string) {
			log.Printf("Connected as %s", userID)
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnEvent: func(e client.Event) {
			if *outputJSON {
				b, err := json.Marshal(map[string]any{"event": e.Name, "data": e.Data})
				if err != nil {
					log.Printf("Failed to marshal event to JSON: %v", err)
					return
				}
				fmt.Println(string(b))
				return
			}
			printEvent(e)
		},
	}

	c, err := client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	if *conversation != "" {
		go sendLines(ctx, c, *conversation, connected)
	}

	select {
	case err := <-errCh:
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down gracefully...", sig)
		c.Stop()
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
		}
		return nil
	}
}

// sendLines posts each stdin line to the conversation once connected.
func sendLines(ctx context.Context, c *client.Client, conversationID string, connected <-chan struct{}) {
	select {
	case <-connected:
	case <-ctx.Done():
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.Typing(ctx, conversationID); err != nil {
			log.Printf("typing: %v", err)
		}
		if _, err := c.Send(ctx, client.SendRequest{ConversationID: conversationID, Content: &line}); err != nil {
			log.Printf("send failed: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
}

func printEvent(e client.Event) {
	switch e.Name {
	case client.EventMessageNew:
		var m client.Message
		if err := e.Decode(&m); err != nil {
			break
		}
		body := ""
		if m.Content != nil {
			body = *m.Content
		}
		if m.FileName != nil {
			body = strings.TrimSpace(body + " [file " + *m.FileName + "]")
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender.Name, body)
		return
	case client.EventTyping:
		var t struct {
			UserName string `json:"userName"`
		}
		if e.Decode(&t) == nil {
			fmt.Printf("%s is typing...\n", t.UserName)
			return
		}
	case client.EventUserStatus:
		var s struct {
			UserID   string `json:"userId"`
			IsOnline bool   `json:"isOnline"`
		}
		if e.Decode(&s) == nil {
			state := "offline"
			if s.IsOnline {
				state = "online"
			}
			fmt.Printf("%s is %s\n", s.UserID, state)
			return
		}
	}
	fmt.Printf("%s %s\n", e.Name, e.Data)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
