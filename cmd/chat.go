package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clawlite/clawlite/internal/config"
	"github.com/clawlite/clawlite/internal/sessions"
	"github.com/clawlite/clawlite/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		session string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with a running gateway (interactive REPL or one-shot)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) > 0 {
				message = args[0]
			}
			runChat(addr, session, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVar(&session, "session", "", "session id to continue (default: new)")
	return cmd
}

func runChat(addr, session, message string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if session == "" {
		session = sessions.BuildWSID(uuid.NewString()[:8])
	}

	ctx := context.Background()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s/v1/ws", addr), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to gateway at %s: %v\n", addr, err)
		fmt.Fprintln(os.Stderr, "Is the gateway running? Start it with: clawlite gateway")
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 << 20)

	if message != "" {
		if err := chatOnce(ctx, conn, session, message); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "ClawLite chat (session: %s)\n", session)
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new session, \"/stop\" to cancel a run")
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if input == "/new" {
			session = sessions.BuildWSID(uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", session)
			continue
		}

		if err := chatOnce(ctx, conn, session, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Println()
	}
}

// chatOnce sends one chat frame and prints chunks until chat_done.
func chatOnce(ctx context.Context, conn *websocket.Conn, session, text string) error {
	if err := wsjson.Write(ctx, conn, protocol.ClientFrame{
		Type:      protocol.FrameChat,
		SessionID: session,
		Text:      text,
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	streamed := false
	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch frame.Type {
		case protocol.FrameChatChunk:
			fmt.Print(frame.Text)
			streamed = true
		case protocol.FrameChatDone:
			if !streamed {
				fmt.Print(frame.Text)
			}
			fmt.Println()
			if verbose && frame.Meta != nil {
				fmt.Fprintf(os.Stderr, "[%s via %s, %d turns, %d tokens]\n",
					frame.Meta.Model, frame.Meta.Mode, frame.Meta.Turns, frame.Meta.Tokens.TotalTokens)
			}
			return nil
		case protocol.FrameError:
			return fmt.Errorf("%s", frame.Error)
		}
	}
}
