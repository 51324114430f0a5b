package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/pkg/protocol"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent over the local gateway",
		Long: "Connects to the running serve process and opens an interactive chat.\n" +
			"With a message argument it sends one message, prints the reply, and exits.\n" +
			"Lines starting with / are owner commands (/status, /bg on, /review, ...).",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(strings.TrimSpace(strings.Join(args, " ")))
		},
	}
}

func runChat(oneShot string) error {
	port := readPortFile(appPaths())
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s (is `ouroboros serve` running?): %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	// The gateway broadcasts assistant replies and owner notifications
	// as chat frames; log frames are skipped.
	replies := make(chan string, 8)
	go func() {
		defer close(replies)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f protocol.ChatFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.Type == protocol.FrameChat && f.Content != "" {
				replies <- f.Content
			}
		}
	}()

	send := func(frame protocol.ClientFrame) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	if oneShot != "" {
		if err := send(clientFrame(oneShot)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		select {
		case resp, ok := <-replies:
			if !ok {
				return errors.New("connection closed")
			}
			fmt.Printf("%s\n", resp)
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	go func() {
		for resp := range replies {
			fmt.Printf("\n%s\n", resp)
			fmt.Fprint(os.Stderr, "\nYou: ")
		}
	}()

	fmt.Fprintln(os.Stderr, "Connected. Type a message, /command, or exit.")
	fmt.Fprint(os.Stderr, "You: ")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			fmt.Fprint(os.Stderr, "You: ")
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		}
		if err := send(clientFrame(line)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return sc.Err()
}

// clientFrame maps a typed line onto the wire: /-prefixed lines are
// owner commands, everything else is chat.
func clientFrame(line string) protocol.ClientFrame {
	if strings.HasPrefix(line, "/") {
		return protocol.ClientFrame{Type: protocol.FrameCommand, Cmd: line}
	}
	return protocol.ClientFrame{Type: protocol.FrameChat, Content: line}
}
