// Command relay-cli is a terminal client for the relay's WebSocket namespaces.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/protocol"
)

func main() {
	var addr, origin string

	root := &cobra.Command{
		Use:          "relay-cli",
		Short:        "Talk to a relay over WebSocket",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "ws://localhost:3000/ws", "relay WebSocket base address")
	root.PersistentFlags().StringVar(&origin, "origin", "", "Origin header to send")

	root.AddCommand(chatCommand(&addr, &origin), watchCommand(&addr, &origin))

	if err := root.Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func chatCommand(addr, origin *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			client, err := Dial(*addr, protocol.NamespaceConversation, *origin)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Send(protocol.EventInitSession, protocol.InitSessionData{SessionID: sessionID}); err != nil {
				return err
			}

			cyan := color.New(color.FgCyan)
			cyan.Printf("Session %s\n", sessionID)
			fmt.Println("Type a message and press Enter. /file <name> <type> <url> sends a file notice, /quit exits.")

			readErr := make(chan error, 1)
			go func() { readErr <- client.ReadLoop(renderConversation) }()

			lines := make(chan string)
			go scanLines(lines)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			for {
				select {
				case <-interrupt:
					return nil
				case err := <-readErr:
					return err
				case line, ok := <-lines:
					if !ok || line == "/quit" {
						return nil
					}
					if err := sendLine(client, sessionID, line); err != nil {
						color.Red("send failed: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (random when empty)")
	return cmd
}

func sendLine(client *Client, sessionID, line string) error {
	if strings.HasPrefix(line, "/file ") {
		fields := strings.Fields(strings.TrimPrefix(line, "/file "))
		if len(fields) != 3 {
			return fmt.Errorf("usage: /file <name> <type> <url>")
		}
		return client.Send(protocol.EventSendFile, protocol.SendFileData{
			SessionID: sessionID,
			Content:   domain.FileAttachment{Name: fields[0], Type: fields[1], URL: fields[2]},
		})
	}
	return client.Send(protocol.EventSendMessage, protocol.SendMessageData{SessionID: sessionID, Content: line})
}

func scanLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
}

func watchCommand(addr, origin *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print document updates pushed to viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*addr, protocol.NamespaceViewer, *origin)
			if err != nil {
				return err
			}
			defer client.Close()

			color.New(color.FgCyan).Println("Watching document updates, Ctrl+C to stop.")

			readErr := make(chan error, 1)
			go func() { readErr <- client.ReadLoop(renderViewer) }()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			select {
			case <-interrupt:
				return nil
			case err := <-readErr:
				return err
			}
		},
	}
}
