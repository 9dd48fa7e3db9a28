package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/protocol"
)

// Client is a WebSocket client for one relay namespace.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the namespace endpoint under addr.
func Dial(addr, namespace, origin string) (*Client, error) {
	url := strings.TrimRight(addr, "/") + "/" + namespace
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &Client{conn: conn}, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// Send writes one envelope.
func (c *Client) Send(event string, data any) error {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadLoop prints every envelope until the connection closes.
func (c *Client) ReadLoop(render func(protocol.Envelope)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			color.Red("unreadable message: %v\n", err)
			continue
		}
		render(env)
	}
}

var (
	agentColor  = color.New(color.FgGreen, color.Bold)
	infoColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
	viewerColor = color.New(color.FgCyan)
	dimColor    = color.New(color.Faint)
)

func renderConversation(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventConversationMessage:
		var entry domain.ConversationEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			errorColor.Printf("bad entry: %v\n", err)
			return
		}
		name := entry.ActorName
		if name == "" {
			name = string(entry.ActorType)
		}
		var text string
		if err := json.Unmarshal(entry.Content, &text); err == nil {
			agentColor.Printf("%s: ", name)
			fmt.Println(text)
			return
		}
		agentColor.Printf("%s ", name)
		dimColor.Printf("[%s] %s\n", entry.MessageType, string(entry.Content))

	case protocol.EventInternal:
		var in domain.Internal
		if err := json.Unmarshal(env.Data, &in); err != nil {
			errorColor.Printf("bad notification: %v\n", err)
			return
		}
		if in.Type == domain.InternalTypeError {
			errorColor.Printf("! %v\n", in.Data["content"])
			return
		}
		infoColor.Printf("* %s\n", formatData(in.Data))

	default:
		dimColor.Printf("[%s] %s\n", env.Event, string(env.Data))
	}
}

func renderViewer(env protocol.Envelope) {
	if env.Event != protocol.EventContentUpdate {
		dimColor.Printf("[%s] %s\n", env.Event, string(env.Data))
		return
	}
	var update domain.ContentUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		errorColor.Printf("bad content update: %v\n", err)
		return
	}
	viewerColor.Printf("%s", update.FileURL)
	if update.SessionID != "" {
		dimColor.Printf(" (session %s)", update.SessionID)
	}
	fmt.Println()
	if update.Chunk != "" {
		fmt.Printf("  %s\n", update.Chunk)
	}
}

func formatData(data map[string]any) string {
	parts := make([]string, 0, len(data))
	for k, v := range data {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}
