// Command ws_chat is an interactive terminal client: it mints an
// anonymous session, searches for a partner and chats in the matched
// room. Useful for smoke-testing a running server from two terminals.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/driftchat/driftchat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

type sessionResponse struct {
	RequesterID string `json:"requester_id"`
	Token       string `json:"token"`
	Name        string `json:"name"`
}

func run() error {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	sess, err := createSession(ctx, *addr)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("You are %s\n", sess.Name)

	wsURL := strings.Replace(*addr, "http", "ws", 1) + "/ws?token=" + sess.Token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeFind}); err != nil {
		return fmt.Errorf("send find: %w", err)
	}

	room := make(chan string, 1)
	go func() {
		defer cancel()
		readLoop(ctx, conn, sess.RequesterID, room)
	}()

	writeLoop(ctx, conn, room)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func createSession(ctx context.Context, addr string) (*sessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var sess sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// outbound mirrors proto.Outbound with the data payload left raw so
// each event decodes into its own type.
type outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func readLoop(ctx context.Context, conn *websocket.Conn, requesterID string, room chan<- string) {
	printed := 0
	for {
		var ev outbound
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		if ev.Type == proto.OutboundTypeError {
			fmt.Printf("error: %s (%s)\n", ev.Error.Msg, ev.Error.Code)
			continue
		}

		switch ev.Event {
		case proto.EventSearching:
			fmt.Println("Searching for a partner...")
		case proto.EventRetrying:
			var data proto.RetryingData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				log.Printf("unmarshal retrying: %v", err)
				continue
			}
			fmt.Printf("Still searching (attempt %d)...\n", data.Attempt)
		case proto.EventMatched:
			var data proto.MatchedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				log.Printf("unmarshal matched: %v", err)
				continue
			}
			fmt.Printf("Matched with %s. Type messages and press Enter. Ctrl+C to exit.\n", data.Partner.Name)
			payload, _ := json.Marshal(proto.WatchData{Room: data.Room})
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeWatch, Data: payload}); err != nil {
				log.Printf("send watch: %v", err)
				return
			}
			room <- data.Room
		case proto.EventCancelled:
			fmt.Println("Search cancelled.")
			return
		case proto.EventMessages:
			var data proto.MessagesData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				log.Printf("unmarshal messages: %v", err)
				continue
			}
			// Each emission is the full room history; print the tail.
			for ; printed < len(data.Messages); printed++ {
				m := data.Messages[printed]
				if m.SenderID == requesterID {
					continue
				}
				fmt.Printf("%s: %s\n", m.SenderName, m.Text)
			}
		case proto.EventSent:
			// Own messages are already echoed by the terminal.
		default:
			fmt.Printf("event=%s data=%s\n", ev.Event, ev.Data)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, room <-chan string) {
	var roomID string
	select {
	case <-ctx.Done():
		return
	case roomID = <-room:
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			payload, err := json.Marshal(proto.MsgData{Room: roomID, Text: text})
			if err != nil {
				log.Printf("marshal msg: %v", err)
				return
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeMsg, Data: payload}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
