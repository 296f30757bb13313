package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/driftchat/driftchat-server/internal/config"
	"github.com/driftchat/driftchat-server/internal/identity"
	applog "github.com/driftchat/driftchat-server/internal/log"
	"github.com/driftchat/driftchat-server/internal/match"
	"github.com/driftchat/driftchat-server/internal/proto"
	"github.com/driftchat/driftchat-server/internal/session"
	"github.com/driftchat/driftchat-server/internal/store"
	sqlitestore "github.com/driftchat/driftchat-server/internal/store/sqlite"
)

type testServer struct {
	url   string
	store store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlitestore.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.MatchRetryBackoff = 10 * time.Millisecond
	cfg.MatchMaxAttempts = 3

	logger := applog.Nop()
	identities := identity.NewService(&identity.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.SessionTTL,
	})
	matcher := match.New(st, logger, match.Config{
		RetryBackoff: cfg.MatchRetryBackoff,
		MaxAttempts:  cfg.MatchMaxAttempts,
	})
	channel := session.New(st, logger)

	srv := NewServer(matcher, channel, identities, &cfg, logger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, store: st}
}

func (s *testServer) createSession(t *testing.T) SessionResponse {
	t.Helper()
	resp, err := http.Post(s.url+"/api/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var sess SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

func (s *testServer) dial(t *testing.T, ctx context.Context, token string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(s.url, "http://", "ws://", 1) + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// outbound mirrors proto.Outbound with a raw data payload so tests can
// decode per-event types.
type outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func readOutbound(t *testing.T, ctx context.Context, conn *websocket.Conn) outbound {
	t.Helper()
	var ev outbound
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return ev
}

func expectEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, event string) outbound {
	t.Helper()
	ev := readOutbound(t, ctx, conn)
	if ev.Type != proto.OutboundTypeEvent || ev.Event != event {
		t.Fatalf("expected event %q, got type=%q event=%q error=%+v", event, ev.Type, ev.Event, ev.Error)
	}
	return ev
}

func sendInbound(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal inbound data: %v", err)
		}
		raw = b
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: raw}); err != nil {
		t.Fatalf("write inbound: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateSessionIssuesToken(t *testing.T) {
	ts := newTestServer(t)

	sess := ts.createSession(t)
	if sess.RequesterID == "" || sess.Token == "" {
		t.Fatalf("incomplete session: %+v", sess)
	}
	if sess.Name == "" || sess.AvatarLetter == "" {
		t.Errorf("session is missing a display identity: %+v", sess)
	}

	other := ts.createSession(t)
	if other.RequesterID == sess.RequesterID {
		t.Error("each session must mint a fresh requester id")
	}
}

func TestWSRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/ws")
	if err != nil {
		t.Fatalf("ws request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/ws?token=not-a-token")
	if err != nil {
		t.Fatalf("ws request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRendezvousAndChatOverWS(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	guest := ts.createSession(t)
	host := ts.createSession(t)

	guestConn := ts.dial(t, ctx, guest.Token)
	hostConn := ts.dial(t, ctx, host.Token)

	// The guest searches first and parks a ticket in the waiting pool.
	sendInbound(t, ctx, guestConn, proto.InboundTypeFind, nil)
	expectEvent(t, ctx, guestConn, proto.EventSearching)
	waitForTicket(t, ctx, ts.store, guest.RequesterID)

	// The second searcher finds the ticket and becomes the host.
	sendInbound(t, ctx, hostConn, proto.InboundTypeFind, nil)
	expectEvent(t, ctx, hostConn, proto.EventSearching)

	var hostMatch, guestMatch proto.MatchedData
	decodeData(t, expectEvent(t, ctx, hostConn, proto.EventMatched).Data, &hostMatch)
	decodeData(t, expectEvent(t, ctx, guestConn, proto.EventMatched).Data, &guestMatch)

	if hostMatch.Room == "" || hostMatch.Room != guestMatch.Room {
		t.Fatalf("both sides must agree on the room, host=%q guest=%q", hostMatch.Room, guestMatch.Room)
	}

	// The host speaks; the guest watches the room and sees the message.
	sendInbound(t, ctx, hostConn, proto.InboundTypeMsg, proto.MsgData{Room: hostMatch.Room, Text: "hello"})
	var ack proto.SentData
	decodeData(t, expectEvent(t, ctx, hostConn, proto.EventSent).Data, &ack)
	if ack.ID == "" || ack.TS == 0 {
		t.Fatalf("ack must carry the committed id and server timestamp: %+v", ack)
	}

	sendInbound(t, ctx, guestConn, proto.InboundTypeWatch, proto.WatchData{Room: guestMatch.Room})
	var feed proto.MessagesData
	decodeData(t, expectEvent(t, ctx, guestConn, proto.EventMessages).Data, &feed)
	if len(feed.Messages) != 1 || feed.Messages[0].Text != "hello" {
		t.Fatalf("unexpected message feed: %+v", feed)
	}
	if feed.Messages[0].SenderID != host.RequesterID {
		t.Errorf("message attributed to %q, want %q", feed.Messages[0].SenderID, host.RequesterID)
	}
}

func TestCancelSearchOverWS(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := ts.createSession(t)
	conn := ts.dial(t, ctx, sess.Token)

	sendInbound(t, ctx, conn, proto.InboundTypeFind, nil)
	expectEvent(t, ctx, conn, proto.EventSearching)
	waitForTicket(t, ctx, ts.store, sess.RequesterID)

	sendInbound(t, ctx, conn, proto.InboundTypeCancel, nil)
	expectEvent(t, ctx, conn, proto.EventCancelled)

	// The cancelled search must not leave a ticket behind.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tickets, err := ts.store.ListWaitingTickets(ctx)
		if err != nil {
			t.Fatalf("list tickets: %v", err)
		}
		if len(tickets) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticket still waiting after cancel: %+v", tickets[0])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmptyMessageRejectedOverWS(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := ts.createSession(t)
	conn := ts.dial(t, ctx, sess.Token)

	sendInbound(t, ctx, conn, proto.InboundTypeMsg, proto.MsgData{Room: "room_a__b", Text: "   "})
	ev := readOutbound(t, ctx, conn)
	if ev.Type != proto.OutboundTypeError || ev.Error == nil || ev.Error.Code != "empty_message" {
		t.Fatalf("expected empty_message error, got %+v", ev)
	}
}

func decodeData(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
}

func waitForTicket(t *testing.T, ctx context.Context, st store.Store, requesterID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tickets, err := st.ListWaitingTickets(ctx)
		if err != nil {
			t.Fatalf("list tickets: %v", err)
		}
		for _, ticket := range tickets {
			if ticket.RequesterID == requesterID {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no waiting ticket for %s", requesterID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
