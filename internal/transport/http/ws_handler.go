package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/config"
	"github.com/driftchat/driftchat-server/internal/identity"
	"github.com/driftchat/driftchat-server/internal/match"
	"github.com/driftchat/driftchat-server/internal/proto"
	"github.com/driftchat/driftchat-server/internal/session"
	"github.com/driftchat/driftchat-server/internal/store"
)

// WSHandler upgrades HTTP connections and speaks the rendezvous/chat
// protocol with one authenticated requester per connection.
type WSHandler struct {
	matcher    *match.Matcher
	channel    *session.Channel
	identities *identity.Service
	cfg        *config.Config
	log        *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(matcher *match.Matcher, channel *session.Channel, identities *identity.Service, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		matcher:    matcher,
		channel:    channel,
		identities: identities,
		cfg:        cfg,
		log:        logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	claims, err := sessionFromRequest(h.identities, r)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws auth failed")
		stdhttp.Error(w, "invalid session token", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		requesterID: claims.RequesterID,
		displayName: claims.DisplayName,
		out:         make(chan proto.Outbound, 16),
		limiter:     newRateLimiter(h.cfg.MessagesPerMinute),
	}
	client.limiter.startReset(ctx.Done())

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine and any in-flight search
	client.shutdown()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// wsClient tracks per-connection protocol state: at most one in-flight
// search and at most one watched room.
type wsClient struct {
	requesterID string
	displayName string
	out         chan proto.Outbound
	limiter     *rateLimiter

	mu           sync.Mutex
	cancelSearch context.CancelFunc
	feed         *session.Feed
	cancelFeed   context.CancelFunc
}

// send queues an outbound envelope, honoring connection shutdown.
func (c *wsClient) send(ctx context.Context, ev proto.Outbound) {
	select {
	case c.out <- ev:
	case <-ctx.Done():
	}
}

func (c *wsClient) sendError(ctx context.Context, code, msg string) {
	c.send(ctx, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}

// shutdown releases the search and feed, if any. Called once the
// connection is torn down; both paths are idempotent.
func (c *wsClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelSearch != nil {
		c.cancelSearch()
		c.cancelSearch = nil
	}
	c.stopFeedLocked()
}

func (c *wsClient) stopFeedLocked() {
	if c.feed != nil {
		c.feed.Close()
		c.feed = nil
	}
	if c.cancelFeed != nil {
		c.cancelFeed()
		c.cancelFeed = nil
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		switch inbound.Type {
		case proto.InboundTypeFind:
			h.handleFind(ctx, client, inbound.Data)
		case proto.InboundTypeCancel:
			h.handleCancel(ctx, client)
		case proto.InboundTypeMsg:
			h.handleMsg(ctx, client, inbound.Data)
		case proto.InboundTypeWatch:
			h.handleWatch(ctx, client, inbound.Data)
		case proto.InboundTypeUnwatch:
			client.mu.Lock()
			client.stopFeedLocked()
			client.mu.Unlock()
		default:
			client.sendError(ctx, "unknown_type", "unknown inbound type: "+inbound.Type)
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		select {
		case ev := <-client.out:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// findData optionally overrides the display identity generated at
// session issuance. The payload stays opaque to the matcher either way.
type findData struct {
	Name         string `json:"name"`
	Color        string `json:"color"`
	AvatarLetter string `json:"avatar_letter"`
}

func (h *WSHandler) handleFind(ctx context.Context, client *wsClient, raw json.RawMessage) {
	var data findData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			client.sendError(ctx, "bad_request", "malformed find data")
			return
		}
	}

	ident := store.Identity{
		Name:         data.Name,
		Color:        data.Color,
		AvatarLetter: data.AvatarLetter,
	}
	if ident.Name == "" {
		ident.Name = client.displayName
	}

	client.mu.Lock()
	if client.cancelSearch != nil {
		client.mu.Unlock()
		client.sendError(ctx, "search_in_progress", "a search is already running")
		return
	}
	searchCtx, cancel := context.WithCancel(ctx)
	client.cancelSearch = cancel
	client.mu.Unlock()

	notify := func(u match.Update) {
		switch u.Kind {
		case match.UpdateSearching:
			client.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventSearching,
			})
		case match.UpdateRetrying:
			client.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventRetrying,
				Data:  proto.RetryingData{Attempt: u.Attempt},
			})
		}
	}

	go func() {
		result, err := h.matcher.FindPartner(searchCtx, client.requesterID, ident, notify)

		client.mu.Lock()
		client.cancelSearch = nil
		client.mu.Unlock()

		switch {
		case result != nil:
			client.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventMatched,
				Data: proto.MatchedData{
					Room: result.RoomID,
					Partner: proto.Partner{
						Name:         result.PartnerIdentity.Name,
						Color:        result.PartnerIdentity.Color,
						AvatarLetter: result.PartnerIdentity.AvatarLetter,
					},
				},
			})
		case errors.Is(err, context.Canceled):
			client.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventCancelled,
			})
		case errors.Is(err, match.ErrRetriesExhausted):
			client.sendError(ctx, "match_failed", "search failed, please retry")
		case errors.Is(err, match.ErrSearchInProgress):
			client.sendError(ctx, "search_in_progress", "a search is already running")
		default:
			h.log.Error().Err(err).Str("requester_id", client.requesterID).Msg("search failed")
			client.sendError(ctx, "internal", "search failed")
		}
	}()
}

func (h *WSHandler) handleCancel(ctx context.Context, client *wsClient) {
	client.mu.Lock()
	cancel := client.cancelSearch
	client.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	client.sendError(ctx, "no_search", "no search to cancel")
}

func (h *WSHandler) handleMsg(ctx context.Context, client *wsClient, raw json.RawMessage) {
	var data proto.MsgData
	if err := json.Unmarshal(raw, &data); err != nil || data.Room == "" {
		client.sendError(ctx, "bad_request", "malformed msg data")
		return
	}

	if !client.limiter.allow() {
		client.sendError(ctx, "rate_limited", "too many messages, slow down")
		return
	}

	msg, err := h.channel.Send(ctx, data.Room, client.requesterID, client.displayName, data.Text)
	if err != nil {
		if errors.Is(err, session.ErrEmptyMessage) {
			client.sendError(ctx, "empty_message", "message text is empty")
			return
		}
		h.log.Warn().Err(err).Str("room_id", data.Room).Msg("send failed")
		client.sendError(ctx, "send_failed", "message could not be delivered")
		return
	}

	client.send(ctx, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventSent,
		Data:  proto.SentData{ID: msg.ID, TS: msg.ServerTime.UnixMilli()},
	})
}

func (h *WSHandler) handleWatch(ctx context.Context, client *wsClient, raw json.RawMessage) {
	var data proto.WatchData
	if err := json.Unmarshal(raw, &data); err != nil || data.Room == "" {
		client.sendError(ctx, "bad_request", "malformed watch data")
		return
	}

	feedCtx, cancel := context.WithCancel(ctx)
	feed, err := h.channel.Subscribe(feedCtx, data.Room)
	if err != nil {
		cancel()
		h.log.Warn().Err(err).Str("room_id", data.Room).Msg("subscribe failed")
		client.sendError(ctx, "watch_failed", "could not subscribe to room")
		return
	}

	client.mu.Lock()
	client.stopFeedLocked()
	client.feed = feed
	client.cancelFeed = cancel
	client.mu.Unlock()

	go func() {
		for msgs := range feed.Updates() {
			wire := make([]proto.WireMessage, 0, len(msgs))
			for _, m := range msgs {
				wire = append(wire, proto.WireMessage{
					ID:         m.ID,
					Room:       m.RoomID,
					SenderID:   m.SenderID,
					SenderName: m.SenderName,
					Text:       m.Text,
					TS:         m.ServerTime.UnixMilli(),
				})
			}
			client.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventMessages,
				Data:  proto.MessagesData{Room: data.Room, Messages: wire},
			})
		}
	}()
}
