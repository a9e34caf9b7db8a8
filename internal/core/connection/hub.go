package connection

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/JosueRhea/sockudo/internal/core/adapter"
	"github.com/JosueRhea/sockudo/internal/core/apps"
	"github.com/JosueRhea/sockudo/internal/core/auth"
	"github.com/JosueRhea/sockudo/internal/core/channels"
	"github.com/JosueRhea/sockudo/internal/core/limiter"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
	"github.com/JosueRhea/sockudo/internal/core/webhooks"
)

// Config tunes the per-connection state machine.
type Config struct {
	ActivityTimeout      time.Duration
	PongGrace            time.Duration
	OutboundQueueSize    int
	WriteTimeout         time.Duration
	SubscriptionCountAll bool
}

func (c *Config) defaults() {
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = 120 * time.Second
	}
	if c.PongGrace == 0 {
		c.PongGrace = 30 * time.Second
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = defaultOutboundQueue
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Hub owns every socket of this node: the directory, the dispatch of
// pusher:* frames, and the webhook intents their transitions produce.
// It is the adapter's local Node.
type Hub struct {
	lg       log.Log
	cfg      Config
	registry *channels.Registry
	dispatch *webhooks.Dispatcher
	fanout   adapter.Adapter

	sockets    *xsync.Map[string, *Socket]
	appSockets *xsync.Map[string, *xsync.Map[string, *Socket]]

	// clientEventLimiters holds one bucket family per app, sized by the
	// app's max_client_events_per_second, keyed inside by socket id.
	clientEventLimiters *xsync.Map[string, limiter.RateLimiter]
	newLimiter          func(limiter.Config) limiter.RateLimiter
}

var _ adapter.Node = (*Hub)(nil)

func NewHub(registry *channels.Registry, dispatch *webhooks.Dispatcher, newLimiter func(limiter.Config) limiter.RateLimiter, cfg Config, lg log.Log) *Hub {
	cfg.defaults()
	if newLimiter == nil {
		newLimiter = func(c limiter.Config) limiter.RateLimiter { return limiter.NewMemoryLimiter(c) }
	}
	return &Hub{
		lg:                  lg,
		cfg:                 cfg,
		registry:            registry,
		dispatch:            dispatch,
		sockets:             xsync.NewMap[string, *Socket](),
		appSockets:          xsync.NewMap[string, *xsync.Map[string, *Socket]](),
		clientEventLimiters: xsync.NewMap[string, limiter.RateLimiter](),
		newLimiter:          newLimiter,
	}
}

// SetAdapter wires the fan-out layer. Called once before Serve; the
// adapter needs the hub as its Node, hence the late bind.
func (h *Hub) SetAdapter(a adapter.Adapter) {
	h.fanout = a
}

// Serve runs the connection from handshake to close. It blocks until
// the socket is gone; the gateway calls it once per upgrade.
func (h *Hub) Serve(ctx context.Context, app *apps.Application, conn *websocket.Conn, remoteAddr string) {
	if app.MaxConnections > 0 && h.SocketsCount(app.ID) >= app.MaxConnections {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseConnectionQuota, "connection quota reached"), deadline)
		_ = conn.Close()
		return
	}

	s := NewSocket(app.ID, conn, remoteAddr, h.cfg.OutboundQueueSize, h.cfg.WriteTimeout, h.lg)
	h.register(s)
	defer h.cleanup(ctx, app, s)

	go s.WritePump()

	established, err := protocol.NewConnectionEstablished(s.ID, h.cfg.ActivityTimeout)
	if err != nil {
		h.lg.Error("encode connection_established", log.Error(err))
		s.Close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	s.SendMessage(established)

	s.StartActivityTimer(h.cfg.ActivityTimeout, func() { h.probe(s) })

	h.lg.Debug("socket established",
		log.String("socket", s.ID), log.String("app", app.ID), log.String("remote", remoteAddr))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.Close(protocol.CloseServerShutdown, "frame too large")
			}
			return
		}
		s.Touch()
		msg, err := protocol.Unmarshal(raw)
		if err != nil {
			s.SendMessage(protocol.NewProtocolError(0, "malformed frame"))
			continue
		}
		h.handleFrame(ctx, app, s, msg)
	}
}

// probe fires when the inactivity window elapses: ping the peer and
// give it a grace window to show life before closing with 4201.
func (h *Hub) probe(s *Socket) {
	s.SendMessage(&protocol.Message{Event: protocol.EventPing})
	s.ArmPongDeadline(h.cfg.PongGrace, func() {
		h.lg.Debug("activity timeout", log.String("socket", s.ID))
		s.Close(protocol.CloseActivityTimeout, "activity timeout")
	})
}

func (h *Hub) handleFrame(ctx context.Context, app *apps.Application, s *Socket, msg *protocol.Message) {
	switch {
	case msg.Event == protocol.EventPing:
		s.SendMessage(&protocol.Message{Event: protocol.EventPong})
	case msg.Event == protocol.EventPong:
		// Touch already cleared the pending probe.
	case msg.Event == protocol.EventSubscribe:
		h.handleSubscribe(ctx, app, s, msg)
	case msg.Event == protocol.EventUnsubscribe:
		h.handleUnsubscribe(ctx, app, s, msg)
	case msg.Event == protocol.EventSignIn:
		h.handleSignIn(app, s, msg)
	case msg.IsClientEvent():
		h.handleClientEvent(ctx, app, s, msg)
	default:
		s.SendMessage(protocol.NewProtocolError(0, "unknown event "+msg.Event))
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, app *apps.Application, s *Socket, msg *protocol.Message) {
	var p protocol.SubscribePayload
	if err := protocol.DecodePayload(msg.Data, &p); err != nil {
		s.SendMessage(protocol.NewProtocolError(0, "malformed subscribe payload"))
		return
	}

	ctype := channels.TypeOf(p.Channel)
	if ctype.RequiresAuth() {
		if err := auth.VerifyChannelToken(p.Auth, app.Key, app.Secret, s.ID, p.Channel, p.ChannelData); err != nil {
			s.SendMessage(protocol.NewSubscriptionError(p.Channel,
				protocol.StatusUnauthorized, protocol.CloseAuthFailure, "invalid signature"))
			return
		}
	}

	if s.SubscriptionCount() >= app.MaxSubscriptionsPerConnection {
		s.Close(protocol.CloseOverSubscribed, "subscription limit reached")
		return
	}

	var member *protocol.UserData
	if ctype == channels.Presence {
		var ud protocol.UserData
		if err := json.Unmarshal([]byte(p.ChannelData), &ud); err != nil || ud.UserID == "" {
			s.SendMessage(protocol.NewSubscriptionError(p.Channel,
				protocol.StatusBadRequest, 0, "malformed channel_data"))
			return
		}
		member = &ud
	}

	res, err := h.registry.Add(app.ID, p.Channel, s.ID, member, channels.AddOptions{
		MaxNameLength:      app.MaxChannelNameLength,
		MaxPresenceMembers: app.MaxPresenceMembersPerChannel,
	})
	if err != nil {
		status := protocol.StatusBadRequest
		if protocol.KindOf(err) == protocol.KindQuota {
			status = protocol.StatusForbidden
		}
		s.SendMessage(protocol.NewSubscriptionError(p.Channel, status, protocol.CodeOf(err), err.Error()))
		return
	}
	s.AddSubscription(p.Channel, member)

	if res.FirstLocal {
		h.fanout.SubscriptionChanged(app.ID, p.Channel, true, false)
	}

	globalCount := -1
	if res.FirstLocal {
		count, cerr := h.fanout.SubscribersCount(ctx, app.ID, p.Channel)
		if cerr != nil {
			h.lg.Warn("subscribers_count failed", log.String("channel", p.Channel), log.Error(cerr))
		} else {
			globalCount = count
			// This node caused the occupancy transition only if no other
			// node holds the channel.
			if count == h.registry.SubscribersCount(app.ID, p.Channel) {
				h.dispatch.Dispatch(ctx, app, webhooks.Event{
					Name:    webhooks.EventChannelOccupied,
					Channel: p.Channel,
				})
				h.emitSubscriptionCount(ctx, app, p.Channel, count)
			}
		}
	}
	if h.cfg.SubscriptionCountAll {
		if globalCount < 0 {
			if count, cerr := h.fanout.SubscribersCount(ctx, app.ID, p.Channel); cerr == nil {
				globalCount = count
			}
		}
		if globalCount >= 0 {
			h.emitSubscriptionCountAlways(ctx, app, p.Channel, globalCount)
		}
	}

	if member != nil && res.NewPresenceUser {
		if added, merr := protocol.NewMemberAdded(p.Channel, *member); merr == nil {
			if raw, rerr := added.Marshal(); rerr == nil {
				_ = h.fanout.Broadcast(ctx, app.ID, p.Channel, raw, s.ID)
			}
		}
		h.dispatch.Dispatch(ctx, app, webhooks.Event{
			Name:    webhooks.EventMemberAdded,
			Channel: p.Channel,
			UserID:  member.UserID,
		})
	}

	// Cache channels replay the stored event before the ack.
	isCache := channels.IsCacheChannel(p.Channel)
	var cached *channels.CachedEvent
	if isCache {
		if cached = h.registry.GetCache(app.ID, p.Channel); cached != nil {
			s.SendMessage(&protocol.Message{Event: cached.Event, Channel: p.Channel, Data: cached.Data})
		}
	}

	var ack *protocol.Message
	var ackErr error
	if ctype == channels.Presence {
		members, merr := h.fanout.PresenceMembers(ctx, app.ID, p.Channel)
		if merr != nil {
			h.lg.Warn("presence merge failed, using local roster",
				log.String("channel", p.Channel), log.Error(merr))
			members = h.registry.PresenceRoster(app.ID, p.Channel)
		}
		ack, ackErr = protocol.NewSubscriptionSucceeded(p.Channel, protocol.NewPresenceHash(members))
	} else {
		ack, ackErr = protocol.NewSubscriptionSucceeded(p.Channel, nil)
	}
	if ackErr != nil {
		h.lg.Error("encode subscription ack", log.Error(ackErr))
		return
	}
	s.SendMessage(ack)

	if isCache && cached == nil {
		s.SendMessage(&protocol.Message{Event: protocol.EventCacheMiss, Channel: p.Channel})
		h.dispatch.Dispatch(ctx, app, webhooks.Event{
			Name:    webhooks.EventCacheMiss,
			Channel: p.Channel,
		})
	}
}

func (h *Hub) handleUnsubscribe(ctx context.Context, app *apps.Application, s *Socket, msg *protocol.Message) {
	var p protocol.UnsubscribePayload
	if err := protocol.DecodePayload(msg.Data, &p); err != nil {
		s.SendMessage(protocol.NewProtocolError(0, "malformed unsubscribe payload"))
		return
	}
	res := h.registry.Remove(app.ID, p.Channel, s.ID)
	if !res.WasSubscribed {
		return
	}
	s.RemoveSubscription(p.Channel)
	h.afterRemoval(ctx, app, p.Channel, res)
}

// afterRemoval turns one channel departure into fabric topic changes,
// presence announcements, and webhook intents.
func (h *Hub) afterRemoval(ctx context.Context, app *apps.Application, channel string, res channels.RemoveResult) {
	if res.LeftPresence != nil {
		if removed, err := protocol.NewMemberRemoved(channel, res.LeftPresence.UserID); err == nil {
			if raw, rerr := removed.Marshal(); rerr == nil {
				_ = h.fanout.Broadcast(ctx, app.ID, channel, raw, "")
			}
		}
		h.dispatch.Dispatch(ctx, app, webhooks.Event{
			Name:    webhooks.EventMemberRemoved,
			Channel: channel,
			UserID:  res.LeftPresence.UserID,
		})
	}

	if res.LastLocal {
		h.fanout.SubscriptionChanged(app.ID, channel, false, true)
		count, err := h.fanout.SubscribersCount(ctx, app.ID, channel)
		if err != nil {
			h.lg.Warn("subscribers_count failed", log.String("channel", channel), log.Error(err))
			return
		}
		if count == 0 {
			h.dispatch.Dispatch(ctx, app, webhooks.Event{
				Name:    webhooks.EventChannelVacated,
				Channel: channel,
			})
			h.emitSubscriptionCount(ctx, app, channel, 0)
		}
		if h.cfg.SubscriptionCountAll {
			h.emitSubscriptionCountAlways(ctx, app, channel, count)
		}
	} else if h.cfg.SubscriptionCountAll {
		if count, err := h.fanout.SubscribersCount(ctx, app.ID, channel); err == nil {
			h.emitSubscriptionCountAlways(ctx, app, channel, count)
		}
	}
}

// emitSubscriptionCount fires alongside occupancy transitions; the
// default cadence.
func (h *Hub) emitSubscriptionCount(ctx context.Context, app *apps.Application, channel string, count int) {
	if h.cfg.SubscriptionCountAll {
		// The every-change cadence reports from its own call sites.
		return
	}
	h.dispatch.Dispatch(ctx, app, webhooks.Event{
		Name:              webhooks.EventSubscriptionCount,
		Channel:           channel,
		SubscriptionCount: count,
	})
}

func (h *Hub) emitSubscriptionCountAlways(ctx context.Context, app *apps.Application, channel string, count int) {
	h.dispatch.Dispatch(ctx, app, webhooks.Event{
		Name:              webhooks.EventSubscriptionCount,
		Channel:           channel,
		SubscriptionCount: count,
	})
}

func (h *Hub) handleClientEvent(ctx context.Context, app *apps.Application, s *Socket, msg *protocol.Message) {
	if !app.EnableClientMessages {
		s.SendMessage(protocol.NewProtocolError(0, protocol.ErrClientEventsForbidden.Error()))
		return
	}
	if !channels.TypeOf(msg.Channel).AllowsClientEvents() {
		s.SendMessage(protocol.NewProtocolError(0, protocol.ErrClientEventChannel.Error()))
		return
	}
	if !s.IsSubscribed(msg.Channel) {
		s.SendMessage(protocol.NewProtocolError(0, protocol.ErrNotSubscribed.Error()))
		return
	}
	if app.MaxClientEventPayloadBytes > 0 && len(msg.Data) > app.MaxClientEventPayloadBytes {
		s.SendMessage(protocol.NewProtocolError(0, protocol.ErrPayloadTooLarge.Error()))
		return
	}

	lim := h.limiterFor(app)
	res, err := lim.Increment(ctx, limiter.Key(app.ID, "client_events", s.ID))
	if err != nil {
		h.lg.Warn("client event rate check failed", log.Error(err))
	} else if !res.Allowed {
		// First rejection of a burst gets the error frame; the rest are
		// dropped until the bucket refills.
		if !s.rateNotified.Swap(true) {
			s.SendMessage(protocol.NewProtocolError(protocol.CloseServerShutdown, "client event rate limit exceeded"))
		}
		return
	}
	s.rateNotified.Store(false)

	var userID string
	if channels.TypeOf(msg.Channel) == channels.Presence {
		if member, ok := s.PresenceMember(msg.Channel); ok {
			userID = member.UserID
		}
	}

	relay := &protocol.Message{Event: msg.Event, Channel: msg.Channel, Data: msg.Data, UserID: userID}
	raw, err := relay.Marshal()
	if err != nil {
		h.lg.Error("encode client event", log.Error(err))
		return
	}
	if err = h.fanout.Broadcast(ctx, app.ID, msg.Channel, raw, s.ID); err != nil {
		h.lg.Warn("client event broadcast failed", log.String("channel", msg.Channel), log.Error(err))
	}

	h.dispatch.Dispatch(ctx, app, webhooks.Event{
		Name:     webhooks.EventClientEvent,
		Channel:  msg.Channel,
		Event:    msg.Event,
		Data:     msg.Data,
		SocketID: s.ID,
		UserID:   userID,
	})
}

func (h *Hub) handleSignIn(app *apps.Application, s *Socket, msg *protocol.Message) {
	var p protocol.SignInPayload
	if err := protocol.DecodePayload(msg.Data, &p); err != nil {
		s.SendMessage(protocol.NewProtocolError(0, "malformed signin payload"))
		return
	}
	if err := auth.VerifySigninToken(p.Auth, app.Key, app.Secret, s.ID, p.UserData); err != nil {
		s.Close(protocol.CloseAuthFailure, "invalid signin token")
		return
	}
	var ud protocol.UserData
	if err := json.Unmarshal([]byte(p.UserData), &ud); err != nil || ud.UserID == "" {
		s.SendMessage(protocol.NewProtocolError(0, "malformed user_data"))
		return
	}
	s.SetUser(ud.UserID)
	s.SendMessage(&protocol.Message{Event: protocol.EventSignInSuccess, Data: msg.Data})
}

func (h *Hub) limiterFor(app *apps.Application) limiter.RateLimiter {
	lim, _ := h.clientEventLimiters.LoadOrCompute(app.ID, func() (limiter.RateLimiter, bool) {
		return h.newLimiter(limiter.Config{
			Capacity: app.MaxClientEventsPerSecond,
			Window:   time.Second,
		}), false
	})
	return lim
}

func (h *Hub) register(s *Socket) {
	h.sockets.Store(s.ID, s)
	appMap, _ := h.appSockets.LoadOrCompute(s.AppID, func() (*xsync.Map[string, *Socket], bool) {
		return xsync.NewMap[string, *Socket](), false
	})
	appMap.Store(s.ID, s)
}

// cleanup tears the socket out of every channel it joined, emitting the
// same transitions an explicit unsubscribe would.
func (h *Hub) cleanup(ctx context.Context, app *apps.Application, s *Socket) {
	s.Close(websocket.CloseNormalClosure, "")

	departures := h.registry.CleanupSocket(app.ID, s.ID, s.Subscriptions())
	for _, dep := range departures {
		s.RemoveSubscription(dep.Channel)
		h.afterRemoval(ctx, app, dep.Channel, dep.RemoveResult)
	}

	h.sockets.Delete(s.ID)
	if appMap, ok := h.appSockets.Load(s.AppID); ok {
		appMap.Delete(s.ID)
	}
	h.clientEventLimiterCleanup(ctx, app, s)

	h.lg.Debug("socket closed",
		log.String("socket", s.ID),
		log.Uint64("dropped_frames", s.Dropped.Load()))
}

func (h *Hub) clientEventLimiterCleanup(ctx context.Context, app *apps.Application, s *Socket) {
	if lim, ok := h.clientEventLimiters.Load(app.ID); ok {
		_ = lim.Reset(ctx, limiter.Key(app.ID, "client_events", s.ID))
	}
}

// Deliver implements adapter.Node: enqueue payload onto every local
// subscriber under the channel critical section, skipping except.
func (h *Hub) Deliver(appID, channel string, payload []byte, except string) int {
	delivered := 0
	h.registry.ForEachSubscriber(appID, channel, func(socketID string) {
		if socketID == except {
			return
		}
		if sock, ok := h.sockets.Load(socketID); ok {
			sock.Send(payload)
			delivered++
		}
	})
	return delivered
}

func (h *Hub) SubscribersCount(appID, channel string) int {
	return h.registry.SubscribersCount(appID, channel)
}

func (h *Hub) PresenceRoster(appID, channel string) map[string]json.RawMessage {
	return h.registry.PresenceRoster(appID, channel)
}

func (h *Hub) SocketsCount(appID string) int {
	if appMap, ok := h.appSockets.Load(appID); ok {
		return appMap.Size()
	}
	return 0
}

func (h *Hub) ChannelsWithCounts(appID string) map[string]int {
	return h.registry.ChannelsWithCounts(appID)
}

// TerminateUser closes every local socket signed in as userID with the
// auth failure close code. Registry cleanup runs through each socket's
// read-loop exit.
func (h *Hub) TerminateUser(appID, userID string) int {
	terminated := 0
	if appMap, ok := h.appSockets.Load(appID); ok {
		appMap.Range(func(_ string, sock *Socket) bool {
			if sock.UserID() == userID {
				sock.Close(protocol.CloseAuthFailure, "user terminated")
				terminated++
			}
			return true
		})
	}
	return terminated
}

// CloseAll disconnects every socket, used during graceful shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.sockets.Range(func(_ string, sock *Socket) bool {
		sock.Close(code, reason)
		return true
	})
}

// SocketsTotal is the node-wide socket count.
func (h *Hub) SocketsTotal() int {
	return h.sockets.Size()
}
