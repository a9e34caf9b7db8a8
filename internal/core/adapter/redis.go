package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/JosueRhea/sockudo/internal/core/observability/log"
)

var _ Adapter = (*RedisAdapter)(nil)

// Request kinds carried over the fabric.
const (
	kindSubscribersCount  = "subscribers_count"
	kindPresenceMembers   = "presence_members"
	kindSocketsCount      = "sockets_count"
	kindChannelsWithCount = "channels_with_counts"
	kindTerminateUser     = "terminate_user"
)

// A node is considered departed after missing this many heartbeats.
const missedHeartbeats = 3

const heartbeatVersion = "1"

// RedisAdapter is the horizontal driver: broadcasts ride per-channel
// pub/sub topics, aggregate queries ride a request/response exchange,
// and cluster size is tracked by heartbeats on a shared presence topic.
type RedisAdapter struct {
	node   Node
	client redis.UniversalClient
	lg     log.Log

	prefix            string
	nodeID            string
	requestTimeout    time.Duration
	heartbeatInterval time.Duration

	pubsub *redis.PubSub

	// topicRefs guards against subscribe/unsubscribe races when a
	// channel flaps between zero and one local subscriber.
	topicMu   sync.Mutex
	topicRefs map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan responseEnvelope

	peersMu sync.Mutex
	peers   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// broadcastEnvelope wraps a fan-out payload so receivers can skip the
// publishing node, which already delivered locally.
type broadcastEnvelope struct {
	Node    string          `json:"node"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
}

type requestEnvelope struct {
	ReqID              string `json:"req_id"`
	Kind               string `json:"kind"`
	Node               string `json:"node"`
	ReplyTo            string `json:"reply_to"`
	AppID              string `json:"app_id"`
	Channel            string `json:"channel,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	ExpectedResponders int    `json:"expected_responders"`
}

type responseEnvelope struct {
	ReqID    string                     `json:"req_id"`
	Node     string                     `json:"node"`
	Count    int                        `json:"count,omitempty"`
	Members  map[string]json.RawMessage `json:"members,omitempty"`
	Channels map[string]int             `json:"channels,omitempty"`
}

type heartbeatEnvelope struct {
	Node    string `json:"node"`
	TS      int64  `json:"ts"`
	Version string `json:"version"`
}

type RedisAdapterConfig struct {
	Prefix            string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
}

func NewRedisAdapter(client redis.UniversalClient, node Node, lg log.Log, cfg RedisAdapterConfig) *RedisAdapter {
	if cfg.Prefix == "" {
		cfg.Prefix = "sockudo"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	nodeID := uuid.New().String()
	return &RedisAdapter{
		node:              node,
		client:            client,
		lg:                lg.With(log.String("node", nodeID)),
		prefix:            cfg.Prefix,
		nodeID:            nodeID,
		requestTimeout:    cfg.RequestTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		topicRefs:         make(map[string]struct{}),
		pending:           make(map[string]chan responseEnvelope),
		peers:             make(map[string]time.Time),
	}
}

func (a *RedisAdapter) channelTopic(appID, channel string) string {
	return a.prefix + ":" + appID + ":" + channel
}

func (a *RedisAdapter) requestsTopic() string { return a.prefix + ":requests" }
func (a *RedisAdapter) presenceTopic() string { return a.prefix + ":presence" }

func (a *RedisAdapter) repliesTopic(nodeID string) string {
	return a.prefix + ":responses:" + nodeID
}

// Start subscribes the control topics and launches the receive and
// heartbeat loops. Fails fast if the fabric is unreachable so startup
// can exit with a dependency error.
func (a *RedisAdapter) Start(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis adapter ping")
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.pubsub = a.client.Subscribe(a.ctx,
		a.requestsTopic(),
		a.repliesTopic(a.nodeID),
		a.presenceTopic(),
	)
	if _, err := a.pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis adapter subscribe")
	}

	a.wg.Add(2)
	go a.receiveLoop()
	go a.heartbeatLoop()

	a.lg.Info("horizontal adapter started", log.String("prefix", a.prefix))
	return nil
}

func (a *RedisAdapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.pubsub != nil {
		_ = a.pubsub.Close()
	}
	a.wg.Wait()
	return nil
}

// Broadcast delivers locally first, then publishes to the channel topic
// for the rest of the cluster. Local delivery never waits on the fabric.
func (a *RedisAdapter) Broadcast(ctx context.Context, appID, channel string, payload []byte, exceptSocketID string) error {
	a.node.Deliver(appID, channel, payload, exceptSocketID)

	env := broadcastEnvelope{
		Node:    a.nodeID,
		AppID:   appID,
		Channel: channel,
		Payload: payload,
		Except:  exceptSocketID,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode broadcast")
	}
	if err = a.client.Publish(ctx, a.channelTopic(appID, channel), raw).Err(); err != nil {
		// Remote delivery is best-effort under fabric trouble; local
		// subscribers already have the message.
		a.lg.Warn("fabric publish failed, delivered locally only",
			log.String("app", appID), log.String("channel", channel), log.Error(err))
	}
	return nil
}

func (a *RedisAdapter) SubscriptionChanged(appID, channel string, firstLocal, lastLocal bool) {
	topic := a.channelTopic(appID, channel)
	a.topicMu.Lock()
	defer a.topicMu.Unlock()
	switch {
	case firstLocal:
		if _, ok := a.topicRefs[topic]; ok {
			return
		}
		a.topicRefs[topic] = struct{}{}
		if err := a.pubsub.Subscribe(a.ctx, topic); err != nil {
			a.lg.Warn("topic subscribe failed", log.String("topic", topic), log.Error(err))
		}
	case lastLocal:
		if _, ok := a.topicRefs[topic]; !ok {
			return
		}
		delete(a.topicRefs, topic)
		if err := a.pubsub.Unsubscribe(a.ctx, topic); err != nil {
			a.lg.Warn("topic unsubscribe failed", log.String("topic", topic), log.Error(err))
		}
	}
}

func (a *RedisAdapter) SubscribersCount(ctx context.Context, appID, channel string) (int, error) {
	total := a.node.SubscribersCount(appID, channel)
	responses, err := a.request(ctx, requestEnvelope{Kind: kindSubscribersCount, AppID: appID, Channel: channel})
	if err != nil {
		return total, err
	}
	for _, res := range responses {
		total += res.Count
	}
	return total, nil
}

func (a *RedisAdapter) PresenceMembers(ctx context.Context, appID, channel string) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	for id, info := range a.node.PresenceRoster(appID, channel) {
		merged[id] = info
	}
	responses, err := a.request(ctx, requestEnvelope{Kind: kindPresenceMembers, AppID: appID, Channel: channel})
	if err != nil {
		return merged, err
	}
	for _, res := range responses {
		for id, info := range res.Members {
			// First writer wins; the same user carries consistent
			// user_info by contract.
			if _, ok := merged[id]; !ok {
				merged[id] = info
			}
		}
	}
	return merged, nil
}

func (a *RedisAdapter) SocketsCount(ctx context.Context, appID string) (int, error) {
	total := a.node.SocketsCount(appID)
	responses, err := a.request(ctx, requestEnvelope{Kind: kindSocketsCount, AppID: appID})
	if err != nil {
		return total, err
	}
	for _, res := range responses {
		total += res.Count
	}
	return total, nil
}

func (a *RedisAdapter) ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error) {
	merged := a.node.ChannelsWithCounts(appID)
	responses, err := a.request(ctx, requestEnvelope{Kind: kindChannelsWithCount, AppID: appID})
	if err != nil {
		return merged, err
	}
	for _, res := range responses {
		for channel, count := range res.Channels {
			merged[channel] += count
		}
	}
	return merged, nil
}

// TerminateUser disconnects locally and tells every other node to do
// the same. No response is collected; each node acts on its own sockets.
func (a *RedisAdapter) TerminateUser(ctx context.Context, appID, userID string) error {
	a.node.TerminateUser(appID, userID)
	env := requestEnvelope{
		ReqID:  uuid.New().String(),
		Kind:   kindTerminateUser,
		Node:   a.nodeID,
		AppID:  appID,
		UserID: userID,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode terminate request")
	}
	return errors.Wrap(a.client.Publish(ctx, a.requestsTopic(), raw).Err(), "publish terminate request")
}

// request publishes an aggregate query and collects replies until every
// expected responder answered or the timeout expires. Missing responders
// contribute zero and are logged as a partial result, never an error.
func (a *RedisAdapter) request(ctx context.Context, env requestEnvelope) ([]responseEnvelope, error) {
	expected := a.alivePeers()
	if expected == 0 {
		return nil, nil
	}

	env.ReqID = uuid.New().String()
	env.Node = a.nodeID
	env.ReplyTo = a.repliesTopic(a.nodeID)
	env.ExpectedResponders = expected

	replyCh := make(chan responseEnvelope, expected)
	a.pendingMu.Lock()
	a.pending[env.ReqID] = replyCh
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, env.ReqID)
		a.pendingMu.Unlock()
	}()

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode fabric request")
	}
	if err = a.client.Publish(ctx, a.requestsTopic(), raw).Err(); err != nil {
		return nil, errors.Wrap(err, "publish fabric request")
	}

	timeout := time.NewTimer(a.requestTimeout)
	defer timeout.Stop()

	responses := make([]responseEnvelope, 0, expected)
	for len(responses) < expected {
		select {
		case res := <-replyCh:
			responses = append(responses, res)
		case <-timeout.C:
			a.lg.Warn("partial fabric response",
				log.String("kind", env.Kind),
				log.Int("expected", expected),
				log.Int("received", len(responses)))
			return responses, nil
		case <-ctx.Done():
			return responses, ctx.Err()
		}
	}
	return responses, nil
}

func (a *RedisAdapter) receiveLoop() {
	defer a.wg.Done()
	for msg := range a.pubsub.Channel() {
		switch msg.Channel {
		case a.requestsTopic():
			a.handleRequest([]byte(msg.Payload))
		case a.repliesTopic(a.nodeID):
			a.handleResponse([]byte(msg.Payload))
		case a.presenceTopic():
			a.handleHeartbeat([]byte(msg.Payload))
		default:
			a.handleBroadcast([]byte(msg.Payload))
		}
	}
}

func (a *RedisAdapter) handleBroadcast(raw []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.lg.Warn("malformed fabric broadcast", log.Error(err))
		return
	}
	if env.Node == a.nodeID {
		return
	}
	a.node.Deliver(env.AppID, env.Channel, env.Payload, env.Except)
}

func (a *RedisAdapter) handleRequest(raw []byte) {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.lg.Warn("malformed fabric request", log.Error(err))
		return
	}
	if env.Node == a.nodeID {
		return
	}

	if env.Kind == kindTerminateUser {
		a.node.TerminateUser(env.AppID, env.UserID)
		return
	}

	res := responseEnvelope{ReqID: env.ReqID, Node: a.nodeID}
	switch env.Kind {
	case kindSubscribersCount:
		res.Count = a.node.SubscribersCount(env.AppID, env.Channel)
	case kindPresenceMembers:
		res.Members = a.node.PresenceRoster(env.AppID, env.Channel)
	case kindSocketsCount:
		res.Count = a.node.SocketsCount(env.AppID)
	case kindChannelsWithCount:
		res.Channels = a.node.ChannelsWithCounts(env.AppID)
	default:
		a.lg.Warn("unknown fabric request kind", log.String("kind", env.Kind))
		return
	}

	raw, err := json.Marshal(res)
	if err != nil {
		a.lg.Warn("encode fabric response", log.Error(err))
		return
	}
	if err = a.client.Publish(a.ctx, env.ReplyTo, raw).Err(); err != nil {
		a.lg.Warn("publish fabric response", log.String("reply_to", env.ReplyTo), log.Error(err))
	}
}

func (a *RedisAdapter) handleResponse(raw []byte) {
	var res responseEnvelope
	if err := json.Unmarshal(raw, &res); err != nil {
		a.lg.Warn("malformed fabric response", log.Error(err))
		return
	}
	a.pendingMu.Lock()
	ch, ok := a.pending[res.ReqID]
	a.pendingMu.Unlock()
	if !ok {
		// Late reply after the collection window closed.
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (a *RedisAdapter) handleHeartbeat(raw []byte) {
	var hb heartbeatEnvelope
	if err := json.Unmarshal(raw, &hb); err != nil {
		a.lg.Warn("malformed heartbeat", log.Error(err))
		return
	}
	if hb.Node == a.nodeID {
		return
	}
	a.peersMu.Lock()
	a.peers[hb.Node] = time.Now()
	a.peersMu.Unlock()
}

func (a *RedisAdapter) heartbeatLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			hb := heartbeatEnvelope{Node: a.nodeID, TS: time.Now().Unix(), Version: heartbeatVersion}
			raw, _ := json.Marshal(hb)
			if err := a.client.Publish(a.ctx, a.presenceTopic(), raw).Err(); err != nil {
				a.lg.Warn("heartbeat publish failed", log.Error(err))
			}
			a.prunePeers()
		}
	}
}

// alivePeers counts nodes seen within the departure window. This is the
// expected_responders value of aggregate queries.
func (a *RedisAdapter) alivePeers() int {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	deadline := time.Now().Add(-time.Duration(missedHeartbeats) * a.heartbeatInterval)
	alive := 0
	for _, seen := range a.peers {
		if seen.After(deadline) {
			alive++
		}
	}
	return alive
}

func (a *RedisAdapter) prunePeers() {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	deadline := time.Now().Add(-time.Duration(missedHeartbeats) * a.heartbeatInterval)
	for node, seen := range a.peers {
		if seen.Before(deadline) {
			delete(a.peers, node)
		}
	}
}
