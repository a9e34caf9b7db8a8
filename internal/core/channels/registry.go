package channels

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

const shardCount = 64

// Registry is the per-node channel membership table. It is sharded by a
// hash of (app, channel) so concurrent subscribes on unrelated channels
// never contend; each shard serializes add/remove/snapshot.
type Registry struct {
	shards   [shardCount]shard
	cacheTTL time.Duration
	now      func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	channels map[channelKey]*channelState
}

type channelKey struct {
	appID   string
	channel string
}

type channelState struct {
	subscribers map[string]struct{}
	// presence is nil unless the channel is a presence channel.
	presence map[string]*presenceEntry
	cached   *CachedEvent
}

type presenceEntry struct {
	info    json.RawMessage
	sockets map[string]struct{}
}

// CachedEvent is the last event stored on a cache- channel.
type CachedEvent struct {
	Event string
	Data  json.RawMessage
	At    time.Time
}

// AddOptions carries the per-app limits enforced on every Add.
type AddOptions struct {
	MaxNameLength      int
	MaxPresenceMembers int
}

// AddResult reports the local transitions caused by an Add. Global
// occupancy is resolved by the adapter, not here.
type AddResult struct {
	FirstLocal      bool
	NewPresenceUser bool
	RosterSize      int
}

// RemoveResult reports the local transitions caused by a Remove.
type RemoveResult struct {
	WasSubscribed bool
	LastLocal     bool
	// LeftPresence is set only when the removed socket was the last one
	// of its user in the channel.
	LeftPresence *protocol.UserData
}

// Departure is one channel's RemoveResult inside a CleanupSocket batch.
type Departure struct {
	Channel string
	RemoveResult
}

func NewRegistry(cacheTTL time.Duration) *Registry {
	r := &Registry{cacheTTL: cacheTTL, now: time.Now}
	for i := range r.shards {
		r.shards[i].channels = make(map[channelKey]*channelState)
	}
	return r
}

func (r *Registry) shardFor(key channelKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.appID)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(key.channel)
	return &r.shards[h.Sum64()%shardCount]
}

// Add subscribes socketID to channel, validating the name and, for
// presence channels, enforcing the roster cap and recording the member.
func (r *Registry) Add(appID, channel, socketID string, member *protocol.UserData, opts AddOptions) (AddResult, error) {
	if err := Validate(channel, opts.MaxNameLength); err != nil {
		return AddResult{}, err
	}
	isPresence := TypeOf(channel) == Presence
	if isPresence && member == nil {
		return AddResult{}, protocol.NewError(protocol.KindProtocol, protocol.StatusBadRequest, "presence channel requires channel_data", protocol.ErrMissingChannelData)
	}

	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.channels[key]
	if !ok {
		state = &channelState{subscribers: make(map[string]struct{})}
		if isPresence {
			state.presence = make(map[string]*presenceEntry)
		}
		s.channels[key] = state
	}

	var res AddResult
	res.FirstLocal = len(state.subscribers) == 0
	state.subscribers[socketID] = struct{}{}

	if isPresence {
		entry, joined := state.presence[member.UserID]
		if !joined {
			if opts.MaxPresenceMembers > 0 && len(state.presence) >= opts.MaxPresenceMembers {
				delete(state.subscribers, socketID)
				if res.FirstLocal {
					delete(s.channels, key)
				}
				return AddResult{}, protocol.NewError(protocol.KindQuota, protocol.StatusBadRequest, "presence roster is full", protocol.ErrPresenceRosterFull)
			}
			entry = &presenceEntry{info: member.UserInfo, sockets: make(map[string]struct{})}
			state.presence[member.UserID] = entry
			res.NewPresenceUser = true
		}
		entry.sockets[socketID] = struct{}{}
		res.RosterSize = len(state.presence)
	}
	return res, nil
}

// Remove drops socketID from channel. Presence membership is released
// only when the user's last socket leaves.
func (r *Registry) Remove(appID, channel, socketID string) RemoveResult {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(key, socketID)
}

// remove is the under-lock body shared with CleanupSocket.
func (s *shard) remove(key channelKey, socketID string) RemoveResult {
	state, ok := s.channels[key]
	if !ok {
		return RemoveResult{}
	}
	if _, subscribed := state.subscribers[socketID]; !subscribed {
		return RemoveResult{}
	}
	delete(state.subscribers, socketID)

	var res RemoveResult
	res.WasSubscribed = true
	res.LastLocal = len(state.subscribers) == 0

	for userID, entry := range state.presence {
		if _, owns := entry.sockets[socketID]; !owns {
			continue
		}
		delete(entry.sockets, socketID)
		if len(entry.sockets) == 0 {
			delete(state.presence, userID)
			res.LeftPresence = &protocol.UserData{UserID: userID, UserInfo: entry.info}
		}
		break
	}

	// Vacated channels with no cached event are dropped entirely; cache-
	// channels keep their state so replay survives reoccupation.
	if res.LastLocal && state.cached == nil {
		delete(s.channels, key)
	}
	return res
}

// CleanupSocket removes the socket from every channel it had joined,
// one shard lock per channel, producing the batch of departures.
func (r *Registry) CleanupSocket(appID, socketID string, subscribed []string) []Departure {
	departures := make([]Departure, 0, len(subscribed))
	for _, channel := range subscribed {
		key := channelKey{appID: appID, channel: channel}
		s := r.shardFor(key)
		s.mu.Lock()
		res := s.remove(key, socketID)
		s.mu.Unlock()
		if res.WasSubscribed {
			departures = append(departures, Departure{Channel: channel, RemoveResult: res})
		}
	}
	return departures
}

// Subscribers snapshots the local socket set of a channel.
func (r *Registry) Subscribers(appID, channel string) []string {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(state.subscribers))
	for id := range state.subscribers {
		out = append(out, id)
	}
	return out
}

// ForEachSubscriber runs fn for every local subscriber while holding
// the shard lock, so concurrent broadcasts to one channel enqueue in a
// single order on every socket. fn must only enqueue, never do I/O.
func (r *Registry) ForEachSubscriber(appID, channel string, fn func(socketID string)) {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.channels[key]
	if !ok {
		return
	}
	for id := range state.subscribers {
		fn(id)
	}
}

// SubscribersCount is the local subscriber tally.
func (r *Registry) SubscribersCount(appID, channel string) int {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.channels[key]; ok {
		return len(state.subscribers)
	}
	return 0
}

// PresenceRoster snapshots the local user_id -> user_info map.
func (r *Registry) PresenceRoster(appID, channel string) map[string]json.RawMessage {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[key]
	if !ok || state.presence == nil {
		return nil
	}
	roster := make(map[string]json.RawMessage, len(state.presence))
	for userID, entry := range state.presence {
		roster[userID] = entry.info
	}
	return roster
}

// ChannelsWithCounts snapshots every locally occupied channel of an app
// with its local subscriber count.
func (r *Registry) ChannelsWithCounts(appID string) map[string]int {
	out := make(map[string]int)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for key, state := range s.channels {
			if key.appID == appID && len(state.subscribers) > 0 {
				out[key.channel] = len(state.subscribers)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// SetCache stores the last event of a cache- channel.
func (r *Registry) SetCache(appID, channel, event string, data json.RawMessage) {
	if !IsCacheChannel(channel) {
		return
	}
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.channels[key]
	if !ok {
		state = &channelState{subscribers: make(map[string]struct{})}
		if TypeOf(channel) == Presence {
			state.presence = make(map[string]*presenceEntry)
		}
		s.channels[key] = state
	}
	state.cached = &CachedEvent{Event: event, Data: data, At: r.now()}
}

// GetCache returns the cached event, or nil when absent or expired.
func (r *Registry) GetCache(appID, channel string) *CachedEvent {
	key := channelKey{appID: appID, channel: channel}
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.channels[key]
	if !ok || state.cached == nil {
		return nil
	}
	if r.cacheTTL > 0 && r.now().Sub(state.cached.At) > r.cacheTTL {
		state.cached = nil
		if len(state.subscribers) == 0 {
			delete(s.channels, key)
		}
		return nil
	}
	return state.cached
}
