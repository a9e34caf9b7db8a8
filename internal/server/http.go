package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/JosueRhea/sockudo/internal/core/apps"
	"github.com/JosueRhea/sockudo/internal/core/auth"
	"github.com/JosueRhea/sockudo/internal/core/channels"
	"github.com/JosueRhea/sockudo/internal/core/limiter"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// Control API bodies are bounded regardless of per-app payload caps.
const maxAPIBody = 1 << 20

type apiHandler func(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte)

// apiError is the Pusher-compatible error body.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: message, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// signed wraps a control API handler with app lookup, the per-app rate
// bucket, and the v1.1 request signature check.
func (s *Server) signed(next apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := r.PathValue("app_id")
		app, err := s.apps.FindByID(r.Context(), appID)
		if err != nil {
			if protocol.CodeOf(err) == protocol.CloseAppDisabled {
				writeError(w, http.StatusForbidden, "app is disabled")
				return
			}
			writeError(w, http.StatusNotFound, "app not found")
			return
		}

		res, err := s.httpAPILimiter.Increment(r.Context(), limiter.Key(app.ID, "api", ""))
		if err != nil {
			s.lg.Warn("api rate check failed", log.String("app", app.ID), log.Error(err))
		} else if !res.Allowed {
			w.Header().Set("Retry-After", res.RetryAfter.Round(time.Second).String())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if len(body) > maxAPIBody {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}

		if err = auth.VerifyRequest(app.Secret, r.Method, r.URL.Path, r.URL.Query(), body, time.Now()); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		next(w, r, app, body)
	})
}

// triggerRequest is the body of POST /events.
type triggerRequest struct {
	Name     string          `json:"name"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id,omitempty"`
}

func (t *triggerRequest) targets() []string {
	if len(t.Channels) > 0 {
		return t.Channels
	}
	if t.Channel != "" {
		return []string{t.Channel}
	}
	return nil
}

// validateTrigger applies the per-app payload and channel rules shared by
// /events and /batch_events entries.
func (s *Server) validateTrigger(t *triggerRequest, app *apps.Application) (int, string) {
	if t.Name == "" {
		return http.StatusBadRequest, "event name is required"
	}
	if app.MaxEventPayloadBytes > 0 && len(t.Data) > app.MaxEventPayloadBytes {
		return http.StatusRequestEntityTooLarge, "event data too large"
	}
	targets := t.targets()
	if len(targets) == 0 {
		return http.StatusBadRequest, "channel or channels is required"
	}
	for _, channel := range targets {
		if err := channels.Validate(channel, app.MaxChannelNameLength); err != nil {
			return http.StatusBadRequest, err.Error()
		}
	}
	return 0, ""
}

func (s *Server) broadcastTrigger(r *http.Request, app *apps.Application, t *triggerRequest) {
	for _, channel := range t.targets() {
		msg := &protocol.Message{Event: t.Name, Channel: channel, Data: t.Data}
		raw, err := msg.Marshal()
		if err != nil {
			s.lg.Error("encode trigger event", log.Error(err))
			continue
		}
		if err = s.fanout.Broadcast(r.Context(), app.ID, channel, raw, t.SocketID); err != nil {
			s.lg.Warn("trigger broadcast failed",
				log.String("app", app.ID), log.String("channel", channel), log.Error(err))
		}
		if channels.IsCacheChannel(channel) {
			s.registry.SetCache(app.ID, channel, t.Name, t.Data)
		}
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte) {
	var t triggerRequest
	if err := json.Unmarshal(body, &t); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if status, msg := s.validateTrigger(&t, app); status != 0 {
		writeError(w, status, msg)
		return
	}
	s.broadcastTrigger(r, app, &t)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleBatchTrigger(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte) {
	var batch struct {
		Batch []triggerRequest `json:"batch"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(batch.Batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	// All-or-nothing: validate the whole batch before broadcasting any
	// entry.
	for i := range batch.Batch {
		if status, msg := s.validateTrigger(&batch.Batch[i], app); status != 0 {
			writeError(w, status, msg)
			return
		}
	}
	for i := range batch.Batch {
		s.broadcastTrigger(r, app, &batch.Batch[i])
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type channelInfo struct {
	Occupied          bool              `json:"occupied"`
	SubscriptionCount *int              `json:"subscription_count,omitempty"`
	UserCount         *int              `json:"user_count,omitempty"`
	Cache             *channelCacheInfo `json:"cache,omitempty"`
}

type channelCacheInfo struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func wantsInfo(r *http.Request, field string) bool {
	for _, part := range strings.Split(r.URL.Query().Get("info"), ",") {
		if strings.TrimSpace(part) == field {
			return true
		}
	}
	return false
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	counts, err := s.fanout.ChannelsWithCounts(r.Context(), app.ID)
	if err != nil {
		s.lg.Warn("channels_with_counts failed", log.String("app", app.ID), log.Error(err))
	}

	prefix := r.URL.Query().Get("filter_by_prefix")
	withUserCount := wantsInfo(r, "user_count")
	withSubCount := wantsInfo(r, "subscription_count")

	type entry struct {
		UserCount         *int `json:"user_count,omitempty"`
		SubscriptionCount *int `json:"subscription_count,omitempty"`
	}
	out := make(map[string]entry, len(counts))
	for channel, count := range counts {
		if prefix != "" && !strings.HasPrefix(channel, prefix) {
			continue
		}
		var e entry
		if withSubCount {
			c := count
			e.SubscriptionCount = &c
		}
		if withUserCount && channels.TypeOf(channel) == channels.Presence {
			if members, merr := s.fanout.PresenceMembers(r.Context(), app.ID, channel); merr == nil {
				uc := len(members)
				e.UserCount = &uc
			}
		}
		out[channel] = e
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	name := r.PathValue("name")
	if err := channels.Validate(name, app.MaxChannelNameLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, err := s.fanout.SubscribersCount(r.Context(), app.ID, name)
	if err != nil {
		s.lg.Warn("subscribers_count failed", log.String("channel", name), log.Error(err))
	}

	info := channelInfo{Occupied: count > 0}
	if wantsInfo(r, "subscription_count") {
		info.SubscriptionCount = &count
	}
	if wantsInfo(r, "user_count") {
		if channels.TypeOf(name) != channels.Presence {
			writeError(w, http.StatusBadRequest, "user_count is only available on presence channels")
			return
		}
		members, merr := s.fanout.PresenceMembers(r.Context(), app.ID, name)
		if merr != nil {
			s.lg.Warn("presence_members failed", log.String("channel", name), log.Error(merr))
		}
		uc := len(members)
		info.UserCount = &uc
	}
	if wantsInfo(r, "cache") && channels.IsCacheChannel(name) {
		if cached := s.registry.GetCache(app.ID, name); cached != nil {
			info.Cache = &channelCacheInfo{Event: cached.Event, Data: cached.Data}
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleChannelUsers(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	name := r.PathValue("name")
	if channels.TypeOf(name) != channels.Presence {
		writeError(w, http.StatusBadRequest, "users is only available on presence channels")
		return
	}
	members, err := s.fanout.PresenceMembers(r.Context(), app.ID, name)
	if err != nil {
		s.lg.Warn("presence_members failed", log.String("channel", name), log.Error(err))
	}
	type user struct {
		ID string `json:"id"`
	}
	users := make([]user, 0, len(members))
	for id := range members {
		users = append(users, user{ID: id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleTerminateUser(w http.ResponseWriter, r *http.Request, app *apps.Application, _ []byte) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.fanout.TerminateUser(r.Context(), app.ID, userID); err != nil {
		s.lg.Warn("terminate_user failed",
			log.String("app", app.ID), log.String("user", userID), log.Error(err))
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
