package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"odin-sse-gateway/internal/monitoring"
	"odin-sse-gateway/internal/source"
	"odin-sse-gateway/internal/sse"
)

// sendRequest is the POST /send body. An absent channel_id broadcasts.
type sendRequest struct {
	ChannelID string        `json:"channel_id,omitempty"`
	EventType string        `json:"event_type"`
	Data      sse.EventData `json:"data"`
	ID        string        `json:"id,omitempty"`
}

// sendResponse reports delivery of one send. Online reflects whether any
// instance currently serves the channel; for broadcasts it is always true.
type sendResponse struct {
	Success   bool `json:"success"`
	SentCount int  `json:"sent_count"`
	Online    bool `json:"online"`
}

// storeRequest is the POST /store body.
type storeRequest struct {
	ChannelID string        `json:"channel_id"`
	EventType string        `json:"event_type"`
	Data      sse.EventData `json:"data"`
}

type storeResponse struct {
	Success  bool   `json:"success"`
	StreamID string `json:"stream_id"`
}

// connectionStats is one entry in the GET /stats listing.
type connectionStats struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel_id"`
	ConnectedAt string `json:"connected_at"`
	IsActive    bool   `json:"is_active"`
}

type statsResponse struct {
	TotalConnections int               `json:"total_connections"`
	Connections      []connectionStats `json:"connections"`
}

// channelResponse is the GET /channel/{id} body: discovery's view plus the
// local subscriber count.
type channelResponse struct {
	ChannelID        string `json:"channel_id"`
	Online           bool   `json:"online"`
	InstanceID       string `json:"instance_id,omitempty"`
	InstanceAddress  string `json:"instance_address,omitempty"`
	LocalSubscribers int    `json:"local_subscribers"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP extracts the originating address: the first X-Forwarded-For
// entry when a proxy set one, else the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleConnect serves GET /sse/connect?channel_id=...: the subscription
// endpoint. The response never completes normally; it streams until the
// client disconnects or the server drains.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		monitoring.RecordRejectedConnection("bad_request")
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	if err := s.auth(r, channelID); err != nil {
		monitoring.RecordRejectedConnection("unauthorized")
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Subscription rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.Allow(ip) {
		monitoring.RecordRejectedConnection("rate_limited")
		writeError(w, http.StatusTooManyRequests, "connection rate exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		monitoring.RecordRejectedConnection("no_streaming")
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn, receiver := s.registry.Register(channelID, ip, r.Header.Get("User-Agent"))
	monitoring.RecordConnection()
	monitoring.SetActiveConnections(s.registry.Count())

	if s.observer != nil {
		s.observer.OnConnect(source.ConnectionInfo{
			ChannelID:    channelID,
			ConnectionID: conn.ID,
			InstanceID:   conn.Metadata.InstanceID,
		})
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	st := &stream{
		conn:     conn,
		receiver: receiver,
		registry: s.registry,
		store:    s.store,
		observer: s.observer,
		w:        w,
		flusher:  flusher,
		logger:   s.logger,
	}
	st.run(r.Context(), lastEventID)
}

// handleSend serves POST /send: deliver an event now, to one channel or to
// every connection on this instance.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventType == "" {
		req.EventType = "message"
	}

	event := sse.Event{Type: req.EventType, Data: req.Data, ID: req.ID}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if req.ChannelID == "" {
		sent := s.dispatcher.Broadcast(event)
		writeJSON(w, http.StatusOK, sendResponse{Success: true, SentCount: sent, Online: true})
		return
	}

	sent := s.dispatcher.Dispatch(req.ChannelID, event)
	online := sent > 0
	if !online && s.discovery != nil {
		online = s.discovery.Status(r.Context(), req.ChannelID).Online
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, SentCount: sent, Online: online})
}

// handleStore serves POST /store: append an event to a channel's replay
// history without delivering it. Clients pick it up on their next
// reconnect with a cursor.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if req.EventType == "" {
		req.EventType = "message"
	}

	event := sse.Event{Type: req.EventType, Data: req.Data, ID: uuid.NewString()}
	streamID := s.dispatcher.StoreOnly(r.Context(), req.ChannelID, event)
	writeJSON(w, http.StatusOK, storeResponse{Success: true, StreamID: streamID})
}

// handleStats serves GET /stats: a snapshot of this instance's connections.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.List()
	out := statsResponse{
		TotalConnections: len(conns),
		Connections:      make([]connectionStats, 0, len(conns)),
	}
	for _, c := range conns {
		out.Connections = append(out.Connections, connectionStats{
			ID:          c.ID,
			ChannelID:   c.ChannelID,
			ConnectedAt: c.Metadata.ConnectedAt.Format(time.RFC3339),
			IsActive:    c.IsActive(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChannel serves GET /channel/{id}: where a channel lives.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, "/channel/")
	if channelID == "" || strings.Contains(channelID, "/") {
		writeError(w, http.StatusBadRequest, "channel id is required")
		return
	}

	resp := channelResponse{
		ChannelID:        channelID,
		LocalSubscribers: s.registry.ChannelCount(channelID),
	}
	resp.Online = resp.LocalSubscribers > 0
	if s.discovery != nil {
		status := s.discovery.Status(r.Context(), channelID)
		if status.Online {
			resp.Online = true
			resp.InstanceID = status.InstanceID
			resp.InstanceAddress = status.InstanceAddress
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth serves GET /health: process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"instance_id": s.registry.InstanceID(),
		"connections": s.registry.Count(),
	})
}

// handleReady serves GET /ready: readiness including the replay store.
// The gateway still serves realtime traffic when the store is down, so a
// degraded store is reported but not a readiness failure.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"store": map[string]interface{}{
			"name":      s.store.Name(),
			"available": s.store.IsAvailable(),
		},
	})
}
