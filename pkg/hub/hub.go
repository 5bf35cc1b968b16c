// Package hub implements the server side of the live channel: a websocket
// endpoint where clients join topic scopes and receive comment event frames
// broadcast by the REST handlers. An optional redis pub/sub bridge relays
// frames between service instances so a client connected to one instance
// sees mutations served by another.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/models"
)

type Settings struct {
	WriteTimeout time.Duration
	// PingInterval is how often idle peers are pinged; a peer that misses
	// PongTimeout is dropped.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// SendBuffer is the per-peer outbound frame queue; a peer that cannot
	// drain it is dropped rather than allowed to stall the broadcast.
	SendBuffer int
}

func DefaultSettings() *Settings {
	return &Settings{
		WriteTimeout: 5 * time.Second,
		PingInterval: 25 * time.Second,
		PongTimeout:  60 * time.Second,
		SendBuffer:   32,
	}
}

type Hub struct {
	settings   *Settings
	instanceID string
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	peers  map[*peer]bool
	topics map[string]map[*peer]bool
	closed bool

	rdb     *redis.Client
	channel string
}

type peer struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

func New(settings *Settings) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}

	return &Hub{
		settings:   settings,
		instanceID: uuid.Must(uuid.NewV4()).String(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers:  make(map[*peer]bool),
		topics: make(map[string]map[*peer]bool),
	}
}

// envelope wraps a frame on the redis channel so an instance can skip its
// own publications when they come back around.
type envelope struct {
	Instance string            `json:"instance"`
	Frame    models.EventFrame `json:"frame"`
}

// BridgeRedis relays broadcast frames through a redis pub/sub channel shared
// by all service instances. The bridge runs until ctx is cancelled.
func (h *Hub) BridgeRedis(ctx context.Context, rdb *redis.Client, channel string) {
	h.mu.Lock()
	h.rdb = rdb
	h.channel = channel
	h.mu.Unlock()

	sub := rdb.Subscribe(ctx, channel)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Errorf("[hub] malformed bridge payload: %v", err)
					continue
				}
				if env.Instance == h.instanceID {
					continue
				}
				log.Debugf("[hub] relaying %s for %s from instance %s", env.Frame.Event, env.Frame.Topic, env.Instance)
				h.deliver(env.Frame)
			}
		}
	}()
}

// Broadcast sends an event frame to every peer joined to the frame's topic,
// here and, when the redis bridge is up, on every other instance.
func (h *Hub) Broadcast(frame models.EventFrame) {
	h.deliver(frame)

	h.mu.Lock()
	rdb, channel := h.rdb, h.channel
	h.mu.Unlock()
	if rdb == nil {
		return
	}

	payload, err := json.Marshal(envelope{Instance: h.instanceID, Frame: frame})
	if err != nil {
		log.Errorf("[hub] failed to marshal bridge payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.settings.WriteTimeout)
	defer cancel()
	if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
		log.Errorf("[hub] failed to publish to bridge: %v", err)
	}
}

func (h *Hub) deliver(frame models.EventFrame) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("[hub] failed to marshal frame: %v", err)
		return
	}

	// Queueing happens under the hub lock so a frame can never race the
	// close of a departing peer's send channel.
	h.mu.Lock()
	n := 0
	for p := range h.topics[frame.Topic] {
		n++
		select {
		case p.send <- b:
		default:
			// The peer is not draining its queue; cut it loose and let it
			// reconnect with a fresh join.
			log.Warnf("[hub] dropping slow peer %v", p.conn.RemoteAddr())
			p.conn.Close()
		}
	}
	h.mu.Unlock()

	log.Debugf("[hub] %s delivered to %d peer(s) of %s", frame.Event, n, frame.Topic)
}

// Handler upgrades requests to websocket connections and serves them until
// the peer disconnects or the hub closes.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("[hub] upgrade failed for %v: %v", r.RemoteAddr, err)
			return
		}

		p := &peer{
			conn:   conn,
			send:   make(chan []byte, h.settings.SendBuffer),
			topics: make(map[string]bool),
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.peers[p] = true
		h.mu.Unlock()

		// Tell the client its transport is (re-)established; adapters
		// re-affirm their joins on this frame.
		if b, err := json.Marshal(models.EventFrame{Event: models.EventConnect}); err == nil {
			p.send <- b
		}

		log.Debugf("[hub] peer connected: %v", conn.RemoteAddr())
		go h.writePump(p)
		h.readPump(p)
	})
}

// Close drops every peer. New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

// readPump consumes control frames until the connection dies, then cleans
// the peer out of every topic it joined.
func (h *Hub) readPump(p *peer) {
	defer h.unregister(p)

	p.conn.SetReadDeadline(time.Now().Add(h.settings.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(h.settings.PongTimeout))
		return nil
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			log.Debugf("[hub] peer %v gone: %v", p.conn.RemoteAddr(), err)
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(h.settings.PongTimeout))

		var ctrl models.ControlFrame
		if err := json.Unmarshal(message, &ctrl); err != nil {
			log.Debugf("[hub] malformed control frame from %v: %v", p.conn.RemoteAddr(), err)
			continue
		}

		switch ctrl.Action {
		case models.ActionJoin:
			h.join(p, ctrl.Topic)
		case models.ActionLeave:
			h.leave(p, ctrl.Topic)
		default:
			log.Debugf("[hub] unknown action %q from %v", ctrl.Action, p.conn.RemoteAddr())
		}
	}
}

// writePump owns all writes on the connection: queued frames and the
// periodic pings that police peer liveness.
func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(h.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case b, ok := <-p.send:
			if !ok {
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				p.conn.Close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.conn.Close()
				return
			}
		}
	}
}

// join is idempotent: re-affirmed joins from live adapters land here on
// every rejoin tick.
func (h *Hub) join(p *peer, topic string) {
	if topic == "" {
		return
	}

	p.mu.Lock()
	already := p.topics[topic]
	p.topics[topic] = true
	p.mu.Unlock()

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*peer]bool)
	}
	h.topics[topic][p] = true
	h.mu.Unlock()

	if !already {
		log.Debugf("[hub] peer %v joined %s", p.conn.RemoteAddr(), topic)
	}
}

func (h *Hub) leave(p *peer, topic string) {
	p.mu.Lock()
	delete(p.topics, topic)
	p.mu.Unlock()

	h.mu.Lock()
	h.removeFromTopic(p, topic)
	h.mu.Unlock()

	log.Debugf("[hub] peer %v left %s", p.conn.RemoteAddr(), topic)
}

func (h *Hub) unregister(p *peer) {
	p.conn.Close()

	p.mu.Lock()
	joined := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		joined = append(joined, topic)
	}
	p.topics = make(map[string]bool)
	p.mu.Unlock()

	h.mu.Lock()
	delete(h.peers, p)
	for _, topic := range joined {
		h.removeFromTopic(p, topic)
	}
	close(p.send)
	h.mu.Unlock()
}

// removeFromTopic must run under h.mu.
func (h *Hub) removeFromTopic(p *peer, topic string) {
	if members := h.topics[topic]; members != nil {
		delete(members, p)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}
