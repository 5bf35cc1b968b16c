// Package live subscribes to the topic-scoped push channel and turns inbound
// frames into typed events. It owns the websocket lifecycle: join on connect,
// re-affirm the join shortly after and then periodically, probe liveness when
// events arrive after a quiet period, and reconnect with a fresh join when
// the transport dies.
package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/models"
)

type Settings struct {
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	// RejoinDelay re-affirms the join once, shortly after subscribing, in
	// case the first join raced the connection setup.
	RejoinDelay time.Duration
	// RejoinInterval re-affirms the join for as long as the subscription
	// lives, guarding against silent server-side scope expiry.
	RejoinInterval time.Duration
	// ProbeInterval is how long the subscription trusts the transport after
	// the last successful round trip before probing again.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   5 * time.Second,
		RejoinDelay:      1 * time.Second,
		RejoinInterval:   25 * time.Second,
		ProbeInterval:    10 * time.Second,
		ProbeTimeout:     3 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// Event is the tagged union of everything the push channel can deliver.
type Event interface {
	isEvent()
}

type CreatedEvent struct {
	Topic    string
	Origin   string
	Comment  *models.Comment
	ParentID string
}

type UpdatedEvent struct {
	Topic     string
	Origin    string
	CommentID string
	Content   string
}

type DeletedEvent struct {
	Topic     string
	Origin    string
	CommentID string
	ParentID  string
}

// ReconnectedEvent fires after the transport has been re-established and the
// topic re-joined.
type ReconnectedEvent struct{}

func (CreatedEvent) isEvent()     {}
func (UpdatedEvent) isEvent()     {}
func (DeletedEvent) isEvent()     {}
func (ReconnectedEvent) isEvent() {}

// Handler receives events in connection order. Calls are sequential; the
// handler must not block for long or the read loop stalls.
type Handler func(Event)

type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	topic    models.Topic
	clientID string
	handler  Handler
	settings *Settings

	mu            sync.Mutex
	conn          *websocket.Conn
	lastRoundTrip time.Time
	probing       bool
}

// Subscribe opens the push channel for one topic and starts delivering
// events to handler. The subscription keeps itself alive until Close.
func Subscribe(ctx context.Context, url string, topic models.Topic, clientID string, handler Handler, settings *Settings) *Subscription {
	if settings == nil {
		settings = DefaultSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		topic:    topic,
		clientID: clientID,
		handler:  handler,
		settings: settings,
	}
	go s.run()

	return s
}

// Topic reports the scope this subscription is joined to.
func (s *Subscription) Topic() models.Topic {
	return s.topic
}

// Close tears the subscription down. All timers stop and the connection is
// released; safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscription) run() {
	first := true
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{HandshakeTimeout: s.settings.HandshakeTimeout}
		conn, _, err := dialer.DialContext(s.ctx, s.url, nil)
		if err != nil {
			log.Errorf("[live][topic:%s] dial %s: %v", s.topic.Key(), s.url, err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.settings.ReconnectDelay):
				continue
			}
		}

		s.mu.Lock()
		s.conn = conn
		s.lastRoundTrip = time.Now()
		s.probing = false
		s.mu.Unlock()

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
			s.mu.Lock()
			s.lastRoundTrip = time.Now()
			s.probing = false
			s.mu.Unlock()
			return nil
		})

		// Control frames never surface from ReadMessage, so the server's
		// liveness pings must refresh the read deadline here or a quiet
		// topic would time out and redial on a perfectly healthy
		// connection.
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
			s.mu.Lock()
			s.lastRoundTrip = time.Now()
			s.probing = false
			s.mu.Unlock()
			return s.pong(conn, appData)
		})

		if err := s.send(conn, models.ControlFrame{Action: models.ActionJoin, Topic: s.topic.Key(), ClientID: s.clientID}); err != nil {
			log.Errorf("[live][topic:%s] join: %v", s.topic.Key(), err)
			conn.Close()
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.settings.ReconnectDelay):
			}
			continue
		}

		if !first {
			s.handler(ReconnectedEvent{})
		}
		first = false

		connCtx, connCancel := context.WithCancel(s.ctx)
		go s.rejoinLoop(connCtx, conn)

		s.readLoop(conn)
		connCancel()
		conn.Close()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.settings.ReconnectDelay):
		}
	}
}

// rejoinLoop re-affirms the join once after a short delay, then on a fixed
// interval until the connection is torn down.
func (s *Subscription) rejoinLoop(ctx context.Context, conn *websocket.Conn) {
	delay := time.NewTimer(s.settings.RejoinDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
		s.rejoin(conn)
	}

	ticker := time.NewTicker(s.settings.RejoinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rejoin(conn)
		}
	}
}

func (s *Subscription) rejoin(conn *websocket.Conn) {
	if err := s.send(conn, models.ControlFrame{Action: models.ActionJoin, Topic: s.topic.Key(), ClientID: s.clientID}); err != nil {
		log.Errorf("[live][topic:%s] rejoin: %v", s.topic.Key(), err)
	} else {
		log.Debugf("[live][topic:%s] rejoined", s.topic.Key())
	}
}

func (s *Subscription) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				log.Errorf("[live][topic:%s] read: %v", s.topic.Key(), err)
			}
			return
		}

		var frame models.EventFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Errorf("[live][topic:%s] malformed frame: %v", s.topic.Key(), err)
			continue
		}

		s.probeIfStale(conn)
		s.dispatch(frame, conn)
	}
}

// probeIfStale sends a ping when no round trip succeeded recently. A missing
// pong closes the connection, which forces the run loop to reconnect and
// re-join.
func (s *Subscription) probeIfStale(conn *websocket.Conn) {
	s.mu.Lock()
	if s.probing || time.Since(s.lastRoundTrip) < s.settings.ProbeInterval {
		s.mu.Unlock()
		return
	}
	s.probing = true
	sentAt := time.Now()
	s.mu.Unlock()

	if err := s.writeControl(conn, websocket.PingMessage); err != nil {
		log.Errorf("[live][topic:%s] probe: %v", s.topic.Key(), err)
		conn.Close()
		return
	}

	time.AfterFunc(s.settings.ProbeTimeout, func() {
		s.mu.Lock()
		failed := s.lastRoundTrip.Before(sentAt)
		s.probing = false
		s.mu.Unlock()
		if failed {
			log.Warnf("[live][topic:%s] probe timed out, forcing reconnect", s.topic.Key())
			conn.Close()
		}
	})
}

func (s *Subscription) dispatch(frame models.EventFrame, conn *websocket.Conn) {
	// Frames for other topics are not ours to apply.
	if frame.Topic != "" && frame.Topic != s.topic.Key() {
		return
	}

	switch frame.Event {
	case models.EventCommentCreated:
		if frame.Comment == nil {
			log.Debugf("[live][topic:%s] created event without comment", s.topic.Key())
			return
		}
		s.handler(CreatedEvent{
			Topic:    frame.Topic,
			Origin:   frame.Origin,
			Comment:  frame.Comment,
			ParentID: frame.ParentCommentID,
		})
	case models.EventCommentUpdated:
		s.handler(UpdatedEvent{
			Topic:     frame.Topic,
			Origin:    frame.Origin,
			CommentID: frame.CommentID,
			Content:   frame.Content,
		})
	case models.EventCommentDeleted:
		s.handler(DeletedEvent{
			Topic:     frame.Topic,
			Origin:    frame.Origin,
			CommentID: frame.CommentID,
			ParentID:  frame.ParentCommentID,
		})
	case models.EventConnect:
		// The server re-established our transport; the scope join may be
		// gone with the old connection.
		s.rejoin(conn)
		s.handler(ReconnectedEvent{})
	default:
		log.Debugf("[live][topic:%s] unknown event %q", s.topic.Key(), frame.Event)
	}
}

func (s *Subscription) send(conn *websocket.Conn, frame models.ControlFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))

	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Subscription) writeControl(conn *websocket.Conn, messageType int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return conn.WriteControl(messageType, nil, time.Now().Add(s.settings.WriteTimeout))
}

func (s *Subscription) pong(conn *websocket.Conn, appData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.settings.WriteTimeout))
}
