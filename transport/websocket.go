package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/pulsekit/logging"
	"github.com/vinayprograms/pulsekit/registry"
)

// FeedServer upgrades viewer requests to WebSocket and streams their feed.
type FeedServer struct {
	feed     Feed
	config   Config
	upgrader *websocket.Upgrader
	log      *logging.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewFeedServer creates a WebSocket feed handler.
func NewFeedServer(feed Feed, cfg Config, log *logging.Logger) *FeedServer {
	if log == nil {
		log = logging.Discard()
	}
	return &FeedServer{
		feed:     feed,
		config:   cfg.withDefaults(),
		upgrader: NewWebSocketUpgrader(),
		log:      log.WithComponent("feed.ws"),
		sessions: make(map[*wsSession]struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// SetCheckOrigin replaces the upgrader's origin policy.
func (s *FeedServer) SetCheckOrigin(fn func(r *http.Request) bool) {
	s.upgrader.CheckOrigin = fn
}

// Sessions returns the number of connected viewers.
func (s *FeedServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeHTTP resolves the viewer, subscribes, upgrades and streams until the
// viewer disconnects or the server shuts down.
func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.config.Identity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	consumer, err := s.feed.Subscribe(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.feed.Unsubscribe(consumer)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.WithUser(userID).Debug("upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	sess := &wsSession{conn: conn, consumer: consumer, config: s.config, done: make(chan struct{})}
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	log := s.log.WithUser(userID)
	log.Debug("viewer connected", logging.Fields{"consumer": consumer.ID()})
	sess.run()
	log.Debug("viewer disconnected", logging.Fields{"consumer": consumer.ID()})
}

func (s *FeedServer) track(sess *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *FeedServer) untrack(sess *wsSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// OnShutdown closes every session and waits for their handlers to return.
func (s *FeedServer) OnShutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wsSession is one connected viewer.
type wsSession struct {
	conn     *websocket.Conn
	consumer *registry.Consumer
	config   Config

	mu   sync.Mutex // serializes writes
	once sync.Once
	done chan struct{}
}

// run blocks until the viewer goes away, the consumer closes or close is
// called.
func (s *wsSession) run() {
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	go s.readLoop()
	s.writeLoop()
	s.close(websocket.CloseNormalClosure)
}

// readLoop discards viewer input and notices disconnects.
func (s *wsSession) readLoop() {
	defer s.close(websocket.CloseNormalClosure)

	if s.config.PingInterval > 0 {
		wait := 2 * s.config.PingInterval
		s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *wsSession) writeLoop() {
	ping, stop := ticker(s.config.PingInterval)
	defer stop()

	updates := s.consumer.Updates()
	for {
		select {
		case <-s.done:
			return
		case <-ping:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case info, ok := <-updates:
			if !ok {
				return
			}
			data, err := MarshalUpdate(info)
			if err != nil {
				continue
			}
			if err := s.write(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(s.config.WriteTimeout)
	if messageType == websocket.PingMessage {
		return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(messageType, data)
}

// close sends a close frame once and tears the connection down.
func (s *wsSession) close(code int) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(time.Second))
		s.mu.Unlock()
		s.conn.Close()
	})
}
