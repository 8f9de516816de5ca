package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vinayprograms/pulsekit/logging"
)

// SSEFeedServer streams a viewer's feed as Server-Sent Events, for clients
// that cannot hold a WebSocket.
type SSEFeedServer struct {
	feed   Feed
	config Config
	log    *logging.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSSEFeedServer creates an SSE feed handler.
func NewSSEFeedServer(feed Feed, cfg Config, log *logging.Logger) *SSEFeedServer {
	if log == nil {
		log = logging.Discard()
	}
	return &SSEFeedServer{
		feed:   feed,
		config: cfg.withDefaults(),
		log:    log.WithComponent("feed.sse"),
		done:   make(chan struct{}),
	}
}

// ServeHTTP streams updates until the client disconnects, the consumer
// closes or the server shuts down.
func (s *SSEFeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat, stop := ticker(s.config.PingInterval)
	defer stop()

	rc := http.NewResponseController(w)
	updates := consumer.Updates()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case info, ok := <-updates:
			if !ok {
				return
			}
			data, err := MarshalUpdate(info)
			if err != nil {
				continue
			}
			rc.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.log.WithUser(userID).Debug("write failed", logging.Fields{"error": err.Error()})
				return
			}
			flusher.Flush()
		}
	}
}

// OnShutdown ends every stream and waits for the handlers to return.
func (s *SSEFeedServer) OnShutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

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
