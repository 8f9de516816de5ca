package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vinayprograms/pulsekit/heartrate"
	"github.com/vinayprograms/pulsekit/registry"
)

// Common errors.
var (
	ErrNoIdentity = errors.New("viewer identity missing")
	ErrClosed     = errors.New("feed server closed")
)

// Feed opens and closes live consumers. *hub.Hub satisfies it.
type Feed interface {
	Subscribe(userID string) (*registry.Consumer, error)
	Unsubscribe(c *registry.Consumer)
}

// Identity resolves the viewer's user id from an authenticated request.
type Identity func(r *http.Request) (string, error)

// HeaderIdentity reads X-User-ID, falling back to the "user" query parameter.
func HeaderIdentity(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user"); id != "" {
		return id, nil
	}
	return "", ErrNoIdentity
}

// Config holds feed transport configuration.
type Config struct {
	// Identity resolves the viewer. Default: HeaderIdentity.
	Identity Identity

	// WriteTimeout bounds each frame or event write.
	// Default: 10s
	WriteTimeout time.Duration

	// PingInterval for keepalive pings or heartbeats (0 = disabled).
	// Default: 30s
	PingInterval time.Duration

	// MaxMessageSize limits incoming WebSocket frames.
	// Default: 4KB
	MaxMessageSize int64
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Identity:       HeaderIdentity,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Identity == nil {
		c.Identity = d.Identity
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Update is the JSON form of one reading sent to a viewer.
type Update struct {
	SubscriptionID *string `json:"subscriptionId"`
	HeartRate      float64 `json:"heartRate"`
	IsOwn          bool    `json:"isOwn"`
}

// NewUpdate converts a consumer reading. Own readings carry a null
// subscription id.
func NewUpdate(info heartrate.Info) Update {
	u := Update{HeartRate: info.HeartRate, IsOwn: info.IsOwn}
	if info.SubscriptionID != "" {
		id := info.SubscriptionID
		u.SubscriptionID = &id
	}
	return u
}

// MarshalUpdate encodes info for the wire.
func MarshalUpdate(info heartrate.Info) ([]byte, error) {
	return json.Marshal(NewUpdate(info))
}

// ticker returns a channel that fires every interval, or never when the
// interval is zero.
func ticker(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Server wraps an http.Server so it can take part in phased shutdown.
type Server struct {
	srv *http.Server
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops. A graceful stop returns nil.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OnShutdown stops accepting connections and waits for handlers to return.
// Hijacked WebSocket connections are not tracked by http.Server; close them
// through FeedServer.OnShutdown first.
func (s *Server) OnShutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
