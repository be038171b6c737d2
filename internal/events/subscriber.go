package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/treesync/internal/remotetree"
)

const (
	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 8 * time.Second
	dialTimeout       = 10 * time.Second
	maxMessageSize    = 4 * 1024 * 1024
)

// Sink receives decoded batches, one call per frame.
type Sink func(remotetree.PushBatch)

type Option func(*Subscriber)

// WithOnConnect registers fn to run after every successful connect. Changes
// sent while disconnected are lost, so callers usually refresh here.
func WithOnConnect(fn func()) Option {
	return func(s *Subscriber) {
		s.onConnect = fn
	}
}

func WithHeader(key, value string) Option {
	return func(s *Subscriber) {
		s.header.Set(key, value)
	}
}

func withBackoff(initial, max time.Duration) Option {
	return func(s *Subscriber) {
		s.initialDelay = initial
		s.maxDelay = max
	}
}

// Subscriber keeps a websocket to the notification service open and forwards
// change frames to a sink.
type Subscriber struct {
	url       string
	clientID  string
	sink      Sink
	onConnect func()
	header    http.Header

	initialDelay time.Duration
	maxDelay     time.Duration

	mu        sync.RWMutex
	connected bool
}

func New(rawURL, clientID string, sink Sink, opts ...Option) *Subscriber {
	s := &Subscriber{
		url:          websocketURL(rawURL, clientID),
		clientID:     clientID,
		sink:         sink,
		header:       make(http.Header),
		initialDelay: reconnectDelay,
		maxDelay:     maxReconnectDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run connects and reconnects with backoff until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.initialDelay
	for attempt := 1; ; attempt++ {
		wasConnected, err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if wasConnected {
			attempt = 1
			delay = s.initialDelay
		}
		if err != nil {
			slog.Warn("events disconnected", "error", err, "attempt", attempt, "retry", delay)
		} else {
			slog.Info("events disconnected", "retry", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
		jitter := time.Duration(rand.Float64() * float64(delay/4))
		delay = delay - (delay / 8) + jitter
	}
}

// serve runs one connection and reports whether the dial succeeded.
func (s *Subscriber) serve(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	s.setConnected(true)
	defer s.setConnected(false)
	slog.Info("events connected", "url", s.url)
	if s.onConnect != nil {
		s.onConnect()
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if isExpectedClose(err) {
				return true, nil
			}
			return true, err
		}

		msg, err := Decode(raw)
		if err != nil {
			slog.Warn("events RECV", "error", err)
			continue
		}
		if msg.Type != TypeChanges {
			slog.Debug("events RECV ignored", "type", msg.Type)
			continue
		}
		batch, err := msg.Batch(s.clientID)
		if err != nil {
			slog.Warn("events RECV", "error", err)
			continue
		}
		if len(batch) > 0 {
			slog.Debug("events RECV", "changes", len(batch), "origin", msg.Origin)
			s.sink(batch)
		}
	}
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func isExpectedClose(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}

// websocketURL converts http(s) urls and adds the client id as a query
// parameter.
func websocketURL(raw, clientID string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + raw[len("http://"):]
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + raw[len("https://"):]
	default:
		raw = "wss://" + raw
	}
	if clientID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("client", clientID)
	u.RawQuery = q.Encode()
	return u.String()
}
