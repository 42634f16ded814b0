package source

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/metrics"
)

const (
	streamReadLimit     = 16 << 20
	streamPongWait      = 60 * time.Second
	streamPingPeriod    = 20 * time.Second
	reconnectBase       = time.Second
	reconnectCap        = 30 * time.Second
)

// StreamAdapter is a live source: it keeps a websocket connection to the
// configured URL and accepts each received message as one observation.
// Lost connections are redialed with capped exponential backoff.
type StreamAdapter struct {
	name   string
	config StreamConfig
	accept Accept
	logger *zap.Logger

	// OnError, when set, is told about each failed dial or dropped
	// connection. Set it before Start.
	OnError func(error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStreamAdapter builds a stream adapter from its descriptor config.
func NewStreamAdapter(name string, config StreamConfig, accept Accept, logger *zap.Logger) *StreamAdapter {
	return &StreamAdapter{
		name:   name,
		config: config,
		accept: accept,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *StreamAdapter) Name() string { return s.name }
func (s *StreamAdapter) Kind() Kind   { return KindStream }

func (s *StreamAdapter) Start(ctx context.Context) error {
	go s.run(ctx)
	return nil
}

func (s *StreamAdapter) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *StreamAdapter) run(ctx context.Context) {
	defer close(s.doneCh)

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			metrics.SourceErrors.WithLabelValues(s.name, "dial_failed").Inc()
			if s.OnError != nil {
				s.OnError(err)
			}
			s.logger.Warn("Stream dial failed",
				zap.String("source", s.name),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		backoff = reconnectBase
		s.logger.Info("Stream connected", zap.String("source", s.name), zap.String("url", s.config.URL))
		s.pump(ctx, conn)
	}
}

func (s *StreamAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range s.config.Headers {
		header.Set(k, v)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dctx, s.config.URL, header)
	return conn, err
}

// pump reads messages until the connection drops or the adapter stops.
func (s *StreamAdapter) pump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	closed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-s.stopCh:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	defer close(closed)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			case <-ctx.Done():
			default:
				metrics.SourceErrors.WithLabelValues(s.name, "read_failed").Inc()
				if s.OnError != nil {
					s.OnError(err)
				}
				s.logger.Warn("Stream read failed, reconnecting",
					zap.String("source", s.name), zap.Error(err))
			}
			return
		}

		body := msg
		if !json.Valid(body) {
			wrapped, werr := json.Marshal(map[string]string{"raw": string(msg)})
			if werr != nil {
				continue
			}
			body = wrapped
		}
		if err := s.accept(ctx, s.name, body); err != nil {
			metrics.SourceErrors.WithLabelValues(s.name, "accept_failed").Inc()
			s.logger.Error("Failed to accept stream observation",
				zap.String("source", s.name), zap.Error(err))
			continue
		}
		metrics.SourceEvents.WithLabelValues(s.name, string(KindStream)).Inc()
	}
}
