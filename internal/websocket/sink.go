// Package websocket streams crawl events to a live monitoring endpoint.
package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Sink is an io.Writer that forwards each written payload as a text frame.
// Writes never block the crawl: when the buffer is full or the connection is
// down, the payload is dropped and counted.
type Sink struct {
	endpoint string
	headers  http.Header
	dialer   *websocket.Dialer

	buf     chan []byte
	dropped atomic.Int64
	sent    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Options configures a Sink.
type Options struct {
	BufferSize       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Headers          map[string]string
}

// Dial connects to endpoint and starts the writer goroutine.
func Dial(ctx context.Context, endpoint string, opts Options) (*Sink, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	wsURL, err := normalize(endpoint)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	for k, v := range opts.Headers {
		headers.Set(k, v)
	}

	s := &Sink{
		endpoint: wsURL,
		headers:  headers,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		buf:      make(chan []byte, opts.BufferSize),
		done:     make(chan struct{}),
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.pump(conn, opts.WriteTimeout)
	return s, nil
}

func normalize(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	default:
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}

// Write queues p for delivery. It always reports success so a failing
// monitor can never break logging.
func (s *Sink) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case <-s.done:
		s.dropped.Add(1)
	case s.buf <- msg:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *Sink) pump(conn *websocket.Conn, writeTimeout time.Duration) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-s.done:
			// flush what is already queued
			for {
				select {
				case msg := <-s.buf:
					if !s.send(conn, msg, writeTimeout) {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeTimeout))
					return
				}
			}
		case msg := <-s.buf:
			if !s.send(conn, msg, writeTimeout) {
				s.drain()
				return
			}
		}
	}
}

func (s *Sink) send(conn *websocket.Conn, msg []byte, writeTimeout time.Duration) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.dropped.Add(1)
		return false
	}
	s.sent.Add(1)
	return true
}

// drain discards writes after the connection failed.
func (s *Sink) drain() {
	for {
		select {
		case <-s.done:
			return
		case <-s.buf:
			s.dropped.Add(1)
		}
	}
}

// Stats returns delivered and dropped message counts.
func (s *Sink) Stats() (sent, dropped int64) {
	return s.sent.Load(), s.dropped.Load()
}

// Close flushes pending messages and closes the connection.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
