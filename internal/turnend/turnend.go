// Package turnend implements the optional remote end-of-turn classifier.
//
// The energy VAD decides when the user has paused; the classifier decides
// whether that pause is the end of the turn or just a mid-sentence breath. It
// holds one persistent WebSocket per call to a remote prediction service,
// sends the transcript prefix of the current speech segment, and receives a
// {prediction, probability} verdict. When the service is slow or down the
// classifier fails open: "not end of turn", so the stop-seconds timer alone
// decides.
package turnend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default connection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultTimeout    = 800 * time.Millisecond
)

// Prediction is the classifier verdict for a speech segment prefix.
type Prediction struct {
	// EndOfTurn reports whether the segment looks complete.
	EndOfTurn bool

	// Probability is the classifier confidence in [0.0, 1.0].
	Probability float64
}

// request is the JSON payload sent to the prediction service.
type request struct {
	Text string `json:"text"`
}

// response is the JSON verdict received from the prediction service.
type response struct {
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
}

// Classifier maintains a single WebSocket connection to a remote end-of-turn
// prediction service for the lifetime of one call. On disconnect it
// reconnects with exponential backoff and jitter; while disconnected every
// Classify call returns the fail-open verdict.
//
// All methods are safe for concurrent use, though the pipeline calls
// Classify from a single goroutine.
type Classifier struct {
	url     string
	timeout time.Duration
	backoff time.Duration
	maxBack time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Option is a functional option for configuring a Classifier.
type Option func(*Classifier)

// WithTimeout sets how long Classify waits for a verdict before failing open.
// The pipeline passes the workflow's stop-seconds here so a slow classifier
// never delays the turn longer than plain VAD would.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// WithBackoff overrides the reconnect backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Classifier) {
		c.backoff = base
		c.maxBack = cap
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Classifier) { c.log = log }
}

// New creates a Classifier for the given WebSocket URL. No connection is
// opened until Connect.
func New(url string, opts ...Option) (*Classifier, error) {
	if url == "" {
		return nil, errors.New("turnend: url must not be empty")
	}
	c := &Classifier{
		url:     url,
		timeout: defaultTimeout,
		backoff: defaultBackoff,
		maxBack: defaultMaxBackoff,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect dials the prediction service. Call once at pipeline start.
func (c *Classifier) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("turnend: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Classify sends the transcript prefix of the current speech segment and
// waits for the verdict. Any failure (no connection, write error, timeout,
// malformed response) returns the fail-open verdict {EndOfTurn: false} and
// triggers a background reconnect; the error return is informational.
func (c *Classifier) Classify(ctx context.Context, text string) (Prediction, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	failOpen := Prediction{EndOfTurn: false}
	if closed {
		return failOpen, errors.New("turnend: classifier is closed")
	}
	if conn == nil {
		return failOpen, errors.New("turnend: not connected")
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, _ := json.Marshal(request{Text: text})
	if err := conn.Write(reqCtx, websocket.MessageText, payload); err != nil {
		c.scheduleReconnect(ctx, conn)
		return failOpen, fmt.Errorf("turnend: write: %w", err)
	}

	_, msg, err := conn.Read(reqCtx)
	if err != nil {
		// Timeouts poison the websocket read state, so reconnect either way.
		c.scheduleReconnect(ctx, conn)
		if reqCtx.Err() != nil {
			return failOpen, fmt.Errorf("turnend: verdict timed out after %s", c.timeout)
		}
		return failOpen, fmt.Errorf("turnend: read: %w", err)
	}

	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return failOpen, fmt.Errorf("turnend: decode verdict: %w", err)
	}

	return Prediction{
		EndOfTurn:   resp.Prediction == 1,
		Probability: resp.Probability,
	}, nil
}

// scheduleReconnect drops the failed connection and starts a background
// reconnect loop with exponential backoff and jitter. Only one loop runs at a
// time; a loop started for an already-replaced connection exits immediately.
func (c *Classifier) scheduleReconnect(ctx context.Context, failed *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != failed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	failed.Close(websocket.StatusGoingAway, "reconnecting")

	go func() {
		backoff := c.backoff
		for attempt := 1; ; attempt++ {
			// Full jitter keeps a fleet of calls from thundering the
			// prediction service after it restarts.
			delay := time.Duration(rand.Int64N(int64(backoff) + 1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			c.mu.Lock()
			if c.closed || c.conn != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

			conn, _, err := websocket.Dial(ctx, c.url, nil)
			if err == nil {
				c.mu.Lock()
				if c.closed {
					c.mu.Unlock()
					conn.Close(websocket.StatusNormalClosure, "classifier closed")
					return
				}
				c.conn = conn
				c.mu.Unlock()
				c.log.Info("turn-end classifier reconnected", "attempt", attempt)
				return
			}

			c.log.Warn("turn-end classifier reconnect failed",
				"attempt", attempt, "backoff", backoff, "error", err)
			backoff *= 2
			if backoff > c.maxBack {
				backoff = c.maxBack
			}
		}
	}()
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "call ended")
		c.conn = nil
	}
	return nil
}
