// Package wstream manages long-lived combined-stream WebSocket
// connections with exponential backoff reconnect and a silence
// watchdog, routing decoded events to per-kind handlers in arrival
// order.
package wstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// AlertEmitter is the narrow surface WSManager needs from the
// AlertRouter; kept as an interface here to avoid a package cycle.
type AlertEmitter interface {
	Emit(req domain.AlertRequest)
}

var backoffSchedule = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
	80 * time.Second, 160 * time.Second, 300 * time.Second,
}

const watchdogTimeout = 30 * time.Second

// wsDownGrace is a var, not a const, so tests can shrink it instead of
// waiting out the real 30s grace period.
var wsDownGrace = 30 * time.Second

// Handler receives a decoded stream message.
type Handler func(kind StreamKind, data json.RawMessage)

// Conn is one logical combined-stream connection (one of: spot depth,
// spot trade, futures depth, futures trade, futures liquidation).
type Conn struct {
	Name    string
	URL     string
	Handler Handler

	alerts AlertEmitter
	topic  string // topic_key used for this connection's ws_down/ws_recover alerts
	log    zerolog.Logger

	mu          sync.Mutex
	running     bool
	connected   bool
	backoffStep int
	watchdogHit bool

	downSince   time.Time // zero when connected; set once when a disconnect begins, cleared on recovery
	downAlerted bool      // true once ws_down has fired for the current outage, so it isn't repeated per failed retry

	cancel context.CancelFunc
}

// NewConn builds a connection descriptor. alerts may be nil in tests.
func NewConn(name, url string, handler Handler, alerts AlertEmitter, topic string, log zerolog.Logger) *Conn {
	return &Conn{
		Name: name, URL: url, Handler: handler,
		alerts: alerts, topic: topic,
		log: log.With().Str("stream", name).Logger(),
	}
}

// Run drives the reconnect loop until ctx is cancelled (operator
// shutdown). It never returns an error to the caller: every failure
// class is recovered locally per the component's own policy.
func (c *Conn) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.connected = false
			c.mu.Unlock()
			return
		default:
		}

		c.runOnce(ctx)

		c.mu.Lock()
		c.connected = false
		if c.downSince.IsZero() {
			c.downSince = time.Now()
		}
		downSince := c.downSince
		alreadyAlerted := c.downAlerted
		watchdogInduced := c.watchdogHit
		c.watchdogHit = false
		stillRunning := c.running
		c.mu.Unlock()

		if !stillRunning {
			return // operator shutdown: terminate, do not reconnect
		}

		if watchdogInduced {
			c.mu.Lock()
			c.backoffStep = 0
			c.mu.Unlock()
			continue // reconnect immediately, backoff already reset
		}

		if !alreadyAlerted && time.Since(downSince) >= wsDownGrace {
			c.mu.Lock()
			c.downAlerted = true
			c.mu.Unlock()
			c.emitSystemAlert(domain.AlertWSDown, "connection %s down")
		}

		c.sleepBackoff(ctx)
	}
}

func (c *Conn) sleepBackoff(ctx context.Context) {
	c.mu.Lock()
	step := c.backoffStep
	if step < len(backoffSchedule)-1 {
		c.backoffStep++
	}
	c.mu.Unlock()

	wait := backoffSchedule[step]
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// runOnce dials, reads until error/cancellation/watchdog-fire, and
// returns. It never holds c.mu across I/O.
func (c *Conn) runOnce(ctx context.Context) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.URL, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("dial failed")
		return
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	firstMessage := true
	wasReconnect := c.hadPriorFailure()

	watchdog := time.NewTimer(watchdogTimeout)
	defer watchdog.Stop()
	msgCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- data:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-watchdog.C:
			c.mu.Lock()
			c.watchdogHit = true
			c.mu.Unlock()
			return // forces conn.Close via defer, read goroutine exits
		case err := <-errCh:
			c.log.Warn().Err(err).Msg("read error")
			return
		case data := <-msgCh:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(watchdogTimeout)

			c.mu.Lock()
			c.connected = true
			c.backoffStep = 0
			c.downSince = time.Time{}
			c.downAlerted = false
			c.mu.Unlock()

			if firstMessage {
				firstMessage = false
				if wasReconnect {
					c.emitSystemAlert(domain.AlertWSRecover, "connection %s recovered")
				}
			}

			kind, payload, perr := parseEnvelope(data)
			if perr != nil {
				c.log.Debug().Err(perr).Msg("envelope decode failed")
				continue
			}
			if c.Handler != nil {
				c.Handler(kind, payload)
			}
		}
	}
}

func (c *Conn) hadPriorFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffStep > 0
}

func (c *Conn) emitSystemAlert(kind domain.AlertKind, template string) {
	if c.alerts == nil {
		return
	}
	name := c.Name
	c.alerts.Emit(domain.AlertRequest{
		Kind:        kind,
		TopicKey:    c.topic,
		Fingerprint: string(kind) + ":" + name,
		ProducedAt:  time.Now(),
		Render: func() (string, string) {
			return fmt.Sprintf(template, name), "text"
		},
	})
}

// Manager owns the full set of logical connections for both markets:
// two depth streams, two trade streams, one liquidation stream.
type Manager struct {
	conns []*Conn
	wg    sync.WaitGroup
}

func NewManager() *Manager { return &Manager{} }

// Add registers a connection to be started by Start.
func (m *Manager) Add(c *Conn) { m.conns = append(m.conns, c) }

// Start launches one goroutine per registered connection.
func (m *Manager) Start(ctx context.Context) {
	for _, c := range m.conns {
		m.wg.Add(1)
		go func(c *Conn) {
			defer m.wg.Done()
			c.Run(ctx)
		}(c)
	}
}

// Wait blocks until every connection goroutine has returned (operator
// shutdown completed).
func (m *Manager) Wait() { m.wg.Wait() }
