// Package feed implements the persistent push-socket market data client.
//
// One Feed instance per process owns a single WebSocket connection:
//
//  1. authorize() via REST obtains a single-use feed URL
//  2. the socket is dialed and a full-mode subscribe message is sent
//  3. binary length-delimited frames are decoded into FeedMessages
//  4. each message is dispatched to the callbacks registered for its
//     instrument key, in arrival order per instrument
//
// A single reader goroutine owns the receive side of the socket. Dispatch is
// per-instrument: each subscribed instrument gets a small mailbox and a
// dispatcher goroutine, so callbacks for one instrument run serially while
// different instruments proceed in parallel. When a mailbox overflows, older
// ticks are coalesced (latest wins) — acceptable because consumers are
// idempotent and only the latest price matters for mark-to-market.
//
// On transport errors the feed reconnects with exponential backoff
// (5, 10, 20, 40, 80s; max 5 attempts) and resubscribes the full remembered
// instrument set. After max attempts it stays DISCONNECTED and consumers
// fall through to REST.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the feed connection state.
type State string

const (
	StateInit         State = "INIT"
	StateAuth         State = "AUTH"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateTerminated   State = "TERMINATED"
)

const (
	mailboxSize  = 16
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
	pingInterval = 50 * time.Second
)

// Authorizer fetches the one-shot WebSocket URL. Satisfied by broker.Client.
type Authorizer interface {
	AuthorizeFeed(ctx context.Context) (string, error)
}

// Callback receives decoded ticks for one instrument. Callbacks must not
// block; long work belongs on the caller's own goroutine.
type Callback func(FeedMessage)

// subscribeMsg is the JSON control message sent after connecting.
type subscribeMsg struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

// dispatcher serializes callback invocation for one instrument.
type dispatcher struct {
	ch   chan FeedMessage
	done chan struct{}
}

// Feed is the push-socket client. One instance per process.
type Feed struct {
	auth   Authorizer
	logger *slog.Logger

	maxReconnects int
	reconnectBase time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex // guards conn writes and replacement

	stateMu sync.RWMutex
	state   State

	// subscribed is the full remembered instrument set, replayed on every
	// (re)connect. pending holds keys queued while disconnected.
	subMu      sync.Mutex
	subscribed map[string]bool
	pending    []string

	cbMu      sync.RWMutex
	callbacks map[string][]Callback

	dispMu      sync.Mutex
	dispatchers map[string]*dispatcher

	lastMu    sync.RWMutex
	lastTick  map[string]FeedMessage
	lastRecvd time.Time

	wg sync.WaitGroup
}

// New creates a feed client. Run must be called to connect.
func New(auth Authorizer, maxReconnects int, reconnectBase time.Duration, logger *slog.Logger) *Feed {
	if maxReconnects <= 0 {
		maxReconnects = 5
	}
	if reconnectBase <= 0 {
		reconnectBase = 5 * time.Second
	}
	return &Feed{
		auth:          auth,
		logger:        logger.With("component", "feed"),
		maxReconnects: maxReconnects,
		reconnectBase: reconnectBase,
		state:         StateInit,
		subscribed:    make(map[string]bool),
		callbacks:     make(map[string][]Callback),
		dispatchers:   make(map[string]*dispatcher),
		lastTick:      make(map[string]FeedMessage),
	}
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

func (f *Feed) setState(s State) {
	f.stateMu.Lock()
	f.state = s
	f.stateMu.Unlock()
}

// Connected reports whether the socket is live.
func (f *Feed) Connected() bool { return f.State() == StateConnected }

// LastPrice returns the most recent tick for an instrument, if any.
func (f *Feed) LastPrice(key string) (FeedMessage, bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	msg, ok := f.lastTick[key]
	return msg, ok
}

// LastMessageAt returns when the reader last received any frame. Zero until
// the first frame arrives. Used by the feed-dead breaker.
func (f *Feed) LastMessageAt() time.Time {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	return f.lastRecvd
}

// OnTick registers a callback for an instrument key. Multiple callbacks per
// key are invoked in registration order.
func (f *Feed) OnTick(key string, cb Callback) {
	f.cbMu.Lock()
	f.callbacks[key] = append(f.callbacks[key], cb)
	f.cbMu.Unlock()
}

// RemoveCallbacks drops all callbacks for a key and stops its dispatcher.
func (f *Feed) RemoveCallbacks(key string) {
	f.cbMu.Lock()
	delete(f.callbacks, key)
	f.cbMu.Unlock()

	f.dispMu.Lock()
	if d, ok := f.dispatchers[key]; ok {
		close(d.done)
		delete(f.dispatchers, key)
	}
	f.dispMu.Unlock()
}

// Subscribe adds instruments to the feed. If connected, the subscribe message
// goes out immediately; otherwise the keys are queued and sent on the next
// successful connect.
func (f *Feed) Subscribe(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	f.subMu.Lock()
	fresh := keys[:0:0]
	for _, k := range keys {
		if !f.subscribed[k] {
			f.subscribed[k] = true
			fresh = append(fresh, k)
		}
	}
	connected := f.State() == StateConnected
	if !connected {
		f.pending = append(f.pending, fresh...)
	}
	f.subMu.Unlock()

	if !connected || len(fresh) == 0 {
		return nil
	}
	return f.sendSubscribe(fresh)
}

// Unsubscribe removes instruments from the remembered set.
func (f *Feed) Unsubscribe(keys []string) error {
	f.subMu.Lock()
	for _, k := range keys {
		delete(f.subscribed, k)
	}
	connected := f.State() == StateConnected
	f.subMu.Unlock()

	if !connected {
		return nil
	}
	return f.sendControl("unsub", keys)
}

// Run connects and maintains the feed until ctx is cancelled or the
// reconnect budget is exhausted. It returns nil on cancellation and an error
// when the feed gives up; in both cases the state reflects the outcome.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(StateTerminated)
			return nil
		}

		f.setState(StateDisconnected)
		attempts++
		if attempts > f.maxReconnects {
			f.logger.Error("feed reconnect budget exhausted, staying disconnected",
				"attempts", attempts-1)
			return fmt.Errorf("feed disconnected after %d reconnect attempts: %w", attempts-1, err)
		}

		// 5, 10, 20, 40, 80s
		backoff := f.reconnectBase << (attempts - 1)
		f.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			f.setState(StateTerminated)
			return nil
		case <-time.After(backoff):
		}
	}
}

// Disconnect cancels the reader and closes the socket. Queued messages are
// dropped.
func (f *Feed) Disconnect() {
	f.setState(StateTerminated)
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	f.dispMu.Lock()
	for key, d := range f.dispatchers {
		close(d.done)
		delete(f.dispatchers, key)
	}
	f.dispMu.Unlock()
	f.wg.Wait()
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.setState(StateAuth)
	wsURL, err := f.auth.AuthorizeFeed(ctx)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	f.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		if f.conn == conn {
			f.conn = nil
		}
		f.connMu.Unlock()
	}()

	// Resubscribe the full remembered set (includes anything queued while
	// disconnected).
	f.subMu.Lock()
	all := make([]string, 0, len(f.subscribed))
	for k := range f.subscribed {
		all = append(all, k)
	}
	f.pending = nil
	f.subMu.Unlock()

	f.setState(StateConnected)
	if len(all) > 0 {
		if err := f.sendSubscribe(all); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	f.logger.Info("feed connected", "instruments", len(all))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	// Single reader loop: sole owner of the receive side.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msgs, err := decodeFrames(data)
		if err != nil {
			f.logger.Warn("bad feed frame", "error", err)
		}
		for _, msg := range msgs {
			f.accept(msg)
		}
	}
}

// accept records the latest tick and routes the message to the instrument's
// dispatcher.
func (f *Feed) accept(msg FeedMessage) {
	f.lastMu.Lock()
	f.lastTick[msg.InstrumentKey] = msg
	f.lastRecvd = time.Now()
	f.lastMu.Unlock()

	f.cbMu.RLock()
	_, wanted := f.callbacks[msg.InstrumentKey]
	f.cbMu.RUnlock()
	if !wanted {
		return
	}

	d := f.dispatcherFor(msg.InstrumentKey)
	select {
	case d.ch <- msg:
	default:
		// Mailbox full: coalesce by dropping the oldest queued tick.
		select {
		case <-d.ch:
		default:
		}
		select {
		case d.ch <- msg:
		default:
		}
	}
}

func (f *Feed) dispatcherFor(key string) *dispatcher {
	f.dispMu.Lock()
	defer f.dispMu.Unlock()
	if d, ok := f.dispatchers[key]; ok {
		return d
	}
	d := &dispatcher{
		ch:   make(chan FeedMessage, mailboxSize),
		done: make(chan struct{}),
	}
	f.dispatchers[key] = d
	f.wg.Add(1)
	go f.dispatchLoop(key, d)
	return d
}

// dispatchLoop invokes callbacks serially for one instrument, preserving
// arrival order.
func (f *Feed) dispatchLoop(key string, d *dispatcher) {
	defer f.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.ch:
			f.cbMu.RLock()
			cbs := f.callbacks[key]
			f.cbMu.RUnlock()
			for _, cb := range cbs {
				cb(msg)
			}
		}
	}
}

func (f *Feed) sendSubscribe(keys []string) error {
	return f.sendControl("sub", keys)
}

func (f *Feed) sendControl(method string, keys []string) error {
	msg := subscribeMsg{GUID: uuid.NewString(), Method: method}
	msg.Data.Mode = "full"
	msg.Data.InstrumentKeys = keys

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != conn {
				f.connMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("feed ping failed", "error", err)
				return
			}
		}
	}
}
