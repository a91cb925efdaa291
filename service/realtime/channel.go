package realtime

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"PAccess/logger"
	"PAccess/service/storage"
	safe "PAccess/tools/safe"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	URL string // ws:// 或 wss:// 事件源地址

	MaxAttempts      int           // 自动重连上限（默认 5）
	BaseDelay        time.Duration // 退避基数（默认 1s）
	MaxDelay         time.Duration // 退避上限（默认 30s）
	HandshakeTimeout time.Duration // 握手超时（默认 10s）
	WriteTimeout     time.Duration // 单次写超时（默认 5s）
	SendQueueSize    int           // 发送队列长度（默认 64）

	Dialer *websocket.Dialer // 可注入（单测用）；nil => 默认 Dialer
}

func (c *Conf) norm() {
	c.MaxAttempts = safe.DefaultInt(c.MaxAttempts, 5)
	c.BaseDelay = safe.DefaultDuration(c.BaseDelay, time.Second)
	c.MaxDelay = safe.DefaultDuration(c.MaxDelay, 30*time.Second)
	c.HandshakeTimeout = safe.DefaultDuration(c.HandshakeTimeout, 10*time.Second)
	c.WriteTimeout = safe.DefaultDuration(c.WriteTimeout, 5*time.Second)
	c.SendQueueSize = safe.DefaultInt(c.SendQueueSize, 64)
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	}
}

// Event is one inbound message from the live event source. Consumed once by
// the sync bridge and discarded; nothing here is persisted.
type Event struct {
	Kind       string         `json:"type"`
	Payload    map[string]any `json:"data,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Message    string         `json:"message,omitempty"`
	ReceivedAt time.Time      `json:"-"`
}

// TokenSource is the credential query the channel uses at dial time. The
// channel never caches the token across a refresh. Satisfied by storage.Store.
type TokenSource interface {
	Current() storage.Credentials
}

// Channel maintains the single logical connection to the event source and
// reconnects with capped exponential backoff. At most one physical connection
// attempt is ever in flight.
type Channel struct {
	conf   Conf
	tokens TokenSource

	mu             sync.Mutex
	state          State
	attempts       int
	lastErr        error
	gen            uint64 // bumps on Start/Stop; stale dial and timer callbacks check it
	conn           *websocket.Conn
	connID         string
	sendCh         chan []byte
	done           chan struct{} // closes with the current physical connection
	reconnectTimer *time.Timer
	lastEvent      *Event

	lmu       sync.RWMutex
	subs      []func(Event)
	stateSubs []func(State)
}

func NewChannel(conf Conf, tokens TokenSource) *Channel {
	conf.norm()
	return &Channel{conf: conf, tokens: tokens, state: StateIdle}
}

// Subscribe registers an event observer. Observers run on the read pump
// goroutine, so delivery order matches arrival order on one connection.
func (c *Channel) Subscribe(fn func(Event)) {
	c.lmu.Lock()
	c.subs = append(c.subs, fn)
	c.lmu.Unlock()
}

// SubscribeState registers a connectivity observer (UI disconnected badge).
// Observers run with the channel lock held and must not call back into the
// channel.
func (c *Channel) SubscribeState(fn func(State)) {
	c.lmu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.lmu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent transport error, nil while healthy.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempts returns the current reconnect attempt count.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastEvent returns the most recently received event, nil before the first.
func (c *Channel) LastEvent() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastEvent == nil {
		return nil
	}
	ev := *c.lastEvent
	return &ev
}

// ===== 生命周期 =====

// Start opens the connection. No-op without a session token, and re-entrant:
// calling it while Connecting or Open never produces a second physical
// connection. From Failed it resets the attempt counter and dials again
// (manual recovery path).
func (c *Channel) Start() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	if c.tokens.Current().AccessToken == "" {
		c.mu.Unlock()
		logger.Debug("realtime start skipped: no session")
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == StateFailed {
		c.attempts = 0
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	safe.Go("realtime.dial", func() { c.dial(gen) })
}

// Stop cancels any pending reconnect, closes the socket and returns to Idle.
// Must be called when the session ends, so the channel never dials with a
// stale or absent credential.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.closeConnLocked()
	c.attempts = 0
	c.lastErr = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// Send queues a JSON message for the server. Only valid in Open; in any other
// state it is a warn-level no-op; callers must not assume delivery.
func (c *Channel) Send(v any) {
	c.mu.Lock()
	if c.state != StateOpen || c.sendCh == nil {
		st := c.state
		c.mu.Unlock()
		logger.Warn("realtime send dropped: channel not open", zap.Stringer("state", st))
		return
	}
	ch := c.sendCh
	c.mu.Unlock()

	raw, err := json.Marshal(v)
	if err != nil {
		logger.Warn("realtime send dropped: encode failed", zap.Error(err))
		return
	}
	select {
	case ch <- raw:
	default:
		logger.Warn("realtime send dropped: queue full")
	}
}

// ===== 连接与泵 =====

func (c *Channel) dial(gen uint64) {
	// 拨号时才读取令牌，刷新后的新令牌自然生效。
	token := c.tokens.Current().AccessToken
	u, err := url.Parse(c.conf.URL)
	if err != nil {
		c.handleClose(gen, err)
		return
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := c.conf.Dialer.Dial(u.String(), nil)
	if err != nil {
		c.handleClose(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		// Stop 抢先了，丢弃这条连接。
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connID = uuid.NewString()
	c.sendCh = make(chan []byte, c.conf.SendQueueSize)
	c.done = make(chan struct{})
	c.attempts = 0
	c.lastErr = nil
	c.setStateLocked(StateOpen)
	connID, sendCh, done := c.connID, c.sendCh, c.done
	c.mu.Unlock()

	logger.Info("realtime channel open", zap.String("conn", connID))
	safe.Go("realtime.write", func() { c.writePump(conn, sendCh, done) })
	safe.Go("realtime.read", func() { c.readPump(gen, conn, connID) })
}

func (c *Channel) readPump(gen uint64, conn *websocket.Conn, connID string) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Kind == "" {
			// 坏帧只丢弃，不影响连接。
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warn("realtime frame dropped",
				zap.String("conn", connID), zap.Error(err), zap.ByteString("sample", sample))
			continue
		}
		ev.ReceivedAt = time.Now()

		c.mu.Lock()
		stale := c.gen != gen
		if !stale {
			evCopy := ev
			c.lastEvent = &evCopy
		}
		c.mu.Unlock()
		if stale {
			return
		}

		c.lmu.RLock()
		subs := make([]func(Event), len(c.subs))
		copy(subs, c.subs)
		c.lmu.RUnlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, sendCh chan []byte, done chan struct{}) {
	for {
		select {
		case raw := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debug("realtime write failed", zap.Error(err))
				// 主动关掉连接，读泵立刻出错并走关闭流程。
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// handleClose runs for both dial failures and mid-connection drops. It either
// schedules the next attempt (Closed) or gives up (Failed) once the attempt
// budget is spent.
func (c *Channel) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// Stop 或新一轮 Start 已接管。
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.lastErr = cause

	if c.attempts >= c.conf.MaxAttempts {
		attempts := c.attempts
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		logger.Error("realtime channel failed, manual start required",
			zap.Int("attempts", attempts), zap.Error(cause))
		return
	}

	c.attempts++
	delay := c.backoffDelay(c.attempts)
	c.setStateLocked(StateClosed)
	c.reconnectTimer = time.AfterFunc(delay, func() { c.onReconnect(gen) })
	attempts := c.attempts
	c.mu.Unlock()

	logger.Warn("realtime channel closed, reconnecting",
		zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(cause))
}

func (c *Channel) onReconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	if c.tokens.Current().AccessToken == "" {
		// 会话在等待期间结束了。
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.dial(gen)
}

// backoffDelay = min(MaxDelay, BaseDelay << attempt)，attempt 从 1 开始。
func (c *Channel) backoffDelay(attempt int) time.Duration {
	d := c.conf.BaseDelay << uint(attempt)
	if d <= 0 || d > c.conf.MaxDelay {
		return c.conf.MaxDelay
	}
	return d
}

// closeConnLocked tears down the current physical connection, if any.
func (c *Channel) closeConnLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sendCh = nil
	c.connID = ""
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.lmu.RLock()
	subs := make([]func(State), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.lmu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
