package liveclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection manager. owns the primary full-duplex channel lifecycle and
// routes sends through the fallback path before the primary is usable or
// after it is permanently disabled for the session.

const (
	transportPrimary  = "ws"
	transportFallback = "fallback"

	directionSend    = "send"
	directionReceive = "receive"
)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// a heartbeat ping is written on this interval while the primary is
	// open. absence of any traffic for three intervals is a disconnect
	// signal.
	HeartbeatInterval    time.Duration
	ReconnectBackoffBase time.Duration
	MaxReconnectAttempts int
	HistoryLimit         int
	ReceiveBufferSize    int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		ReconnectBackoffBase: 1 * time.Second,
		MaxReconnectAttempts: 6,
		HistoryLimit:         50,
		ReceiveBufferSize:    32,
	}
}

type ConnectionStats struct {
	Sent              int
	Received          int
	SentByteCount     ByteCount
	ReceivedByteCount ByteCount
	Reconnections     int
	ConnectedAt       time.Time
}

// use this type when counting bytes
type ByteCount = int64

type HistoryEntry struct {
	Time      time.Time
	Direction string
	Transport string
	Type      MessageType
	ByteCount ByteCount
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	settings *ConnectionManagerSettings
	fallback *FallbackTransport

	receive chan *Message

	writeMutex sync.Mutex

	mutex           sync.Mutex
	started         bool
	conn            *websocket.Conn
	connected       bool
	everConnected   bool
	attempt         int
	primaryDisabled bool
	stats           ConnectionStats
	history         []HistoryEntry
	closeCallbacks  []func()
	// set when the primary is disabled for the session
	onPrimaryDisabled func()
	// non-nil while the fallback push stream is running
	streamCancel context.CancelFunc
}

func NewConnectionManager(
	ctx context.Context,
	endpoint string,
	fallback *FallbackTransport,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		endpoint: endpoint,
		settings: settings,
		fallback: fallback,
		receive:  make(chan *Message, settings.ReceiveBufferSize),
	}
}

func (self *ConnectionManager) Receive() <-chan *Message {
	return self.receive
}

// AddCloseCallback registers a callback run on every primary close.
// The runtime uses this to cancel debounce/throttle timers so stale
// callbacks never reference a dead session.
func (self *ConnectionManager) AddCloseCallback(callback func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closeCallbacks = append(self.closeCallbacks, callback)
}

func (self *ConnectionManager) SetPrimaryDisabledCallback(callback func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.onPrimaryDisabled = callback
}

func (self *ConnectionManager) Connect() {
	self.mutex.Lock()
	if self.started {
		self.mutex.Unlock()
		return
	}
	self.started = true
	self.mutex.Unlock()
	go self.run()
}

func (self *ConnectionManager) Disconnect() {
	self.cancel()
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (self *ConnectionManager) PrimaryActive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *ConnectionManager) PrimaryDisabled() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.primaryDisabled
}

func (self *ConnectionManager) Stats() ConnectionStats {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.stats
}

func (self *ConnectionManager) History() []HistoryEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	history := make([]HistoryEntry, len(self.history))
	copy(history, self.history)
	return history
}

// Send routes an outbound message: primary channel when open, otherwise
// the fallback request/response call. Returns whether the message was
// accepted by a transport.
func (self *ConnectionManager) Send(message *Message) bool {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[cm]encode error = %s\n", err)
		return false
	}

	self.mutex.Lock()
	connected := self.connected
	self.mutex.Unlock()

	if connected {
		if self.writePrimary(messageBytes) {
			self.record(directionSend, transportPrimary, message.Type, ByteCount(len(messageBytes)))
			return true
		}
		// fall through to the fallback path
	}
	if self.fallback == nil {
		return false
	}
	response, responseByteCount, err := self.fallback.Call(message)
	if err != nil {
		glog.Infof("[cm]fallback call error = %s\n", err)
		return false
	}
	self.record(directionSend, transportFallback, message.Type, ByteCount(len(messageBytes)))
	if response != nil {
		self.deliver(response, transportFallback, responseByteCount)
	}
	return true
}

// SendBinary writes a binary payload on the primary channel. The
// fallback has no binary capability; callers must treat this as
// unavailable while downgraded.
func (self *ConnectionManager) SendBinary(payload []byte) bool {
	self.mutex.Lock()
	connected := self.connected
	self.mutex.Unlock()
	if !connected {
		return false
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	conn := self.currentConn()
	if conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return false
	}
	self.mutex.Lock()
	self.stats.Sent += 1
	self.stats.SentByteCount += ByteCount(len(payload))
	self.mutex.Unlock()
	return true
}

func (self *ConnectionManager) currentConn() *websocket.Conn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conn
}

func (self *ConnectionManager) writePrimary(messageBytes []byte) bool {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	conn := self.currentConn()
	if conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		// a write deadline timeout on websocket cannot be recovered
		glog.Infof("[cm]-> error = %s\n", err)
		return false
	}
	return true
}

func (self *ConnectionManager) record(direction string, transport string, messageType MessageType, byteCount ByteCount) {
	metricMessages.WithLabelValues(direction, transport).Inc()
	metricMessageBytes.WithLabelValues(direction, transport).Add(float64(byteCount))

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if direction == directionSend {
		self.stats.Sent += 1
		self.stats.SentByteCount += byteCount
	} else {
		self.stats.Received += 1
		self.stats.ReceivedByteCount += byteCount
	}
	self.history = append(self.history, HistoryEntry{
		Time:      time.Now(),
		Direction: direction,
		Transport: transport,
		Type:      messageType,
		ByteCount: byteCount,
	})
	if overflow := len(self.history) - self.settings.HistoryLimit; overflow > 0 {
		self.history = self.history[overflow:]
	}
}

func (self *ConnectionManager) deliver(message *Message, transport string, byteCount ByteCount) {
	self.record(directionReceive, transport, message.Type, byteCount)
	select {
	case <-self.ctx.Done():
	case self.receive <- message:
	}
}

func (self *ConnectionManager) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		conn, _, err := dialer.DialContext(self.ctx, self.endpoint, nil)
		if err != nil {
			glog.Infof("[cm]connect error = %s\n", err)
			// server pushes keep flowing while the primary is down
			self.ensureStream()
			if !self.scheduleRetry() {
				return
			}
			continue
		}

		self.handleConn(conn)

		if !self.scheduleRetry() {
			return
		}
	}
}

// scheduleRetry waits out the exponential backoff. A false return means
// the attempt cap was exceeded and the primary is disabled for the
// session; only the latest scheduled attempt ever fires.
func (self *ConnectionManager) scheduleRetry() bool {
	self.mutex.Lock()
	self.attempt += 1
	attempt := self.attempt
	self.mutex.Unlock()

	if self.settings.MaxReconnectAttempts <= attempt {
		self.disablePrimary()
		return false
	}

	delay := backoffDelay(self.settings.ReconnectBackoffBase, attempt)
	glog.V(2).Infof("[cm]retry %d in %s\n", attempt, delay)
	select {
	case <-self.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

func (self *ConnectionManager) disablePrimary() {
	self.mutex.Lock()
	self.primaryDisabled = true
	onPrimaryDisabled := self.onPrimaryDisabled
	fallback := self.fallback
	self.mutex.Unlock()

	glog.Infof("[cm]primary disabled after %d attempts\n", self.settings.MaxReconnectAttempts)
	if onPrimaryDisabled != nil {
		onPrimaryDisabled()
	}
	if fallback != nil {
		self.ensureStream()
	}
}

// ensureStream starts the fallback push stream if it is not already
// running. The stream covers server-initiated messages while the primary
// is down, whether a retry is pending or the primary is disabled for the
// session.
func (self *ConnectionManager) ensureStream() {
	self.mutex.Lock()
	if self.fallback == nil || self.streamCancel != nil {
		self.mutex.Unlock()
		return
	}
	streamCtx, streamCancel := context.WithCancel(self.ctx)
	self.streamCancel = streamCancel
	self.mutex.Unlock()

	go self.fallback.RunStream(streamCtx, func(message *Message, byteCount ByteCount) {
		self.deliver(message, transportFallback, byteCount)
	})
}

// stopStream stops the fallback push stream; the primary carries server
// pushes while it is open.
func (self *ConnectionManager) stopStream() {
	self.mutex.Lock()
	streamCancel := self.streamCancel
	self.streamCancel = nil
	self.mutex.Unlock()
	if streamCancel != nil {
		streamCancel()
	}
}

func (self *ConnectionManager) handleConn(conn *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()
	defer conn.Close()

	self.mutex.Lock()
	self.conn = conn
	self.connected = true
	self.attempt = 0
	self.stats.ConnectedAt = time.Now()
	if self.everConnected {
		self.stats.Reconnections += 1
		metricReconnects.Inc()
	}
	self.everConnected = true
	self.mutex.Unlock()

	// the primary carries pushes again
	self.stopStream()

	defer self.closeConn()

	// heartbeat. no response is required to keep the channel alive, but
	// the read deadline below treats silence as a disconnect signal.
	go func() {
		ticker := time.NewTicker(self.settings.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				pingBytes, _ := EncodeMessage(&Message{Type: MessageTypePing})
				if !self.writePrimary(pingBytes) {
					handleCancel()
					return
				}
				self.record(directionSend, transportPrimary, MessageTypePing, ByteCount(len(pingBytes)))
			}
		}
	}()

	readTimeout := 3 * self.settings.HeartbeatInterval
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			glog.Infof("[cm]<- error = %s\n", err)
			return
		}
		message, err := DecodeMessage(messageBytes)
		if err != nil {
			// malformed payloads are logged and dropped, the
			// connection stays open
			glog.Infof("[cm]<- malformed = %s\n", err)
			continue
		}
		self.deliver(message, transportPrimary, ByteCount(len(messageBytes)))
	}
}

func (self *ConnectionManager) closeConn() {
	self.mutex.Lock()
	self.conn = nil
	self.connected = false
	closeCallbacks := make([]func(), len(self.closeCallbacks))
	copy(closeCallbacks, self.closeCallbacks)
	self.mutex.Unlock()

	// clear outstanding timers before any reconnect is scheduled
	for _, callback := range closeCallbacks {
		callback()
	}

	self.ensureStream()
}
