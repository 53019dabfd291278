package liveclient

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// client runtime. one per page session. owns the cache store, pending
// request map, busy registry and version tracker, and runs the dispatch
// loop that serializes all tree mutations: one inbound message is fully
// handled before the next, so no two reconciliation passes interleave.

type ReloadReason string

const (
	// development-time change detection, bypasses generation checks
	ReloadHotReload ReloadReason = "hotreload"
	// the incremental model is no longer trustworthy
	ReloadTreeDesync ReloadReason = "tree_desync"
)

type Notification struct {
	Event   string
	Payload map[string]any
}

type UploadProgress struct {
	Ref      string
	Progress float64
	Status   string
	Slot     string
}

type ReloadFunction func(reason ReloadReason)
type NotificationFunction func(notification Notification)
type UploadProgressFunction func(progress UploadProgress)

type RuntimeSettings struct {
	// primary websocket endpoint
	Endpoint string
	// http base for the fallback transport. empty disables the fallback.
	FallbackUrl string

	View           string
	MountParams    map[string]any
	HasPrerendered bool
	// server-rendered html present before the session starts
	Prerender string

	ConnectionSettings *ConnectionManagerSettings
	ReconcilerSettings *ReconcilerSettings
	CacheSettings      *ResponseCacheSettings
}

func DefaultRuntimeSettings() *RuntimeSettings {
	return &RuntimeSettings{
		ConnectionSettings: DefaultConnectionManagerSettings(),
		ReconcilerSettings: DefaultReconcilerSettings(),
		CacheSettings:      DefaultResponseCacheSettings(),
	}
}

type inflightRequest struct {
	name    string
	trigger *Element
}

type ClientRuntime struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RuntimeSettings

	tree       *Tree
	versioning *VersionTracker
	cache      *ResponseCache
	busy       *BusyCoordinator
	reconciler *Reconciler
	conn       *ConnectionManager
	fallback   *FallbackTransport
	hooks      *HookRegistry

	uploads       UploadModule
	navigation    NavigationModule
	accessibility AccessibilityModule

	onReload         ReloadFunction
	onNotification   NotificationFunction
	onUploadProgress UploadProgressFunction
	onUpdate         func()

	// serializes all tree mutation, including sends that short-circuit
	// through the cache
	stateLock sync.Mutex

	sessionId    string
	everMounted  bool
	cacheConfig  CacheConfig
	inflight     []inflightRequest
	timersMutex  sync.Mutex
	debounce     map[string]*time.Timer
	throttleLast map[string]time.Time
}

func NewClientRuntime(ctx context.Context, settings *RuntimeSettings) *ClientRuntime {
	cancelCtx, cancel := context.WithCancel(ctx)

	runtime := &ClientRuntime{
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		versioning:   NewVersionTracker(),
		cache:        NewResponseCache(settings.CacheSettings),
		busy:         NewBusyCoordinator(),
		hooks:        NewHookRegistry(),
		cacheConfig:  CacheConfig{},
		debounce:     map[string]*time.Timer{},
		throttleLast: map[string]time.Time{},
	}
	runtime.tree = NewTree(func(event string, params map[string]any, trigger *Element) bool {
		return runtime.SendEvent(event, params, trigger)
	})
	runtime.reconciler = NewReconciler(runtime.tree, settings.ReconcilerSettings)

	if settings.FallbackUrl != "" {
		runtime.fallback = NewFallbackTransportWithDefaults(settings.FallbackUrl)
	}
	runtime.conn = NewConnectionManager(cancelCtx, settings.Endpoint, runtime.fallback, settings.ConnectionSettings)
	runtime.conn.AddCloseCallback(runtime.handleConnectionClosed)

	return runtime
}

func (self *ClientRuntime) Tree() *Tree {
	return self.tree
}

func (self *ClientRuntime) Hooks() *HookRegistry {
	return self.hooks
}

func (self *ClientRuntime) Cache() *ResponseCache {
	return self.cache
}

func (self *ClientRuntime) Busy() *BusyCoordinator {
	return self.busy
}

func (self *ClientRuntime) Stats() ConnectionStats {
	return self.conn.Stats()
}

func (self *ClientRuntime) History() []HistoryEntry {
	return self.conn.History()
}

func (self *ClientRuntime) SetUploadModule(uploads UploadModule) {
	self.uploads = uploads
}

func (self *ClientRuntime) SetNavigationModule(navigation NavigationModule) {
	self.navigation = navigation
}

func (self *ClientRuntime) SetAccessibilityModule(accessibility AccessibilityModule) {
	self.accessibility = accessibility
}

func (self *ClientRuntime) SetReloadCallback(callback ReloadFunction) {
	self.onReload = callback
}

func (self *ClientRuntime) SetNotificationCallback(callback NotificationFunction) {
	self.onNotification = callback
}

func (self *ClientRuntime) SetUploadProgressCallback(callback UploadProgressFunction) {
	self.onUploadProgress = callback
}

// SetUpdateCallback is invoked after every applied tree change.
func (self *ClientRuntime) SetUpdateCallback(callback func()) {
	self.onUpdate = callback
}

// Start connects and begins the dispatch loop. The mount message is
// sent when the server acknowledges the connection.
func (self *ClientRuntime) Start() error {
	if self.settings.Prerender != "" {
		self.stateLock.Lock()
		err := self.tree.ReplaceDocument(self.settings.Prerender)
		if err == nil {
			self.busy.Scan(self.tree)
		}
		self.stateLock.Unlock()
		if err != nil {
			return err
		}
	}
	self.conn.Connect()
	go self.run()
	return nil
}

func (self *ClientRuntime) Close() {
	self.cancelTimers()
	self.conn.Disconnect()
	self.cancel()
}

func (self *ClientRuntime) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.conn.Receive():
			if !ok {
				return
			}
			self.handleMessage(message)
		}
	}
}

// handleMessage routes one inbound message. No error escapes: each
// handler is wrapped, and the busy state for the originating request is
// cleared even on failure.
func (self *ClientRuntime) handleMessage(message *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[rt]handler panic %s = %v\n", message.Type, r)
			self.stopOldestBusy()
		}
	}()

	switch message.Type {
	case MessageTypeConnected:
		self.handleConnected(message)
	case MessageTypeMounted:
		self.handleMounted(message)
	case MessageTypePatch:
		self.handlePatch(message)
	case MessageTypeHtmlUpdate:
		self.handleHtmlUpdate(message)
	case MessageTypeError:
		glog.Infof("[rt]server error = %s %s\n", message.Error, message.Detail)
		if self.accessibility != nil && message.Error != "" {
			self.accessibility.Announce([]string{message.Error})
		}
		self.stopOldestBusy()
	case MessageTypePong:
		// traffic already counted by the connection manager
	case MessageTypeReload:
		// unconditional full page reload, bypasses generation checks
		if self.onReload != nil {
			self.onReload(ReloadHotReload)
		}
	case MessageTypePushEvent:
		if self.onNotification != nil {
			self.onNotification(Notification{
				Event:   message.Event,
				Payload: message.Payload,
			})
		}
	case MessageTypeUploadProgress:
		if self.uploads != nil {
			self.uploads.OnProgress(message.Ref, message.Progress, message.Status)
		}
		if self.onUploadProgress != nil {
			self.onUploadProgress(UploadProgress{
				Ref:      message.Ref,
				Progress: message.Progress,
				Status:   message.Status,
				Slot:     message.Slot,
			})
		}
	default:
		glog.Infof("[rt]unknown message type %s\n", message.Type)
	}
}

func (self *ClientRuntime) handleConnected(message *Message) {
	self.sessionId = message.SessionId
	if self.fallback != nil {
		self.fallback.SetSession(message.SessionId)
	}
	if self.everMounted {
		self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
			hooks.OnReconnected(element)
		})
	}
	self.conn.Send(&Message{
		Type:           MessageTypeMount,
		View:           self.settings.View,
		Params:         self.settings.MountParams,
		HasPrerendered: self.settings.HasPrerendered,
	})
}

func (self *ClientRuntime) handleMounted(message *Message) {
	if message.Version != 0 {
		self.versioning.Adopt(message.Version)
	}
	if message.CacheConfig != nil {
		self.cacheConfig = message.CacheConfig
	}
	if message.Html != "" {
		if err := self.tree.ReplaceDocument(message.Html); err != nil {
			glog.Infof("[rt]mount html error = %s\n", err)
			return
		}
		self.busy.Scan(self.tree)
	}
	self.everMounted = true
	self.configureUploads()
	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnMount(element)
	})
	self.notifyUpdate()
}

// configureUploads collects the upload slots declared in the mounted
// document and hands them to the upload module.
func (self *ClientRuntime) configureUploads() {
	if self.uploads == nil {
		return
	}
	slotConfigs := []UploadSlotConfig{}
	var walk func(element *Element)
	walk = func(element *Element) {
		if name, ok := element.Attr("data-upload"); ok && name != "" {
			slotConfig := UploadSlotConfig{Name: name}
			slotConfig.Accept, _ = element.Attr("accept")
			_, slotConfig.Multiple = element.Attr("multiple")
			slotConfigs = append(slotConfigs, slotConfig)
		}
		for _, child := range element.Children {
			walk(child)
		}
	}
	walk(self.tree.Root())
	if len(slotConfigs) > 0 {
		self.uploads.Configure(slotConfigs)
	}
}

func (self *ClientRuntime) handlePatch(message *Message) {
	defer self.stopOldestBusy()

	result := self.versioning.Observe(message.Version, message.HotReload)
	if result == VersionMismatch {
		// an intermediate batch was lost or arrived out of order. all
		// patches in this batch lose relevance; recover with the full
		// document carried alongside.
		self.recoverFullReplacement(message)
		return
	}

	previous := self.hooks.present(self.tree)
	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnBeforeUpdate(element)
	})

	applyResult, ok := self.reconciler.Apply(message.Patches)
	self.resolveCachePending(message, applyResult)
	self.busy.Scan(self.tree)
	self.hooks.reap(self.tree, previous)

	if !ok {
		// past the failure threshold local repair risks a corrupted
		// tree. full page reload is the last resort.
		if self.onReload != nil {
			self.onReload(ReloadTreeDesync)
		}
		return
	}

	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnUpdate(element)
	})
	self.notifyUpdate()
}

func (self *ClientRuntime) handleHtmlUpdate(message *Message) {
	defer self.stopOldestBusy()

	previous := self.hooks.present(self.tree)
	if err := self.tree.ReplaceDocument(message.Html); err != nil {
		glog.Infof("[rt]html update error = %s\n", err)
		return
	}
	self.versioning.Adopt(message.Version)
	self.busy.Scan(self.tree)
	self.hooks.reap(self.tree, previous)
	metricFullReplacements.Inc()

	if message.CacheRequestId != "" {
		if fingerprint, ttl, ok := self.cache.ResolvePending(message.CacheRequestId); ok {
			self.cache.Store(fingerprint, &CachedResponse{Html: message.Html}, self.responseTtl(message, ttl))
		}
	}
	self.notifyUpdate()
}

func (self *ClientRuntime) recoverFullReplacement(message *Message) {
	if message.Html == "" {
		// nothing carried alongside; ask for a full document
		self.conn.Send(&Message{Type: MessageTypeRequestHtml})
		return
	}
	previous := self.hooks.present(self.tree)
	if err := self.tree.ReplaceDocument(message.Html); err != nil {
		glog.Infof("[rt]recovery html error = %s\n", err)
		if self.onReload != nil {
			self.onReload(ReloadTreeDesync)
		}
		return
	}
	self.versioning.Adopt(message.Version)
	self.busy.Scan(self.tree)
	self.hooks.reap(self.tree, previous)
	metricFullReplacements.Inc()
	self.notifyUpdate()
}

func (self *ClientRuntime) resolveCachePending(message *Message, applyResult ApplyResult) {
	if message.CacheRequestId == "" {
		return
	}
	fingerprint, ttl, ok := self.cache.ResolvePending(message.CacheRequestId)
	if !ok {
		return
	}
	if applyResult.Failed > 0 {
		// do not cache a response the tree could not fully absorb
		return
	}
	self.cache.Store(fingerprint, &CachedResponse{Patches: message.Patches}, self.responseTtl(message, ttl))
}

func (self *ClientRuntime) responseTtl(message *Message, pendingTtl time.Duration) time.Duration {
	if message.Ttl > 0 {
		return time.Duration(message.Ttl) * time.Second
	}
	if pendingTtl > 0 {
		return pendingTtl
	}
	return time.Minute
}

// SendEvent dispatches an outbound request, short-circuiting through
// the response cache for idempotent, previously-seen requests.
func (self *ClientRuntime) SendEvent(event string, params map[string]any, trigger *Element) bool {
	if params == nil {
		params = map[string]any{}
	}

	self.busy.StartBusy(event, trigger)

	if handlerConfig, cacheable := self.cacheConfig[event]; cacheable {
		fingerprint := Fingerprint(event, params, handlerConfig.KeyParams)
		if response, ok := self.cache.Lookup(fingerprint); ok {
			// cache hit still emits a start/stop pair for ux
			// consistency
			self.applyCached(response)
			self.busy.StopBusy(event, trigger)
			return true
		}
		requestId := NewRequestId()
		params[CacheRequestIdParam] = requestId
		self.cache.RegisterPending(requestId, fingerprint, time.Duration(handlerConfig.Ttl)*time.Second)
	}

	accepted := self.conn.Send(&Message{
		Type:   MessageTypeEvent,
		Event:  event,
		Params: params,
	})
	if accepted {
		self.pushInflight(event, trigger)
	} else {
		self.busy.StopBusy(event, trigger)
	}
	return accepted
}

// applyCached replays a cached response through the same lifecycle as a
// live one: hook callbacks, busy rescan, reap, and desync escalation. A
// cached batch can fail against a tree that has drifted since it was
// stored, and that failure is exactly as terminal as a live one.
func (self *ClientRuntime) applyCached(response *CachedResponse) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	previous := self.hooks.present(self.tree)

	if response.Html != "" {
		if err := self.tree.ReplaceDocument(response.Html); err != nil {
			glog.Infof("[rt]cached html error = %s\n", err)
			return
		}
		self.busy.Scan(self.tree)
		self.hooks.reap(self.tree, previous)
		self.notifyUpdate()
		return
	}

	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnBeforeUpdate(element)
	})

	_, ok := self.reconciler.Apply(response.Patches)
	self.busy.Scan(self.tree)
	self.hooks.reap(self.tree, previous)

	if !ok {
		if self.onReload != nil {
			self.onReload(ReloadTreeDesync)
		}
		return
	}

	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnUpdate(element)
	})
	self.notifyUpdate()
}

// SendEventDebounced delays the send, superseding any pending send for
// the same event name. Timers are cancelled on disconnect.
func (self *ClientRuntime) SendEventDebounced(event string, params map[string]any, trigger *Element, delay time.Duration) {
	self.timersMutex.Lock()
	defer self.timersMutex.Unlock()

	if timer, ok := self.debounce[event]; ok {
		timer.Stop()
	}
	self.debounce[event] = time.AfterFunc(delay, func() {
		self.timersMutex.Lock()
		delete(self.debounce, event)
		self.timersMutex.Unlock()
		self.SendEvent(event, params, trigger)
	})
}

// SendEventThrottled drops sends closer together than the interval.
func (self *ClientRuntime) SendEventThrottled(event string, params map[string]any, trigger *Element, interval time.Duration) bool {
	self.timersMutex.Lock()
	last, seen := self.throttleLast[event]
	now := time.Now()
	if seen && now.Sub(last) < interval {
		self.timersMutex.Unlock()
		return false
	}
	self.throttleLast[event] = now
	self.timersMutex.Unlock()
	return self.SendEvent(event, params, trigger)
}

// Navigate resolves a pathname through the navigation module and
// remounts the resolved view over the existing session.
func (self *ClientRuntime) Navigate(pathname string) bool {
	if self.navigation == nil {
		return false
	}
	view, ok := self.navigation.Resolve(pathname)
	if !ok {
		return false
	}
	return self.conn.Send(&Message{
		Type:   MessageTypeMount,
		View:   view,
		Params: map[string]any{"pathname": pathname},
	})
}

func (self *ClientRuntime) pushInflight(event string, trigger *Element) {
	self.timersMutex.Lock()
	defer self.timersMutex.Unlock()
	self.inflight = append(self.inflight, inflightRequest{
		name:    event,
		trigger: trigger,
	})
}

// responses do not name the request they answer. dispatch is serialized,
// so the oldest in-flight request is the one being answered.
func (self *ClientRuntime) stopOldestBusy() {
	self.timersMutex.Lock()
	var request *inflightRequest
	if len(self.inflight) > 0 {
		request = &self.inflight[0]
		self.inflight = self.inflight[1:]
	}
	self.timersMutex.Unlock()

	if request != nil {
		self.busy.StopBusy(request.name, request.trigger)
	}
}

// handleConnectionClosed clears all outstanding debounce/throttle timers
// and busy state so no stale callback references a dead session.
func (self *ClientRuntime) handleConnectionClosed() {
	self.cancelTimers()

	self.timersMutex.Lock()
	inflight := self.inflight
	self.inflight = nil
	self.timersMutex.Unlock()
	for _, request := range inflight {
		self.busy.StopBusy(request.name, request.trigger)
	}

	self.stateLock.Lock()
	self.hooks.each(self.tree, func(hooks ElementHooks, element *Element) {
		hooks.OnDisconnected(element)
	})
	self.stateLock.Unlock()
}

func (self *ClientRuntime) cancelTimers() {
	self.timersMutex.Lock()
	defer self.timersMutex.Unlock()
	for event, timer := range self.debounce {
		timer.Stop()
		delete(self.debounce, event)
	}
}

func (self *ClientRuntime) notifyUpdate() {
	if self.onUpdate != nil {
		self.onUpdate()
	}
}
