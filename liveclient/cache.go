package liveclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/golang/glog"
)

// response cache. maps a deterministic request fingerprint to a
// previously received update so idempotent requests can skip the round
// trip. bounded, least-recently-used eviction, per-entry absolute expiry.

// per-handler cache declaration, delivered with the mounted message
type CacheHandlerConfig struct {
	// seconds
	Ttl       int      `json:"ttl"`
	KeyParams []string `json:"key_params"`
}

type CacheConfig map[string]CacheHandlerConfig

type CachedResponse struct {
	Patches []Patch
	Html    string
}

type cacheEntry struct {
	response  *CachedResponse
	expiresAt time.Time
}

type pendingCacheRequest struct {
	fingerprint string
	ttl         time.Duration
	cleanup     *time.Timer
}

type ResponseCacheSettings struct {
	Capacity       int
	PendingTimeout time.Duration
}

func DefaultResponseCacheSettings() *ResponseCacheSettings {
	return &ResponseCacheSettings{
		Capacity:       100,
		PendingTimeout: 30 * time.Second,
	}
}

type ResponseCache struct {
	settings *ResponseCacheSettings

	// monotonic-enough clock, swappable in tests
	now func() time.Time

	mutex   sync.Mutex
	entries *lru.Cache[string, *cacheEntry]
	pending map[string]*pendingCacheRequest
}

func NewResponseCache(settings *ResponseCacheSettings) *ResponseCache {
	entries, err := lru.New[string, *cacheEntry](settings.Capacity)
	if err != nil {
		// capacity is validated by settings construction
		panic(err)
	}
	return &ResponseCache{
		settings: settings,
		now:      time.Now,
		entries:  entries,
		pending:  map[string]*pendingCacheRequest{},
	}
}

func NewResponseCacheWithDefaults() *ResponseCache {
	return NewResponseCache(DefaultResponseCacheSettings())
}

// Fingerprint derives the deterministic cache key for a request: the
// event name plus the selected params sorted by name. Params with the
// internal prefix are always excluded. When none of the whitelisted
// names are present in the call, all non-internal params are used.
func Fingerprint(event string, params map[string]any, keyParams []string) string {
	selected := map[string]string{}
	for _, key := range keyParams {
		if value, ok := params[key]; ok && !strings.HasPrefix(key, InternalParamPrefix) {
			selected[key] = formatParamValue(value)
		}
	}
	if len(selected) == 0 {
		for key, value := range params {
			if strings.HasPrefix(key, InternalParamPrefix) {
				continue
			}
			selected[key] = formatParamValue(value)
		}
	}
	keys := maps.Keys(selected)
	slices.Sort(keys)

	out := &strings.Builder{}
	out.WriteString(event)
	for _, key := range keys {
		fmt.Fprintf(out, ":%s=%s", key, selected[key])
	}
	return out.String()
}

func formatParamValue(value any) string {
	return fmt.Sprintf("%v", value)
}

func (self *ResponseCache) Lookup(fingerprint string) (*CachedResponse, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries.Get(fingerprint)
	if !ok {
		metricCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !entry.expiresAt.After(self.now()) {
		// a read past expiry purges immediately
		self.entries.Remove(fingerprint)
		metricCacheLookups.WithLabelValues("expired").Inc()
		return nil, false
	}
	metricCacheLookups.WithLabelValues("hit").Inc()
	return entry.response, true
}

func (self *ResponseCache) Store(fingerprint string, response *CachedResponse, ttl time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries.Add(fingerprint, &cacheEntry{
		response:  response,
		expiresAt: self.now().Add(ttl),
	})
}

func (self *ResponseCache) Invalidate(match func(fingerprint string) bool) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	removed := 0
	for _, fingerprint := range self.entries.Keys() {
		if match(fingerprint) {
			self.entries.Remove(fingerprint)
			removed += 1
		}
	}
	return removed
}

func (self *ResponseCache) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries.Purge()
	for requestId, pending := range self.pending {
		pending.cleanup.Stop()
		delete(self.pending, requestId)
	}
}

func (self *ResponseCache) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.entries.Len()
}

// RegisterPending correlates an outbound cacheable request with its
// eventual response. The registration is discarded after the pending
// timeout so dropped responses do not leak.
func (self *ResponseCache) RegisterPending(requestId string, fingerprint string, ttl time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if previous, ok := self.pending[requestId]; ok {
		previous.cleanup.Stop()
	}
	pending := &pendingCacheRequest{
		fingerprint: fingerprint,
		ttl:         ttl,
	}
	pending.cleanup = time.AfterFunc(self.settings.PendingTimeout, func() {
		self.expirePending(requestId)
	})
	self.pending[requestId] = pending
}

// ResolvePending consumes a pending registration. The response is stored
// under the original fingerprint, never the request id.
func (self *ResponseCache) ResolvePending(requestId string) (fingerprint string, ttl time.Duration, ok bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pending, ok := self.pending[requestId]
	if !ok {
		return "", 0, false
	}
	pending.cleanup.Stop()
	delete(self.pending, requestId)
	return pending.fingerprint, pending.ttl, true
}

func (self *ResponseCache) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.pending)
}

func (self *ResponseCache) expirePending(requestId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.pending[requestId]; ok {
		glog.V(2).Infof("[cache]pending timeout %s\n", requestId)
		delete(self.pending, requestId)
	}
}
