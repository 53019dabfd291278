package liveclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

// fallback transport: an http request/response call per outbound event
// plus a one-way server-push event stream. reduced capability: no binary
// payloads, no multi-actor presence. best-effort only.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type FallbackTransportSettings struct {
	StreamRetryTimeout time.Duration
	// session-continuity token lifetime; re-minted when expired
	TokenTtl time.Duration
}

func DefaultFallbackTransportSettings() *FallbackTransportSettings {
	return &FallbackTransportSettings{
		StreamRetryTimeout: 5 * time.Second,
		TokenTtl:           10 * time.Minute,
	}
}

// receives an inbound server-push message
type FallbackReceiveFunction func(message *Message, byteCount ByteCount)

type FallbackTransport struct {
	baseUrl  string
	settings *FallbackTransportSettings
	client   *http.Client

	mutex     sync.Mutex
	sessionId string
	// per-session signing key. the token is opaque to the server; the
	// same token per call is what carries session continuity.
	tokenKey []byte
	token    string
	tokenExp time.Time
}

func NewFallbackTransport(baseUrl string, settings *FallbackTransportSettings) *FallbackTransport {
	return &FallbackTransport{
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		settings: settings,
		client:   defaultHttpClient(),
		tokenKey: NewId().Bytes(),
	}
}

func NewFallbackTransportWithDefaults(baseUrl string) *FallbackTransport {
	return NewFallbackTransport(baseUrl, DefaultFallbackTransportSettings())
}

func (self *FallbackTransport) SetSession(sessionId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if sessionId != self.sessionId {
		self.sessionId = sessionId
		self.token = ""
	}
}

// SessionToken mints (or reuses) the session-continuity token attached
// to every fallback call.
func (self *FallbackTransport) SessionToken() (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	if self.token != "" && now.Before(self.tokenExp) {
		return self.token, nil
	}
	expiresAt := now.Add(self.settings.TokenTtl)
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sid": self.sessionId,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString(self.tokenKey)
	if err != nil {
		return "", err
	}
	self.token = signed
	self.tokenExp = expiresAt.Add(-30 * time.Second)
	return signed, nil
}

// Call posts one outbound envelope and decodes the synchronous response
// envelope, if any.
func (self *FallbackTransport) Call(message *Message) (*Message, ByteCount, error) {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return nil, 0, err
	}
	token, err := self.SessionToken()
	if err != nil {
		return nil, 0, err
	}

	request, err := http.NewRequest("POST", self.baseUrl+"/event", bytes.NewReader(messageBytes))
	if err != nil {
		return nil, 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := self.client.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fallback call status %d", response.StatusCode)
	}

	buffer := &bytes.Buffer{}
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		return nil, 0, err
	}
	if buffer.Len() == 0 {
		return nil, 0, nil
	}
	responseMessage, err := DecodeMessage(buffer.Bytes())
	if err != nil {
		return nil, 0, err
	}
	return responseMessage, ByteCount(buffer.Len()), nil
}

// RunStream consumes the one-way server-push stream, reconnecting until
// the context is done. The client cannot reply on this channel.
func (self *FallbackTransport) RunStream(ctx context.Context, receive FallbackReceiveFunction) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := self.readStream(ctx, receive); err != nil {
			glog.Infof("[fb]stream error = %s\n", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.StreamRetryTimeout):
		}
	}
}

func (self *FallbackTransport) readStream(ctx context.Context, receive FallbackReceiveFunction) error {
	token, err := self.SessionToken()
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, "GET", self.baseUrl+"/stream", nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Authorization", "Bearer "+token)

	// no overall timeout on the stream request
	client := &http.Client{
		Transport: self.client.Transport,
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", response.StatusCode)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	data := &strings.Builder{}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// end of one event
			if data.Len() > 0 {
				self.dispatchStreamEvent(data.String(), receive)
				data.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// keepalive comment
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(payload, " "))
		}
	}
	if data.Len() > 0 {
		self.dispatchStreamEvent(data.String(), receive)
	}
	return scanner.Err()
}

func (self *FallbackTransport) dispatchStreamEvent(payload string, receive FallbackReceiveFunction) {
	message, err := DecodeMessage([]byte(payload))
	if err != nil {
		glog.Infof("[fb]<- malformed = %s\n", err)
		return
	}
	receive(message, ByteCount(len(payload)))
}
