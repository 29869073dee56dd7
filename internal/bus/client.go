// Package bus implements the plugin host bus: the IPC boundary between this
// process and the plugin packages hosting target, complication and
// requirement providers. Requests are synchronous with a bounded timeout;
// content-change notifications and requirement value flips arrive as pushed
// events. A provider that fails to answer is reported as an error to the
// caller, which degrades to empty content rather than failing aggregation.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartspacer/internal/smartspace"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds every synchronous bus round trip. A plugin
// that takes longer is treated as dead for that request.
const DefaultRequestTimeout = 2500 * time.Millisecond

type changeEntry struct {
	subID   int
	handler func(authority string)
}

type registryEntry struct {
	subID   int
	handler func()
}

type bindingEntry struct {
	subID   int
	handler func(bool)
}

type stateEntry struct {
	subID   int
	handler func(PlatformState)
}

// WSClient is the websocket implementation of Client.
type WSClient struct {
	url     string
	token   string
	logger  *zap.Logger
	timeout time.Duration

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	changeSubs   map[string][]changeEntry
	registrySubs []registryEntry
	stateSubs    []stateEntry
	bindings     map[string][]bindingEntry
	subsMu       sync.RWMutex
	nextSubID    int
	nextSubIDMu  sync.Mutex

	done chan struct{}
}

// NewWSClient creates a plugin bus client for the given host URL.
func NewWSClient(url, token string, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:        url,
		token:      token,
		logger:     logger.Named("bus"),
		timeout:    DefaultRequestTimeout,
		pending:    make(map[int]chan Message),
		changeSubs: make(map[string][]changeEntry),
		bindings:   make(map[string][]bindingEntry),
	}
}

// SetRequestTimeout overrides the per-request timeout. Useful in tests.
func (c *WSClient) SetRequestTimeout(d time.Duration) {
	c.timeout = d
}

// Connect dials the plugin host and performs the auth handshake.
func (c *WSClient) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to plugin host: %w", err)
	}

	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if authResponse.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("authentication failed: got %s", authResponse.Type)
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.logger.Info("Connected to plugin host", zap.String("url", c.url))

	go c.receiveMessages()
	return nil
}

// Disconnect closes the connection and drops all subscriptions.
func (c *WSClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)
	err := c.conn.Close()

	c.subsMu.Lock()
	c.changeSubs = make(map[string][]changeEntry)
	c.registrySubs = nil
	c.stateSubs = nil
	c.bindings = make(map[string][]bindingEntry)
	c.subsMu.Unlock()

	c.failPending()
	return err
}

// IsConnected reports whether the bus connection is up.
func (c *WSClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *WSClient) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

func (c *WSClient) nextSubscriptionID() int {
	c.nextSubIDMu.Lock()
	defer c.nextSubIDMu.Unlock()
	c.nextSubID++
	return c.nextSubID
}

func (c *WSClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends a frame and waits for the matching response, bounded by the
// client timeout.
func (c *WSClient) request(id int, frame any) (Message, error) {
	if !c.IsConnected() {
		return Message{}, fmt.Errorf("not connected")
	}

	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, fmt.Errorf("connection closed")
		}
		if msg.Error != nil {
			return Message{}, fmt.Errorf("plugin host error %s: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Success != nil && !*msg.Success {
			return Message{}, fmt.Errorf("request rejected by plugin host")
		}
		return msg, nil
	case <-time.After(c.timeout):
		return Message{}, fmt.Errorf("request timed out after %s", c.timeout)
	}
}

func (c *WSClient) receiveMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Plugin host connection lost", zap.Error(err))
				c.Disconnect()
			}
			return
		}

		if msg.Event != nil {
			c.dispatchEvent(*msg.Event)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *WSClient) dispatchEvent(ev Event) {
	switch ev.Event {
	case EventProviderChanged:
		c.subsMu.RLock()
		entries := append([]changeEntry(nil), c.changeSubs[ev.Authority]...)
		c.subsMu.RUnlock()
		for _, e := range entries {
			go e.handler(ev.Authority)
		}
	case EventProvidersChanged:
		c.subsMu.RLock()
		entries := append([]registryEntry(nil), c.registrySubs...)
		c.subsMu.RUnlock()
		for _, e := range entries {
			go e.handler()
		}
	case EventPlatformState:
		if ev.State == nil {
			return
		}
		c.subsMu.RLock()
		entries := append([]stateEntry(nil), c.stateSubs...)
		c.subsMu.RUnlock()
		for _, e := range entries {
			go e.handler(*ev.State)
		}
	case EventRequirementChanged:
		if ev.Value == nil {
			return
		}
		key := bindingKey(ev.Authority, ev.RequirementID)
		c.subsMu.RLock()
		entries := append([]bindingEntry(nil), c.bindings[key]...)
		c.subsMu.RUnlock()
		for _, e := range entries {
			go e.handler(*ev.Value)
		}
	default:
		c.logger.Debug("Ignoring unknown event", zap.String("event", ev.Event))
	}
}

// ListProviders enumerates providers of one kind registered on the bus.
func (c *WSClient) ListProviders(kind ProviderKind) ([]ProviderDescriptor, error) {
	id := c.nextMsgID()
	msg, err := c.request(id, ListProvidersRequest{ID: id, Type: "list_providers", Kind: kind})
	if err != nil {
		return nil, err
	}
	var descriptors []ProviderDescriptor
	if err := json.Unmarshal(msg.Result, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse provider list: %w", err)
	}
	return descriptors, nil
}

// GetConfig fetches a provider's declared configuration.
func (c *WSClient) GetConfig(authority string) (*smartspace.ProviderConfig, error) {
	id := c.nextMsgID()
	msg, err := c.request(id, GetConfigRequest{ID: id, Type: "get_config", Authority: authority})
	if err != nil {
		return nil, err
	}
	var config smartspace.ProviderConfig
	if err := json.Unmarshal(msg.Result, &config); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}
	return &config, nil
}

// QueryTargets fetches a target provider's current payload list.
func (c *WSClient) QueryTargets(authority string) ([]smartspace.TargetPayload, error) {
	id := c.nextMsgID()
	msg, err := c.request(id, QueryRequest{ID: id, Type: "query", Authority: authority})
	if err != nil {
		return nil, err
	}
	var payloads []smartspace.TargetPayload
	if err := json.Unmarshal(msg.Result, &payloads); err != nil {
		return nil, fmt.Errorf("failed to parse target payloads: %w", err)
	}
	return payloads, nil
}

// QueryActions fetches a complication provider's current payload list.
func (c *WSClient) QueryActions(authority string) ([]smartspace.ActionPayload, error) {
	id := c.nextMsgID()
	msg, err := c.request(id, QueryRequest{ID: id, Type: "query", Authority: authority})
	if err != nil {
		return nil, err
	}
	var payloads []smartspace.ActionPayload
	if err := json.Unmarshal(msg.Result, &payloads); err != nil {
		return nil, fmt.Errorf("failed to parse action payloads: %w", err)
	}
	return payloads, nil
}

// Call delivers a provider method call (dismiss, click, update, backup,
// restore) and returns the raw result.
func (c *WSClient) Call(authority, method string, args map[string]any) (json.RawMessage, error) {
	id := c.nextMsgID()
	msg, err := c.request(id, CallRequest{ID: id, Type: "call", Authority: authority, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return msg.Result, nil
}

type wsSubscription struct {
	unsubscribe func() error
}

func (s *wsSubscription) Unsubscribe() error { return s.unsubscribe() }

// SubscribeProviderChanges registers a handler for content-change events on
// one authority.
func (c *WSClient) SubscribeProviderChanges(authority string, handler func(string)) (Subscription, error) {
	subID := c.nextSubscriptionID()
	c.subsMu.Lock()
	c.changeSubs[authority] = append(c.changeSubs[authority], changeEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &wsSubscription{unsubscribe: func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		entries := c.changeSubs[authority]
		for i, e := range entries {
			if e.subID == subID {
				c.changeSubs[authority] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

// SubscribeProvidersChanged registers a handler for registry-level changes
// (a plugin package installed or removed).
func (c *WSClient) SubscribeProvidersChanged(handler func()) (Subscription, error) {
	subID := c.nextSubscriptionID()
	c.subsMu.Lock()
	c.registrySubs = append(c.registrySubs, registryEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &wsSubscription{unsubscribe: func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, e := range c.registrySubs {
			if e.subID == subID {
				c.registrySubs = append(c.registrySubs[:i], c.registrySubs[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

// SubscribePlatformState registers a handler for platform signal
// snapshots relayed by the privileged helper.
func (c *WSClient) SubscribePlatformState(handler func(PlatformState)) (Subscription, error) {
	subID := c.nextSubscriptionID()
	c.subsMu.Lock()
	c.stateSubs = append(c.stateSubs, stateEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &wsSubscription{unsubscribe: func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, e := range c.stateSubs {
			if e.subID == subID {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

func bindingKey(authority, requirementID string) string {
	return authority + "\x00" + requirementID
}

// BindRequirement establishes a live evaluation binding for one requirement
// instance. The handler receives every value the plugin pushes; when the
// plugin process dies the binding silently stops emitting.
func (c *WSClient) BindRequirement(authority, requirementID string, handler func(bool)) (Subscription, error) {
	id := c.nextMsgID()
	if _, err := c.request(id, BindRequirementRequest{ID: id, Type: "bind_requirement", Authority: authority, RequirementID: requirementID}); err != nil {
		return nil, err
	}

	key := bindingKey(authority, requirementID)
	subID := c.nextSubscriptionID()
	c.subsMu.Lock()
	c.bindings[key] = append(c.bindings[key], bindingEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &wsSubscription{unsubscribe: func() error {
		c.subsMu.Lock()
		entries := c.bindings[key]
		for i, e := range entries {
			if e.subID == subID {
				c.bindings[key] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		last := len(c.bindings[key]) == 0
		c.subsMu.Unlock()

		if last && c.IsConnected() {
			unbindID := c.nextMsgID()
			if _, err := c.request(unbindID, BindRequirementRequest{ID: unbindID, Type: "unbind_requirement", Authority: authority, RequirementID: requirementID}); err != nil {
				c.logger.Debug("Failed to unbind requirement",
					zap.String("authority", authority),
					zap.Error(err))
			}
		}
		return nil
	}}, nil
}
