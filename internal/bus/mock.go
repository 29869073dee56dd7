package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartspacer/internal/smartspace"
)

// MockBus implements Client in-memory for tests. Provider content, configs
// and requirement values are seeded directly; queries and calls can be made
// to fail per authority to exercise the remote-unavailable paths.
type MockBus struct {
	mu           sync.RWMutex
	connected    bool
	descriptors  []ProviderDescriptor
	configs      map[string]smartspace.ProviderConfig
	targets      map[string][]smartspace.TargetPayload
	actions      map[string][]smartspace.ActionPayload
	queryErrors  map[string]error
	configErrors map[string]error
	callErrors   map[string]error
	reqValues    map[string]bool

	changeSubs   map[string][]changeEntry
	registrySubs []registryEntry
	stateSubs    []stateEntry
	bindings     map[string][]bindingEntry
	nextSubID    int

	calls []CallRecord
}

// CallRecord captures one provider method call for assertions.
type CallRecord struct {
	Authority string
	Method    string
	Args      map[string]any
	Time      time.Time
}

func NewMockBus() *MockBus {
	return &MockBus{
		configs:      make(map[string]smartspace.ProviderConfig),
		targets:      make(map[string][]smartspace.TargetPayload),
		actions:      make(map[string][]smartspace.ActionPayload),
		queryErrors:  make(map[string]error),
		configErrors: make(map[string]error),
		callErrors:   make(map[string]error),
		reqValues:    make(map[string]bool),
		changeSubs:   make(map[string][]changeEntry),
		bindings:     make(map[string][]bindingEntry),
	}
}

func (m *MockBus) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

func (m *MockBus) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.changeSubs = make(map[string][]changeEntry)
	m.registrySubs = nil
	m.stateSubs = nil
	m.bindings = make(map[string][]bindingEntry)
	return nil
}

func (m *MockBus) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetDescriptors seeds the provider registry.
func (m *MockBus) SetDescriptors(descriptors []ProviderDescriptor) {
	m.mu.Lock()
	m.descriptors = append([]ProviderDescriptor(nil), descriptors...)
	m.mu.Unlock()
	m.emitProvidersChanged()
}

// SetConfig seeds a provider's declared configuration.
func (m *MockBus) SetConfig(authority string, config smartspace.ProviderConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[authority] = config
}

// SetConfigError makes get_config fail for an authority, simulating a dead
// provider process.
func (m *MockBus) SetConfigError(authority string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configErrors[authority] = err
}

// SetTargetPayloads seeds a target provider's query result and notifies
// content-change subscribers.
func (m *MockBus) SetTargetPayloads(authority string, payloads []smartspace.TargetPayload) {
	m.mu.Lock()
	m.targets[authority] = append([]smartspace.TargetPayload(nil), payloads...)
	m.mu.Unlock()
	m.EmitProviderChange(authority)
}

// SetActionPayloads seeds a complication provider's query result and
// notifies content-change subscribers.
func (m *MockBus) SetActionPayloads(authority string, payloads []smartspace.ActionPayload) {
	m.mu.Lock()
	m.actions[authority] = append([]smartspace.ActionPayload(nil), payloads...)
	m.mu.Unlock()
	m.EmitProviderChange(authority)
}

// SetQueryError makes queries fail for an authority.
func (m *MockBus) SetQueryError(authority string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.queryErrors, authority)
		return
	}
	m.queryErrors[authority] = err
}

// SetCallError makes provider method calls fail for an authority.
func (m *MockBus) SetCallError(authority string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callErrors[authority] = err
}

// SetRequirementValue seeds a requirement's value and pushes it to every
// active binding.
func (m *MockBus) SetRequirementValue(authority, requirementID string, value bool) {
	key := bindingKey(authority, requirementID)
	m.mu.Lock()
	m.reqValues[key] = value
	entries := append([]bindingEntry(nil), m.bindings[key]...)
	m.mu.Unlock()

	for _, e := range entries {
		e.handler(value)
	}
}

// SetPlatformState pushes a platform signal snapshot to state
// subscribers.
func (m *MockBus) SetPlatformState(state PlatformState) {
	m.mu.RLock()
	entries := append([]stateEntry(nil), m.stateSubs...)
	m.mu.RUnlock()
	for _, e := range entries {
		e.handler(state)
	}
}

// EmitProviderChange notifies content-change subscribers for an authority.
func (m *MockBus) EmitProviderChange(authority string) {
	m.mu.RLock()
	entries := append([]changeEntry(nil), m.changeSubs[authority]...)
	m.mu.RUnlock()
	for _, e := range entries {
		e.handler(authority)
	}
}

func (m *MockBus) emitProvidersChanged() {
	m.mu.RLock()
	entries := append([]registryEntry(nil), m.registrySubs...)
	m.mu.RUnlock()
	for _, e := range entries {
		e.handler()
	}
}

// Calls returns a copy of all recorded provider method calls.
func (m *MockBus) Calls() []CallRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CallRecord(nil), m.calls...)
}

// ClearCalls discards recorded calls.
func (m *MockBus) ClearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockBus) ListProviders(kind ProviderKind) ([]ProviderDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ProviderDescriptor
	for _, d := range m.descriptors {
		if d.Kind == kind {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *MockBus) GetConfig(authority string) (*smartspace.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.configErrors[authority]; err != nil {
		return nil, err
	}
	config, ok := m.configs[authority]
	if !ok {
		return nil, fmt.Errorf("no config for authority %s", authority)
	}
	return &config, nil
}

func (m *MockBus) QueryTargets(authority string) ([]smartspace.TargetPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.queryErrors[authority]; err != nil {
		return nil, err
	}
	return append([]smartspace.TargetPayload(nil), m.targets[authority]...), nil
}

func (m *MockBus) QueryActions(authority string) ([]smartspace.ActionPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.queryErrors[authority]; err != nil {
		return nil, err
	}
	return append([]smartspace.ActionPayload(nil), m.actions[authority]...), nil
}

func (m *MockBus) Call(authority, method string, args map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	err := m.callErrors[authority]
	if err == nil {
		m.calls = append(m.calls, CallRecord{
			Authority: authority,
			Method:    method,
			Args:      args,
			Time:      time.Now(),
		})
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

type mockSubscription struct {
	unsubscribe func() error
}

func (s *mockSubscription) Unsubscribe() error { return s.unsubscribe() }

func (m *MockBus) SubscribeProviderChanges(authority string, handler func(string)) (Subscription, error) {
	m.mu.Lock()
	m.nextSubID++
	subID := m.nextSubID
	m.changeSubs[authority] = append(m.changeSubs[authority], changeEntry{subID: subID, handler: handler})
	m.mu.Unlock()

	return &mockSubscription{unsubscribe: func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.changeSubs[authority]
		for i, e := range entries {
			if e.subID == subID {
				m.changeSubs[authority] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

func (m *MockBus) SubscribeProvidersChanged(handler func()) (Subscription, error) {
	m.mu.Lock()
	m.nextSubID++
	subID := m.nextSubID
	m.registrySubs = append(m.registrySubs, registryEntry{subID: subID, handler: handler})
	m.mu.Unlock()

	return &mockSubscription{unsubscribe: func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.registrySubs {
			if e.subID == subID {
				m.registrySubs = append(m.registrySubs[:i], m.registrySubs[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

func (m *MockBus) SubscribePlatformState(handler func(PlatformState)) (Subscription, error) {
	m.mu.Lock()
	m.nextSubID++
	subID := m.nextSubID
	m.stateSubs = append(m.stateSubs, stateEntry{subID: subID, handler: handler})
	m.mu.Unlock()

	return &mockSubscription{unsubscribe: func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.stateSubs {
			if e.subID == subID {
				m.stateSubs = append(m.stateSubs[:i], m.stateSubs[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

func (m *MockBus) BindRequirement(authority, requirementID string, handler func(bool)) (Subscription, error) {
	key := bindingKey(authority, requirementID)

	m.mu.Lock()
	if err := m.configErrors[authority]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextSubID++
	subID := m.nextSubID
	m.bindings[key] = append(m.bindings[key], bindingEntry{subID: subID, handler: handler})
	value, known := m.reqValues[key]
	m.mu.Unlock()

	// Plugins push the current value immediately after a bind.
	if known {
		handler(value)
	}

	return &mockSubscription{unsubscribe: func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.bindings[key]
		for i, e := range entries {
			if e.subID == subID {
				m.bindings[key] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}
