package bus

import (
	"encoding/json"

	"smartspacer/internal/smartspace"
)

// ProviderKind distinguishes the three provider contracts plugins can host.
type ProviderKind string

const (
	KindTarget       ProviderKind = "target"
	KindComplication ProviderKind = "complication"
	KindRequirement  ProviderKind = "requirement"
)

// ProviderDescriptor identifies one provider registered on the plugin bus.
// ID is empty at discovery time; association with a persisted definition
// happens when the user adds the provider to their configuration.
type ProviderDescriptor struct {
	Authority     string       `json:"authority"`
	SourcePackage string       `json:"source_package"`
	Kind          ProviderKind `json:"kind"`
	ID            string       `json:"id,omitempty"`
}

// Message is the base frame exchanged with the plugin host.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is an error response from the plugin host.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the authentication request sent after auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is a push notification from the plugin host: a provider's content
// changed, the provider registry changed, a bound requirement flipped, or
// the privileged helper relayed a new platform state snapshot.
type Event struct {
	Event         string         `json:"event"`
	Authority     string         `json:"authority,omitempty"`
	RequirementID string         `json:"requirement_id,omitempty"`
	Value         *bool          `json:"value,omitempty"`
	State         *PlatformState `json:"state,omitempty"`
}

// Event names pushed by the plugin host.
const (
	EventProviderChanged    = "provider_changed"
	EventProvidersChanged   = "providers_changed"
	EventRequirementChanged = "requirement_changed"
	EventPlatformState      = "platform_state"
)

// PlatformState is the platform signal snapshot the privileged helper
// relays through the plugin host: display power, keyguard state and the
// foreground app. While HelperReady is false the helper itself is
// unavailable and ForegroundPackage carries no meaning.
type PlatformState struct {
	ScreenOn          bool   `json:"screen_on"`
	KeyguardLocked    bool   `json:"keyguard_locked"`
	ForegroundPackage string `json:"foreground_package,omitempty"`
	HelperReady       bool   `json:"helper_ready"`
}

// ListProvidersRequest asks the host registry for providers of one kind.
type ListProvidersRequest struct {
	ID   int          `json:"id"`
	Type string       `json:"type"`
	Kind ProviderKind `json:"kind"`
}

// GetConfigRequest fetches a provider's declared configuration.
type GetConfigRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Authority string `json:"authority"`
}

// QueryRequest asks a provider for its current payload list.
type QueryRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Authority string `json:"authority"`
}

// CallRequest delivers a method call (dismiss, click, backup, restore,
// update) to a provider.
type CallRequest struct {
	ID        int            `json:"id"`
	Type      string         `json:"type"`
	Authority string         `json:"authority"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args,omitempty"`
}

// BindRequirementRequest establishes a live requirement evaluation binding.
type BindRequirementRequest struct {
	ID            int    `json:"id"`
	Type          string `json:"type"`
	Authority     string `json:"authority"`
	RequirementID string `json:"requirement_id"`
}

// Subscription is an active event binding that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Client is the plugin bus surface consumed by the aggregation
// repositories, the requirement evaluator and provider discovery. The
// websocket client and the in-memory mock both implement it.
type Client interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	ListProviders(kind ProviderKind) ([]ProviderDescriptor, error)
	GetConfig(authority string) (*smartspace.ProviderConfig, error)
	QueryTargets(authority string) ([]smartspace.TargetPayload, error)
	QueryActions(authority string) ([]smartspace.ActionPayload, error)
	Call(authority, method string, args map[string]any) (json.RawMessage, error)

	SubscribeProviderChanges(authority string, handler func(authority string)) (Subscription, error)
	SubscribeProvidersChanged(handler func()) (Subscription, error)
	SubscribePlatformState(handler func(state PlatformState)) (Subscription, error)
	BindRequirement(authority, requirementID string, handler func(value bool)) (Subscription, error)
}
