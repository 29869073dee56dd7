package providers

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartspacer/internal/bus"
	"smartspacer/internal/database"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// Host is the provider surface consumed by the aggregation repositories and
// the requirement evaluator. The Repository multiplexes it over the plugin
// bus and the in-process built-ins; bus.Client implements the same shape
// for the remote half.
type Host interface {
	ListProviders(kind bus.ProviderKind) ([]bus.ProviderDescriptor, error)
	GetConfig(authority string) (*smartspace.ProviderConfig, error)
	QueryTargets(authority string) ([]smartspace.TargetPayload, error)
	QueryActions(authority string) ([]smartspace.ActionPayload, error)
	Call(authority, method string, args map[string]any) (json.RawMessage, error)
	SubscribeProviderChanges(authority string, handler func(authority string)) (bus.Subscription, error)
	SubscribeProvidersChanged(handler func()) (bus.Subscription, error)
	BindRequirement(authority, requirementID string, handler func(value bool)) (bus.Subscription, error)
}

// InUseRequirement decorates a persisted requirement with its provider's
// live configuration.
type InUseRequirement struct {
	Record database.RequirementRecord
	Config smartspace.ProviderConfig
}

type builtinChangeEntry struct {
	subID   int
	handler func(string)
}

// Repository implements Host over the plugin bus plus the built-in
// registry, and adds provider discovery, config caching and the
// backup/restore pass-through.
type Repository struct {
	bus    bus.Client
	db     *database.Database
	logger *zap.Logger

	mu          sync.RWMutex
	builtins    map[string]Builtin
	changeSubs  map[string][]builtinChangeEntry
	nextSubID   int
	configCache map[string]smartspace.ProviderConfig
}

// NewRepository instantiates the built-ins from the registry and wires
// their change notifications.
func NewRepository(busClient bus.Client, db *database.Database, registry *Registry, ctx *Context, logger *zap.Logger) (*Repository, error) {
	r := &Repository{
		bus:         busClient,
		db:          db,
		logger:      logger.Named("providers"),
		builtins:    make(map[string]Builtin),
		changeSubs:  make(map[string][]builtinChangeEntry),
		configCache: make(map[string]smartspace.ProviderConfig),
	}

	ctx.NotifyChange = r.notifyBuiltinChange
	builtins, err := registry.CreateAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range builtins {
		r.builtins[b.Authority()] = b
	}
	return r, nil
}

func (r *Repository) builtin(authority string) (Builtin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builtins[authority]
	return b, ok
}

func (r *Repository) notifyBuiltinChange(authority string) {
	r.mu.RLock()
	entries := append([]builtinChangeEntry(nil), r.changeSubs[authority]...)
	r.mu.RUnlock()
	for _, e := range entries {
		go e.handler(authority)
	}
}

// ListProviders merges bus providers of the given kind with the built-ins.
func (r *Repository) ListProviders(kind bus.ProviderKind) ([]bus.ProviderDescriptor, error) {
	descriptors, err := r.bus.ListProviders(kind)
	if err != nil {
		// A dead bus hides remote providers; built-ins stay available.
		r.logger.Warn("Failed to list bus providers", zap.Error(err))
		descriptors = nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.builtins {
		if b.Kind() == kind {
			descriptors = append(descriptors, bus.ProviderDescriptor{
				Authority:     b.Authority(),
				SourcePackage: smartspace.SourcePackageDefault,
				Kind:          kind,
			})
		}
	}
	return descriptors, nil
}

// AllTargets returns every discoverable target provider.
func (r *Repository) AllTargets() ([]bus.ProviderDescriptor, error) {
	return r.ListProviders(bus.KindTarget)
}

// AllComplications returns every discoverable complication provider.
func (r *Repository) AllComplications() ([]bus.ProviderDescriptor, error) {
	return r.ListProviders(bus.KindComplication)
}

// AllRequirements returns every discoverable requirement provider.
func (r *Repository) AllRequirements() ([]bus.ProviderDescriptor, error) {
	return r.ListProviders(bus.KindRequirement)
}

// AllInUseRequirements reads the persisted requirement list and decorates
// each entry with the provider's live configuration. A provider that fails
// to respond is skipped, not fatal.
func (r *Repository) AllInUseRequirements() ([]InUseRequirement, error) {
	records, err := r.db.GetRequirements()
	if err != nil {
		return nil, err
	}

	var result []InUseRequirement
	for _, record := range records {
		config, err := r.GetConfig(record.Authority)
		if err != nil {
			r.logger.Warn("Skipping requirement with unreachable provider",
				zap.String("authority", record.Authority),
				zap.Error(err))
			continue
		}
		result = append(result, InUseRequirement{Record: record, Config: *config})
	}
	return result, nil
}

// GetConfig fetches (and caches) a provider's declared configuration.
func (r *Repository) GetConfig(authority string) (*smartspace.ProviderConfig, error) {
	if b, ok := r.builtin(authority); ok {
		config := b.Config()
		return &config, nil
	}

	config, err := r.bus.GetConfig(authority)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.configCache[authority] = *config
	r.mu.Unlock()
	return config, nil
}

// RefreshPeriod returns the refresh period a provider declared, or zero
// when unknown. Callers apply the default policy.
func (r *Repository) RefreshPeriod(authority string) time.Duration {
	if b, ok := r.builtin(authority); ok {
		return time.Duration(b.Config().RefreshPeriodMinutes) * time.Minute
	}

	r.mu.RLock()
	config, cached := r.configCache[authority]
	r.mu.RUnlock()
	if !cached {
		fetched, err := r.GetConfig(authority)
		if err != nil {
			return 0
		}
		config = *fetched
	}
	return time.Duration(config.RefreshPeriodMinutes) * time.Minute
}

// QueryTargets fetches the current payloads of a target provider.
func (r *Repository) QueryTargets(authority string) ([]smartspace.TargetPayload, error) {
	if b, ok := r.builtin(authority); ok {
		source, isTarget := b.(TargetSource)
		if !isTarget {
			return nil, fmt.Errorf("builtin %s is not a target provider", authority)
		}
		return source.Targets()
	}
	return r.bus.QueryTargets(authority)
}

// QueryActions fetches the current payloads of a complication provider.
func (r *Repository) QueryActions(authority string) ([]smartspace.ActionPayload, error) {
	if b, ok := r.builtin(authority); ok {
		source, isAction := b.(ActionSource)
		if !isAction {
			return nil, fmt.Errorf("builtin %s is not a complication provider", authority)
		}
		return source.Actions()
	}
	return r.bus.QueryActions(authority)
}

// Call delivers a provider method call. Built-ins without call handling
// swallow the call.
func (r *Repository) Call(authority, method string, args map[string]any) (json.RawMessage, error) {
	if b, ok := r.builtin(authority); ok {
		if callable, isCallable := b.(Callable); isCallable {
			if err := callable.Call(method, args); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{}`), nil
	}
	return r.bus.Call(authority, method, args)
}

type builtinSubscription struct {
	unsubscribe func() error
}

func (s *builtinSubscription) Unsubscribe() error { return s.unsubscribe() }

// SubscribeProviderChanges registers for content-change notifications on an
// authority, local or remote.
func (r *Repository) SubscribeProviderChanges(authority string, handler func(string)) (bus.Subscription, error) {
	if _, ok := r.builtin(authority); !ok {
		return r.bus.SubscribeProviderChanges(authority, handler)
	}

	r.mu.Lock()
	r.nextSubID++
	subID := r.nextSubID
	r.changeSubs[authority] = append(r.changeSubs[authority], builtinChangeEntry{subID: subID, handler: handler})
	r.mu.Unlock()

	return &builtinSubscription{unsubscribe: func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.changeSubs[authority]
		for i, e := range entries {
			if e.subID == subID {
				r.changeSubs[authority] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		return nil
	}}, nil
}

// SubscribeProvidersChanged registers for registry-level changes. The
// built-in set is fixed at startup, so this is purely a bus concern.
func (r *Repository) SubscribeProvidersChanged(handler func()) (bus.Subscription, error) {
	return r.bus.SubscribeProvidersChanged(handler)
}

// BindRequirement establishes a live requirement binding, local or remote.
func (r *Repository) BindRequirement(authority, requirementID string, handler func(bool)) (bus.Subscription, error) {
	b, ok := r.builtin(authority)
	if !ok {
		return r.bus.BindRequirement(authority, requirementID, handler)
	}

	source, isRequirement := b.(RequirementSource)
	if !isRequirement {
		return nil, fmt.Errorf("builtin %s is not a requirement provider", authority)
	}
	unbind, err := source.Bind(requirementID, handler)
	if err != nil {
		return nil, err
	}
	return &builtinSubscription{unsubscribe: func() error {
		unbind()
		return nil
	}}, nil
}

// BackupAll asks every configured remote provider for a backup blob and
// persists the results. Dead providers are skipped.
func (r *Repository) BackupAll() error {
	authorities, err := r.configuredRemoteAuthorities()
	if err != nil {
		return err
	}

	for authority := range authorities {
		result, err := r.bus.Call(authority, "backup", nil)
		if err != nil {
			r.logger.Warn("Provider backup failed",
				zap.String("authority", authority),
				zap.Error(err))
			continue
		}
		if err := r.db.SetProviderBackup(authority, result); err != nil {
			return err
		}
	}
	return nil
}

// RestoreAll replays stored backup blobs into their providers. Dead
// providers are skipped; their blobs stay stored for a later attempt.
func (r *Repository) RestoreAll() error {
	backups, err := r.db.AllProviderBackups()
	if err != nil {
		return err
	}

	for authority, blob := range backups {
		if _, err := r.bus.Call(authority, "restore", map[string]any{"data": string(blob)}); err != nil {
			r.logger.Warn("Provider restore failed",
				zap.String("authority", authority),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Repository) configuredRemoteAuthorities() (map[string]struct{}, error) {
	targets, err := r.db.GetTargets()
	if err != nil {
		return nil, err
	}
	complications, err := r.db.GetComplications()
	if err != nil {
		return nil, err
	}

	authorities := make(map[string]struct{})
	for _, t := range targets {
		if t.SourcePackage != smartspace.SourcePackageDefault {
			authorities[t.Authority] = struct{}{}
		}
	}
	for _, c := range complications {
		if c.SourcePackage != smartspace.SourcePackageDefault {
			authorities[c.Authority] = struct{}{}
		}
	}
	return authorities, nil
}
