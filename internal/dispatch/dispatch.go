// Package dispatch rate-limits the "please refresh" calls sent to plugin
// providers and fans change notifications out to output consumers.
package dispatch

import (
	"sync"
	"time"

	"smartspacer/internal/clock"
	"smartspacer/internal/merge"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// DefaultRefreshPeriod applies when a provider declares no refresh period.
const DefaultRefreshPeriod = time.Hour

// ConfigSource resolves a provider's declared refresh period. Zero means
// the provider declared none. The providers repository satisfies this.
type ConfigSource interface {
	RefreshPeriod(authority string) time.Duration
}

// Refresher delivers the cross-process refresh call. Satisfied by the
// providers repository through Call.
type Refresher interface {
	Call(authority, method string, args map[string]any) (result []byte, err error)
}

// refresherFunc adapts the providers repository's json.RawMessage-returning
// Call to the Refresher shape.
type refresherFunc func(authority, method string, args map[string]any) ([]byte, error)

func (f refresherFunc) Call(authority, method string, args map[string]any) ([]byte, error) {
	return f(authority, method, args)
}

// NewRefresher wraps a Call-shaped function as a Refresher.
func NewRefresher(call func(authority, method string, args map[string]any) ([]byte, error)) Refresher {
	return refresherFunc(call)
}

type item struct {
	id            string
	authority     string
	sourcePackage string
}

// Dispatcher tracks, per item, when a refresh was last requested, and only
// forwards the remote call once the item's refresh period has elapsed.
type Dispatcher struct {
	configs   ConfigSource
	refresher Refresher
	clock     clock.Clock
	logger    *zap.Logger

	mu            sync.Mutex
	lastRequested map[string]time.Time
	consumers     map[int]func(smartspace.Surface)
	nextID        int
}

// NewDispatcher creates a dispatcher with an empty request history.
func NewDispatcher(configs ConfigSource, refresher Refresher, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		configs:       configs,
		refresher:     refresher,
		clock:         clk,
		logger:        logger.Named("dispatch"),
		lastRequested: make(map[string]time.Time),
		consumers:     make(map[int]func(smartspace.Surface)),
	}
}

// RequestPluginUpdates walks every distinct item on the given pages and
// sends a refresh call to those whose refresh period has elapsed since the
// last request. A non-empty limitToPackage restricts the pass to that
// source package. Calling twice in quick succession refreshes nothing the
// second time.
func (d *Dispatcher) RequestPluginUpdates(pages []merge.Page, limitToPackage string) {
	for _, it := range collectItems(pages) {
		if limitToPackage != "" && it.sourcePackage != limitToPackage {
			continue
		}
		d.maybeRefresh(it)
	}
}

// collectItems deduplicates the targets and complications across pages by
// definition ID, preserving first-seen order.
func collectItems(pages []merge.Page) []item {
	var items []item
	seen := make(map[string]bool)
	for _, page := range pages {
		if page.TargetDef != nil && !seen[page.TargetDef.ID] {
			seen[page.TargetDef.ID] = true
			items = append(items, item{
				id:            page.TargetDef.ID,
				authority:     page.TargetDef.Authority,
				sourcePackage: page.TargetDef.SourcePackage,
			})
		}
		for _, def := range page.ActionDefs {
			if def == nil || seen[def.ID] {
				continue
			}
			seen[def.ID] = true
			items = append(items, item{
				id:            def.ID,
				authority:     def.Authority,
				sourcePackage: def.SourcePackage,
			})
		}
	}
	return items
}

func (d *Dispatcher) maybeRefresh(it item) {
	period := d.configs.RefreshPeriod(it.authority)
	if period <= 0 {
		period = DefaultRefreshPeriod
	}

	now := d.clock.Now()
	d.mu.Lock()
	last, requested := d.lastRequested[it.id]
	if requested && now.Sub(last) < period {
		d.mu.Unlock()
		return
	}
	d.lastRequested[it.id] = now
	d.mu.Unlock()

	if _, err := d.refresher.Call(it.authority, "update", map[string]any{"id": it.id}); err != nil {
		d.logger.Warn("Refresh call failed",
			zap.String("authority", it.authority),
			zap.String("id", it.id),
			zap.Error(err))
	}
}

// ResetItem forgets one item's request history so the next
// RequestPluginUpdates pass refreshes it regardless of elapsed time. Other
// items keep their history.
func (d *Dispatcher) ResetItem(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastRequested, id)
}

// AddConsumer registers a callback for NotifyChanged fan-out.
func (d *Dispatcher) AddConsumer(handler func(smartspace.Surface)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.consumers[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.consumers, id)
	}
}

// NotifyChanged tells every registered consumer that a surface's merged
// output changed.
func (d *Dispatcher) NotifyChanged(surface smartspace.Surface) {
	d.mu.Lock()
	handlers := make([]func(smartspace.Surface), 0, len(d.consumers))
	for _, h := range d.consumers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(surface)
	}
}
