package merge

import (
	"sync"

	"smartspacer/internal/repository"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// mergedSurfaces are the surfaces the coordinator keeps pages for.
var mergedSurfaces = []smartspace.Surface{
	smartspace.SurfaceHomescreen,
	smartspace.SurfaceLockscreen,
	smartspace.SurfaceMediaDataManager,
}

// PageHandler receives the recomputed page list for one surface.
type PageHandler func(surface smartspace.Surface, pages []Page)

// Coordinator recomputes the merged page lists whenever the aggregated
// targets, the aggregated complications or the settings change, and fans
// the result out to registered consumers.
type Coordinator struct {
	targets       *repository.Targets
	complications *repository.Complications
	store         *settings.Store
	logger        *zap.Logger

	mu            sync.Mutex
	lastTargets   []repository.TargetHolder
	lastActions   []repository.ComplicationHolder
	pages         map[smartspace.Surface][]Page
	handlers      map[int]PageHandler
	nextHandlerID int

	unsubTargets func()
	unsubActions func()
	settingsSub  settings.Subscription
	started      bool
}

// NewCoordinator creates the coordinator. Call Start to begin merging.
func NewCoordinator(targets *repository.Targets, complications *repository.Complications, store *settings.Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		targets:       targets,
		complications: complications,
		store:         store,
		logger:        logger.Named("merge"),
		pages:         make(map[smartspace.Surface][]Page),
		handlers:      make(map[int]PageHandler),
	}
}

// Start subscribes to both repositories and the settings store. The first
// recompute happens on the immediate snapshot delivery of each
// subscription.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.unsubTargets = c.targets.Subscribe(func(holders []repository.TargetHolder) {
		c.mu.Lock()
		c.lastTargets = holders
		c.recomputeLocked()
	})
	c.unsubActions = c.complications.Subscribe(func(holders []repository.ComplicationHolder) {
		c.mu.Lock()
		c.lastActions = holders
		c.recomputeLocked()
	})
	c.settingsSub = c.store.Subscribe(func(settings.Settings) {
		c.mu.Lock()
		c.recomputeLocked()
	})
}

// Stop detaches from the repositories and settings.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	if c.unsubTargets != nil {
		c.unsubTargets()
	}
	if c.unsubActions != nil {
		c.unsubActions()
	}
	if c.settingsSub != nil {
		c.settingsSub.Unsubscribe()
	}
}

// recomputeLocked merges every surface and notifies handlers. The lock is
// released before the handlers run.
func (c *Coordinator) recomputeLocked() {
	current := c.store.Get()
	for _, surface := range mergedSurfaces {
		c.pages[surface] = MergePages(c.lastTargets, c.lastActions, Options{
			Surface:          surface,
			Split:            current.SplitSmartspace,
			ExpandedOpenMode: current.ExpandedOpenMode,
			Limit:            current.TargetLimit(surface),
		})
	}

	snapshot := make(map[smartspace.Surface][]Page, len(c.pages))
	for surface, pages := range c.pages {
		snapshot[surface] = pages
	}
	handlers := make([]PageHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		for surface, pages := range snapshot {
			h(surface, pages)
		}
	}
}

// Pages returns the latest merged page list for a surface.
func (c *Coordinator) Pages(surface smartspace.Surface) []Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Page(nil), c.pages[surface]...)
}

// OnPages registers a handler for recomputed page lists.
func (c *Coordinator) OnPages(handler PageHandler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}
