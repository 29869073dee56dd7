package repository

import (
	"fmt"
	"reflect"
	"sync"

	"smartspacer/internal/bus"
	"smartspacer/internal/database"
	"smartspacer/internal/providers"
	"smartspacer/internal/requirements"
	"smartspacer/internal/smartspace"
	"smartspacer/internal/uniqueid"

	"go.uber.org/zap"
)

// Complications aggregates every configured complication's payloads into
// one combined holder list, mirroring Targets.
type Complications struct {
	host   providers.Host
	db     *database.Database
	eval   *requirements.Evaluator
	logger *zap.Logger

	agg *aggregator[ComplicationHolder]

	mu      sync.Mutex
	workers map[string]*complicationWorker
	dbSub   database.Subscription
	started bool
}

// NewComplications creates the complications repository. Call Start to
// begin aggregating.
func NewComplications(host providers.Host, db *database.Database, eval *requirements.Evaluator, logger *zap.Logger) *Complications {
	return &Complications{
		host:    host,
		db:      db,
		eval:    eval,
		logger:  logger.Named("complications"),
		agg:     newAggregator[ComplicationHolder](),
		workers: make(map[string]*complicationWorker),
	}
}

// Start loads the configured complications, spawns their query workers and
// begins reconciling on configuration changes.
func (c *Complications) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("already started")
	}
	c.started = true

	c.dbSub = c.db.Subscribe(func(table string) {
		if table == database.TableComplications || table == database.TableRequirements {
			if err := c.reconcile(); err != nil {
				c.logger.Error("Failed to reconcile complications", zap.Error(err))
			}
		}
	})

	return c.reconcileLocked()
}

// Stop tears down all workers and the aggregator.
func (c *Complications) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false

	if c.dbSub != nil {
		c.dbSub.Unsubscribe()
	}
	for _, w := range c.workers {
		w.close()
	}
	c.workers = make(map[string]*complicationWorker)
	c.agg.stop()
}

func (c *Complications) reconcile() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	return c.reconcileLocked()
}

func (c *Complications) reconcileLocked() error {
	records, err := c.db.GetComplications()
	if err != nil {
		return fmt.Errorf("failed to load complications: %w", err)
	}

	seen := make(map[string]bool, len(records))
	order := make([]string, 0, len(records))
	for _, record := range records {
		seen[record.ID] = true
		order = append(order, record.ID)

		existing, ok := c.workers[record.ID]
		if ok && reflect.DeepEqual(existing.record, record) {
			continue
		}
		if ok {
			existing.close()
		}
		c.workers[record.ID] = newComplicationWorker(record, c.host, c.db, c.eval, c.agg, c.logger)
	}

	for id, w := range c.workers {
		if !seen[id] {
			w.close()
			delete(c.workers, id)
			c.agg.remove(id)
		}
	}

	c.agg.setOrder(order)
	return nil
}

// Subscribe registers a handler for combined holder list snapshots.
func (c *Complications) Subscribe(handler func([]ComplicationHolder)) (unsubscribe func()) {
	return c.agg.subscribe(handler)
}

// Current returns the latest combined holder list.
func (c *Complications) Current() []ComplicationHolder {
	return c.agg.snapshot()
}

// ForceReload re-queries every worker, or only those of one source package
// when limitToPackage is non-empty.
func (c *Complications) ForceReload(limitToPackage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if limitToPackage != "" && w.record.SourcePackage != limitToPackage {
			continue
		}
		w.trigger()
	}
}

// Click routes a tap event back to the plugin that owns the payload with
// the given (unique) ID.
func (c *Complications) Click(id string) error {
	holder, ok := c.findHolder(id)
	if !ok {
		return fmt.Errorf("no complication owns payload %s", id)
	}
	_, err := c.host.Call(holder.Complication.Authority, "click", map[string]any{
		"id": uniqueid.Strip(id),
	})
	return err
}

func (c *Complications) findHolder(payloadID string) (ComplicationHolder, bool) {
	for _, holder := range c.agg.snapshot() {
		for _, payload := range holder.Payloads {
			if payload.ID == payloadID {
				return holder, true
			}
		}
	}
	return ComplicationHolder{}, false
}

// complicationWorker owns the query loop for one configured complication.
type complicationWorker struct {
	record database.ComplicationRecord
	host   providers.Host
	agg    *aggregator[ComplicationHolder]
	logger *zap.Logger

	gate      *gate
	changeSub bus.Subscription
	reload    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newComplicationWorker(record database.ComplicationRecord, host providers.Host, db *database.Database, eval *requirements.Evaluator, agg *aggregator[ComplicationHolder], logger *zap.Logger) *complicationWorker {
	w := &complicationWorker{
		record: record,
		host:   host,
		agg:    agg,
		logger: logger.With(zap.String("authority", record.Authority)),
		reload: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	w.gate = newGate(eval, db, record.AnyRequirements, record.AllRequirements, w.trigger, w.logger)

	sub, err := host.SubscribeProviderChanges(record.Authority, func(string) {
		w.trigger()
	})
	if err != nil {
		w.logger.Warn("Failed to subscribe to provider changes", zap.Error(err))
	} else {
		w.changeSub = sub
	}

	go w.loop()
	return w
}

func (w *complicationWorker) trigger() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *complicationWorker) loop() {
	w.requery()
	for {
		select {
		case <-w.reload:
			w.requery()
		case <-w.done:
			return
		}
	}
}

func (w *complicationWorker) requery() {
	holder := ComplicationHolder{Complication: w.record}

	if w.gate.ok() {
		payloads, err := w.host.QueryActions(w.record.Authority)
		if err != nil {
			w.logger.Warn("Complication query failed", zap.Error(err))
			payloads = nil
		}
		holder.Payloads = rewriteActionIDs(w.record, payloads)
	}

	select {
	case <-w.done:
	default:
		w.agg.update(w.record.ID, []ComplicationHolder{holder})
	}
}

func rewriteActionIDs(record database.ComplicationRecord, payloads []smartspace.ActionPayload) []smartspace.ActionPayload {
	if record.SourcePackage == smartspace.SourcePackageDefault {
		return payloads
	}
	rewritten := make([]smartspace.ActionPayload, len(payloads))
	for i, p := range payloads {
		p.ID = uniqueid.Encode(record.SourcePackage, p.ID)
		rewritten[i] = p
	}
	return rewritten
}

func (w *complicationWorker) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.gate.close()
		if w.changeSub != nil {
			w.changeSub.Unsubscribe()
		}
	})
}
