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

// Targets aggregates every configured target's payloads into one combined
// holder list.
type Targets struct {
	host   providers.Host
	db     *database.Database
	eval   *requirements.Evaluator
	logger *zap.Logger

	agg *aggregator[TargetHolder]

	mu      sync.Mutex
	workers map[string]*targetWorker
	dbSub   database.Subscription
	started bool
}

// NewTargets creates the targets repository. Call Start to begin
// aggregating.
func NewTargets(host providers.Host, db *database.Database, eval *requirements.Evaluator, logger *zap.Logger) *Targets {
	return &Targets{
		host:    host,
		db:      db,
		eval:    eval,
		logger:  logger.Named("targets"),
		agg:     newAggregator[TargetHolder](),
		workers: make(map[string]*targetWorker),
	}
}

// Start loads the configured targets, spawns their query workers and
// begins reconciling on configuration changes.
func (t *Targets) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("already started")
	}
	t.started = true

	t.dbSub = t.db.Subscribe(func(table string) {
		if table == database.TableTargets || table == database.TableRequirements {
			if err := t.reconcile(); err != nil {
				t.logger.Error("Failed to reconcile targets", zap.Error(err))
			}
		}
	})

	return t.reconcileLocked()
}

// Stop tears down all workers and the aggregator.
func (t *Targets) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false

	if t.dbSub != nil {
		t.dbSub.Unsubscribe()
	}
	for _, w := range t.workers {
		w.close()
	}
	t.workers = make(map[string]*targetWorker)
	t.agg.stop()
}

func (t *Targets) reconcile() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	return t.reconcileLocked()
}

// reconcileLocked diffs the persisted target list against the running
// workers: removed definitions stop their worker, added ones spawn a new
// one, changed ones are restarted so their gate and authority match the new
// record. Untouched workers keep their slot and last published holder.
func (t *Targets) reconcileLocked() error {
	records, err := t.db.GetTargets()
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	seen := make(map[string]bool, len(records))
	order := make([]string, 0, len(records))
	for _, record := range records {
		seen[record.ID] = true
		order = append(order, record.ID)

		existing, ok := t.workers[record.ID]
		if ok && reflect.DeepEqual(existing.record, record) {
			continue
		}
		if ok {
			existing.close()
		}
		t.workers[record.ID] = newTargetWorker(record, t.host, t.db, t.eval, t.agg, t.logger)
	}

	for id, w := range t.workers {
		if !seen[id] {
			w.close()
			delete(t.workers, id)
			t.agg.remove(id)
		}
	}

	t.agg.setOrder(order)
	return nil
}

// Subscribe registers a handler for combined holder list snapshots. The
// current snapshot (initially empty) is delivered immediately.
func (t *Targets) Subscribe(handler func([]TargetHolder)) (unsubscribe func()) {
	return t.agg.subscribe(handler)
}

// Current returns the latest combined holder list.
func (t *Targets) Current() []TargetHolder {
	return t.agg.snapshot()
}

// ForceReload re-queries every worker, or only those of one source package
// when limitToPackage is non-empty.
func (t *Targets) ForceReload(limitToPackage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.workers {
		if limitToPackage != "" && w.record.SourcePackage != limitToPackage {
			continue
		}
		w.trigger()
	}
}

// Dismiss routes a dismissal back to the plugin that owns the payload with
// the given (unique) ID.
func (t *Targets) Dismiss(id string) error {
	return t.deliver(id, "dismiss")
}

// Click routes a tap event back to the owning plugin.
func (t *Targets) Click(id string) error {
	return t.deliver(id, "click")
}

func (t *Targets) deliver(id, method string) error {
	holder, ok := t.findHolder(id)
	if !ok {
		// The definition may have been deleted since the page rendered.
		return fmt.Errorf("no target owns payload %s", id)
	}
	_, err := t.host.Call(holder.Target.Authority, method, map[string]any{
		"id": uniqueid.Strip(id),
	})
	return err
}

func (t *Targets) findHolder(payloadID string) (TargetHolder, bool) {
	for _, holder := range t.agg.snapshot() {
		for _, payload := range holder.Payloads {
			if payload.ID == payloadID {
				return holder, true
			}
		}
	}
	return TargetHolder{}, false
}

// targetWorker owns the query loop for one configured target. Re-queries
// run on a single goroutine, so a plugin's updates are applied in the order
// received.
type targetWorker struct {
	record database.TargetRecord
	host   providers.Host
	agg    *aggregator[TargetHolder]
	logger *zap.Logger

	gate      *gate
	changeSub bus.Subscription
	reload    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTargetWorker(record database.TargetRecord, host providers.Host, db *database.Database, eval *requirements.Evaluator, agg *aggregator[TargetHolder], logger *zap.Logger) *targetWorker {
	w := &targetWorker{
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

// trigger coalesces into at most one pending re-query.
func (w *targetWorker) trigger() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *targetWorker) loop() {
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

func (w *targetWorker) requery() {
	holder := TargetHolder{Target: w.record}

	if w.gate.ok() {
		payloads, err := w.host.QueryTargets(w.record.Authority)
		if err != nil {
			// A dead or slow plugin contributes nothing; it must not
			// stall the other plugins' aggregation.
			w.logger.Warn("Target query failed", zap.Error(err))
			payloads = nil
		}
		holder.Payloads = rewriteTargetIDs(w.record, payloads)
	}

	select {
	case <-w.done:
	default:
		w.agg.update(w.record.ID, []TargetHolder{holder})
	}
}

func rewriteTargetIDs(record database.TargetRecord, payloads []smartspace.TargetPayload) []smartspace.TargetPayload {
	if record.SourcePackage == smartspace.SourcePackageDefault {
		return payloads
	}
	rewritten := make([]smartspace.TargetPayload, len(payloads))
	for i, p := range payloads {
		p.ID = uniqueid.Encode(record.SourcePackage, p.ID)
		rewritten[i] = p
	}
	return rewritten
}

func (w *targetWorker) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.gate.close()
		if w.changeSub != nil {
			w.changeSub.Unsubscribe()
		}
	})
}
