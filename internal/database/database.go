// Package database is the persistence collaborator: sqlite-backed storage
// for target, complication, requirement and widget definitions, plus opaque
// per-provider backup blobs. Writers notify table-level subscribers so the
// aggregation repositories can reconcile their workers on configuration
// changes.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Table names passed to change subscribers.
const (
	TableTargets       = "targets"
	TableComplications = "complications"
	TableRequirements  = "requirements"
	TableWidgets       = "widgets"
)

// ChangeHandler is called with the table that changed.
type ChangeHandler func(table string)

// Subscription is an active change subscription.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id int
	db *Database
}

func (s *subscription) Unsubscribe() {
	s.db.unsubscribe(s.id)
}

// Database wraps the sqlite store.
type Database struct {
	db     *sql.DB
	logger *zap.Logger

	subsMu    sync.RWMutex
	subs      map[int]ChangeHandler
	nextSubID int
}

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	authority TEXT NOT NULL,
	source_package TEXT NOT NULL,
	idx INTEGER NOT NULL,
	any_requirements TEXT NOT NULL DEFAULT '[]',
	all_requirements TEXT NOT NULL DEFAULT '[]',
	show_on_home INTEGER NOT NULL DEFAULT 1,
	show_on_lock INTEGER NOT NULL DEFAULT 1,
	show_over_music INTEGER NOT NULL DEFAULT 0,
	show_widget INTEGER NOT NULL DEFAULT 1,
	show_shortcuts INTEGER NOT NULL DEFAULT 1,
	show_app_shortcuts INTEGER NOT NULL DEFAULT 1,
	show_remote_views INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS complications (
	id TEXT PRIMARY KEY,
	authority TEXT NOT NULL,
	source_package TEXT NOT NULL,
	idx INTEGER NOT NULL,
	any_requirements TEXT NOT NULL DEFAULT '[]',
	all_requirements TEXT NOT NULL DEFAULT '[]',
	show_on_home INTEGER NOT NULL DEFAULT 1,
	show_on_lock INTEGER NOT NULL DEFAULT 1,
	show_over_music INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS requirements (
	id TEXT PRIMARY KEY,
	authority TEXT NOT NULL,
	source_package TEXT NOT NULL,
	invert INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS widgets (
	id TEXT PRIMARY KEY,
	package TEXT NOT NULL,
	surface TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS provider_backups (
	authority TEXT PRIMARY KEY,
	blob BLOB NOT NULL
);
`

// Open opens (creating if necessary) the sqlite database at path. Use
// ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer; a single connection avoids table locks
	// from concurrent repository reconciles.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Database{
		db:     db,
		logger: logger.Named("database"),
		subs:   make(map[int]ChangeHandler),
	}, nil
}

// Close closes the underlying store.
func (d *Database) Close() error {
	return d.db.Close()
}

// Subscribe registers a handler called whenever a table changes.
func (d *Database) Subscribe(handler ChangeHandler) Subscription {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.nextSubID++
	id := d.nextSubID
	d.subs[id] = handler
	return &subscription{id: id, db: d}
}

func (d *Database) unsubscribe(id int) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	delete(d.subs, id)
}

func (d *Database) notify(table string) {
	d.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(d.subs))
	for _, h := range d.subs {
		handlers = append(handlers, h)
	}
	d.subsMu.RUnlock()

	for _, h := range handlers {
		go h(table)
	}
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeIDs(data string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil
	}
	return ids
}

// GetTargets returns all target definitions ordered by index.
func (d *Database) GetTargets() ([]TargetRecord, error) {
	rows, err := d.db.Query(`SELECT id, authority, source_package, idx,
		any_requirements, all_requirements,
		show_on_home, show_on_lock, show_over_music,
		show_widget, show_shortcuts, show_app_shortcuts, show_remote_views
		FROM targets ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var records []TargetRecord
	for rows.Next() {
		var r TargetRecord
		var anyReqs, allReqs string
		if err := rows.Scan(&r.ID, &r.Authority, &r.SourcePackage, &r.Index,
			&anyReqs, &allReqs,
			&r.ShowOnHomeScreen, &r.ShowOnLockScreen, &r.ShowOverMusic,
			&r.ShowWidget, &r.ShowShortcuts, &r.ShowAppShortcuts, &r.ShowRemoteViews); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		r.AnyRequirements = decodeIDs(anyReqs)
		r.AllRequirements = decodeIDs(allReqs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddTarget inserts or replaces a target definition.
func (d *Database) AddTarget(r TargetRecord) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO targets
		(id, authority, source_package, idx, any_requirements, all_requirements,
		 show_on_home, show_on_lock, show_over_music,
		 show_widget, show_shortcuts, show_app_shortcuts, show_remote_views)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Authority, r.SourcePackage, r.Index,
		encodeIDs(r.AnyRequirements), encodeIDs(r.AllRequirements),
		r.ShowOnHomeScreen, r.ShowOnLockScreen, r.ShowOverMusic,
		r.ShowWidget, r.ShowShortcuts, r.ShowAppShortcuts, r.ShowRemoteViews)
	if err != nil {
		return fmt.Errorf("failed to add target: %w", err)
	}
	d.notify(TableTargets)
	return nil
}

// DeleteTarget removes a target definition.
func (d *Database) DeleteTarget(id string) error {
	if _, err := d.db.Exec(`DELETE FROM targets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	d.notify(TableTargets)
	return nil
}

// GetComplications returns all complication definitions ordered by index.
func (d *Database) GetComplications() ([]ComplicationRecord, error) {
	rows, err := d.db.Query(`SELECT id, authority, source_package, idx,
		any_requirements, all_requirements,
		show_on_home, show_on_lock, show_over_music
		FROM complications ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query complications: %w", err)
	}
	defer rows.Close()

	var records []ComplicationRecord
	for rows.Next() {
		var r ComplicationRecord
		var anyReqs, allReqs string
		if err := rows.Scan(&r.ID, &r.Authority, &r.SourcePackage, &r.Index,
			&anyReqs, &allReqs,
			&r.ShowOnHomeScreen, &r.ShowOnLockScreen, &r.ShowOverMusic); err != nil {
			return nil, fmt.Errorf("failed to scan complication: %w", err)
		}
		r.AnyRequirements = decodeIDs(anyReqs)
		r.AllRequirements = decodeIDs(allReqs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddComplication inserts or replaces a complication definition.
func (d *Database) AddComplication(r ComplicationRecord) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO complications
		(id, authority, source_package, idx, any_requirements, all_requirements,
		 show_on_home, show_on_lock, show_over_music)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Authority, r.SourcePackage, r.Index,
		encodeIDs(r.AnyRequirements), encodeIDs(r.AllRequirements),
		r.ShowOnHomeScreen, r.ShowOnLockScreen, r.ShowOverMusic)
	if err != nil {
		return fmt.Errorf("failed to add complication: %w", err)
	}
	d.notify(TableComplications)
	return nil
}

// DeleteComplication removes a complication definition.
func (d *Database) DeleteComplication(id string) error {
	if _, err := d.db.Exec(`DELETE FROM complications WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete complication: %w", err)
	}
	d.notify(TableComplications)
	return nil
}

// GetRequirements returns all requirement definitions.
func (d *Database) GetRequirements() ([]RequirementRecord, error) {
	rows, err := d.db.Query(`SELECT id, authority, source_package, invert FROM requirements`)
	if err != nil {
		return nil, fmt.Errorf("failed to query requirements: %w", err)
	}
	defer rows.Close()

	var records []RequirementRecord
	for rows.Next() {
		var r RequirementRecord
		if err := rows.Scan(&r.ID, &r.Authority, &r.SourcePackage, &r.Invert); err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRequirement returns one requirement definition, or nil when absent.
func (d *Database) GetRequirement(id string) (*RequirementRecord, error) {
	var r RequirementRecord
	err := d.db.QueryRow(`SELECT id, authority, source_package, invert
		FROM requirements WHERE id = ?`, id).
		Scan(&r.ID, &r.Authority, &r.SourcePackage, &r.Invert)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get requirement: %w", err)
	}
	return &r, nil
}

// AddRequirement inserts or replaces a requirement definition.
func (d *Database) AddRequirement(r RequirementRecord) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO requirements
		(id, authority, source_package, invert) VALUES (?, ?, ?, ?)`,
		r.ID, r.Authority, r.SourcePackage, r.Invert)
	if err != nil {
		return fmt.Errorf("failed to add requirement: %w", err)
	}
	d.notify(TableRequirements)
	return nil
}

// DeleteRequirement removes a requirement definition.
func (d *Database) DeleteRequirement(id string) error {
	if _, err := d.db.Exec(`DELETE FROM requirements WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete requirement: %w", err)
	}
	d.notify(TableRequirements)
	return nil
}

// RequirementInUseCount returns the number of targets and complications
// referencing a requirement via their any/all sets. Requirements are shared,
// not owned: a requirement stays alive while this count is non-zero.
func (d *Database) RequirementInUseCount(id string) (int, error) {
	targets, err := d.GetTargets()
	if err != nil {
		return 0, err
	}
	complications, err := d.GetComplications()
	if err != nil {
		return 0, err
	}

	count := 0
	contains := func(ids []string) bool {
		for _, candidate := range ids {
			if candidate == id {
				return true
			}
		}
		return false
	}
	for _, t := range targets {
		if contains(t.AnyRequirements) || contains(t.AllRequirements) {
			count++
		}
	}
	for _, c := range complications {
		if contains(c.AnyRequirements) || contains(c.AllRequirements) {
			count++
		}
	}
	return count, nil
}

// GetWidgets returns all widget records.
func (d *Database) GetWidgets() ([]WidgetRecord, error) {
	rows, err := d.db.Query(`SELECT id, package, surface FROM widgets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query widgets: %w", err)
	}
	defer rows.Close()

	var records []WidgetRecord
	for rows.Next() {
		var r WidgetRecord
		if err := rows.Scan(&r.ID, &r.Package, &r.Surface); err != nil {
			return nil, fmt.Errorf("failed to scan widget: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddWidget inserts or replaces a widget record.
func (d *Database) AddWidget(r WidgetRecord) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO widgets (id, package, surface)
		VALUES (?, ?, ?)`, r.ID, r.Package, r.Surface)
	if err != nil {
		return fmt.Errorf("failed to add widget: %w", err)
	}
	d.notify(TableWidgets)
	return nil
}

// DeleteWidget removes a widget record.
func (d *Database) DeleteWidget(id string) error {
	if _, err := d.db.Exec(`DELETE FROM widgets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete widget: %w", err)
	}
	d.notify(TableWidgets)
	return nil
}

// SetProviderBackup stores an opaque backup blob for a provider.
func (d *Database) SetProviderBackup(authority string, blob []byte) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO provider_backups (authority, blob)
		VALUES (?, ?)`, authority, blob)
	if err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}
	return nil
}

// GetProviderBackup returns the stored backup blob for a provider, or nil.
func (d *Database) GetProviderBackup(authority string) ([]byte, error) {
	var blob []byte
	err := d.db.QueryRow(`SELECT blob FROM provider_backups WHERE authority = ?`, authority).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return blob, nil
}

// AllProviderBackups returns every stored backup keyed by authority.
func (d *Database) AllProviderBackups() (map[string][]byte, error) {
	rows, err := d.db.Query(`SELECT authority, blob FROM provider_backups`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	backups := make(map[string][]byte)
	for rows.Next() {
		var authority string
		var blob []byte
		if err := rows.Scan(&authority, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups[authority] = blob
	}
	return backups, rows.Err()
}
