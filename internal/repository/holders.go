// Package repository implements the aggregation and uniqueness engine: one
// query worker per configured target/complication, feeding a single
// aggregator that owns the combined holder list. Payload IDs are rewritten
// to be globally unique before publication, except for the built-in default
// providers whose raw IDs external consumers key off.
package repository

import (
	"sync/atomic"

	"smartspacer/internal/database"
	"smartspacer/internal/requirements"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// TargetHolder pairs a target definition with the payloads its plugin
// currently supplies. Holders are rebuilt on every re-query and are never
// persisted.
type TargetHolder struct {
	Target   database.TargetRecord
	Payloads []smartspace.TargetPayload
}

// ComplicationHolder pairs a complication definition with its current
// payloads.
type ComplicationHolder struct {
	Complication database.ComplicationRecord
	Payloads     []smartspace.ActionPayload
}

// requirementLookup resolves persisted requirement records for gate
// construction.
type requirementLookup interface {
	GetRequirement(id string) (*database.RequirementRecord, error)
}

// gate tracks the compound visibility condition of one definition: the OR
// of its any-set and the AND of its all-set. An empty set places no
// restriction — that sentinel lives here, not in the evaluator.
type gate struct {
	anyComposite *requirements.Composite
	allComposite *requirements.Composite

	// anyOK/allOK are written by composite handlers and read by the
	// owning worker goroutine through ok(); the worker re-queries on
	// every change so stale reads only cause a redundant re-query.
	anyOK atomic.Bool
	allOK atomic.Bool
}

// newGate builds the composite streams for a definition's requirement sets.
// onChange fires whenever either composite flips.
func newGate(eval *requirements.Evaluator, lookup requirementLookup, anyIDs, allIDs []string, onChange func(), logger *zap.Logger) *gate {
	g := &gate{}
	g.anyOK.Store(true)
	g.allOK.Store(true)

	anyReqs := resolveRequirements(lookup, anyIDs, logger)
	if len(anyReqs) > 0 {
		g.anyOK.Store(false)
		composite, err := eval.Any(anyReqs, func(v bool) {
			g.anyOK.Store(v)
			onChange()
		})
		if err == nil {
			g.anyComposite = composite
		}
	}

	allReqs := resolveRequirements(lookup, allIDs, logger)
	if len(allReqs) > 0 {
		g.allOK.Store(false)
		composite, err := eval.All(allReqs, func(v bool) {
			g.allOK.Store(v)
			onChange()
		})
		if err == nil {
			g.allComposite = composite
		}
	}
	return g
}

func resolveRequirements(lookup requirementLookup, ids []string, logger *zap.Logger) []requirements.Requirement {
	var reqs []requirements.Requirement
	for _, id := range ids {
		record, err := lookup.GetRequirement(id)
		if err != nil || record == nil {
			// A dangling reference gates nothing; the requirement was
			// deleted while still listed.
			logger.Warn("Requirement reference not found", zap.String("id", id))
			continue
		}
		reqs = append(reqs, requirements.Requirement{
			ID:            record.ID,
			Authority:     record.Authority,
			SourcePackage: record.SourcePackage,
			Invert:        record.Invert,
		})
	}
	return reqs
}

func (g *gate) ok() bool {
	return g.anyOK.Load() && g.allOK.Load()
}

func (g *gate) close() {
	if g.anyComposite != nil {
		g.anyComposite.Close()
	}
	if g.allComposite != nil {
		g.allComposite.Close()
	}
}
