// Package merge turns the aggregated target and complication holder lists
// into the ordered page list a surface renders. Ordering is deterministic
// and position-based; there is no scoring model, first-configured wins.
package merge

import (
	"smartspacer/internal/database"
	"smartspacer/internal/repository"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"
)

// Page is one merged output row: a target payload, the complications
// attached to it, and back-references to the owning definitions for
// routing refresh and dismiss events.
type Page struct {
	Target  smartspace.TargetPayload
	Actions []smartspace.ActionPayload

	// TargetDef is nil for the synthetic split header page.
	TargetDef  *database.TargetRecord
	ActionDefs []*database.ComplicationRecord

	// OpensExpanded reports whether tapping this page should open the
	// expanded view on the merged surface.
	OpensExpanded bool
}

// Options selects the surface and layout mode for one merge pass.
type Options struct {
	Surface          smartspace.Surface
	Split            bool
	Native           bool
	ExpandedOpenMode settings.ExpandedOpenMode

	// Limit caps the number of target pages; zero or negative means
	// unlimited. The split header page does not count against it.
	Limit int
}

// SplitHeaderID is the synthetic target ID of the split lock screen
// header page.
const SplitHeaderID = "smartspacer.split_header"

type mergedTarget struct {
	payload smartspace.TargetPayload
	def     *database.TargetRecord
}

type mergedAction struct {
	payload smartspace.ActionPayload
	def     *database.ComplicationRecord
}

// MergePages produces the ordered page list for one surface.
func MergePages(targets []repository.TargetHolder, complications []repository.ComplicationHolder, opts Options) []Page {
	flatTargets := flattenTargets(targets, opts.Surface)
	flatActions := flattenActions(complications, opts.Surface)

	var header *Page
	if opts.Split && opts.Surface == smartspace.SurfaceLockscreen && len(flatActions) > 0 {
		// The first complication is lifted onto its own header row and is
		// no longer available to the target pages below.
		first := flatActions[0]
		flatActions = flatActions[1:]
		header = &Page{
			Target: smartspace.TargetPayload{
				ID:        SplitHeaderID,
				Subtitle:  first.payload.Subtitle,
				Icon:      first.payload.Icon,
				TapAction: first.payload.TapAction,
			},
			Actions:       []smartspace.ActionPayload{first.payload},
			ActionDefs:    []*database.ComplicationRecord{first.def},
			OpensExpanded: opensExpanded(opts),
		}
	}

	pages := attach(flatTargets, flatActions, opts)

	if opts.Limit > 0 && len(pages) > opts.Limit {
		pages = pages[:opts.Limit]
	}
	if header != nil {
		pages = append([]Page{*header}, pages...)
	}
	return pages
}

func flattenTargets(holders []repository.TargetHolder, surface smartspace.Surface) []mergedTarget {
	var result []mergedTarget
	for i := range holders {
		holder := &holders[i]
		if !holder.Target.ShownOnSurface(surface) {
			continue
		}
		for _, payload := range holder.Payloads {
			if !payload.AllowsSurface(surface) {
				continue
			}
			result = append(result, mergedTarget{payload: payload, def: &holder.Target})
		}
	}
	return result
}

func flattenActions(holders []repository.ComplicationHolder, surface smartspace.Surface) []mergedAction {
	var result []mergedAction
	for i := range holders {
		holder := &holders[i]
		if !holder.Complication.ShownOnSurface(surface) {
			continue
		}
		for _, payload := range holder.Payloads {
			if !payload.AllowsSurface(surface) {
				continue
			}
			result = append(result, mergedAction{payload: payload, def: &holder.Complication})
		}
	}
	return result
}

// attach builds one page per target. Complications ride the leading page
// only, in flattened order: the first emitted target takes one, or two
// when its payload allows it, and later targets render without
// complications. Leftover complications attach to nothing.
func attach(targets []mergedTarget, actions []mergedAction, opts Options) []Page {
	pages := make([]Page, 0, len(targets))
	for _, target := range targets {
		page := Page{
			Target:        target.payload,
			TargetDef:     target.def,
			OpensExpanded: opensExpanded(opts),
		}
		if len(pages) == 0 {
			capacity := 1
			if target.payload.CanTakeTwoComplications {
				capacity = 2
			}
			for i := range actions {
				if len(page.Actions) == capacity {
					break
				}
				// A stale holder whose definition is gone is skipped.
				if actions[i].def == nil {
					continue
				}
				page.Actions = append(page.Actions, actions[i].payload)
				page.ActionDefs = append(page.ActionDefs, actions[i].def)
			}
		}

		if target.payload.HideIfNoComplications && len(page.Actions) == 0 {
			continue
		}
		pages = append(pages, page)
	}
	return pages
}

func opensExpanded(opts Options) bool {
	switch opts.ExpandedOpenMode {
	case settings.ExpandedOpenModeAlways:
		return true
	case settings.ExpandedOpenModeIfLocked:
		return opts.Surface == smartspace.SurfaceLockscreen
	default:
		return false
	}
}
