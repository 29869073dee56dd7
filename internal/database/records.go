package database

import "smartspacer/internal/smartspace"

// TargetRecord is the persisted definition of one information card: which
// provider supplies it, where it sits in the user's ordering, which
// requirements gate it and which surfaces and features it is enabled for.
type TargetRecord struct {
	ID               string
	Authority        string
	SourcePackage    string
	Index            int
	AnyRequirements  []string
	AllRequirements  []string
	ShowOnHomeScreen bool
	ShowOnLockScreen bool
	ShowOverMusic    bool
	ShowWidget       bool
	ShowShortcuts    bool
	ShowAppShortcuts bool
	ShowRemoteViews  bool
}

// ShownOnSurface reports whether the definition enables the given surface.
func (t TargetRecord) ShownOnSurface(surface smartspace.Surface) bool {
	switch surface {
	case smartspace.SurfaceHomescreen:
		return t.ShowOnHomeScreen
	case smartspace.SurfaceLockscreen:
		return t.ShowOnLockScreen
	case smartspace.SurfaceMediaDataManager:
		return t.ShowOverMusic
	default:
		return true
	}
}

// ComplicationRecord is the persisted definition of one action chip. Same
// lifecycle as TargetRecord with a smaller flag set.
type ComplicationRecord struct {
	ID               string
	Authority        string
	SourcePackage    string
	Index            int
	AnyRequirements  []string
	AllRequirements  []string
	ShowOnHomeScreen bool
	ShowOnLockScreen bool
	ShowOverMusic    bool
}

// ShownOnSurface reports whether the definition enables the given surface.
func (c ComplicationRecord) ShownOnSurface(surface smartspace.Surface) bool {
	switch surface {
	case smartspace.SurfaceHomescreen:
		return c.ShowOnHomeScreen
	case smartspace.SurfaceLockscreen:
		return c.ShowOnLockScreen
	case smartspace.SurfaceMediaDataManager:
		return c.ShowOverMusic
	default:
		return true
	}
}

// RequirementRecord is a persisted boolean condition definition, referenced
// by ID from targets and complications via their any/all sets.
type RequirementRecord struct {
	ID            string
	Authority     string
	SourcePackage string
	Invert        bool
}

// WidgetRecord is a persisted widget consumer bound to one surface.
type WidgetRecord struct {
	ID      string
	Package string
	Surface smartspace.Surface
}
