// Package smartspace defines the payload model shared between the plugin
// bus, the aggregation repositories and the merge engine: the live content
// objects plugins emit for their targets and complications, the UI surfaces
// those payloads can appear on, and the session lifecycle events sent to
// consumers.
package smartspace

// Surface is a rendering context with its own visibility and config rules.
type Surface string

const (
	SurfaceHomescreen       Surface = "homescreen"
	SurfaceLockscreen       Surface = "lockscreen"
	SurfaceMediaDataManager Surface = "media_data_manager"
)

// Event is a session lifecycle notification delivered to consumers.
type Event string

const (
	EventSurfaceShown  Event = "ui_surface_shown"
	EventSurfaceHidden Event = "ui_surface_hidden"
)

// SourcePackageDefault is the reserved source package for providers built
// into this process. Payloads from default providers keep their raw IDs:
// external consumers key off them directly.
const SourcePackageDefault = "smartspacer"

// ProviderConfig is the configuration a provider declares about itself,
// fetched with a get_*_config call.
type ProviderConfig struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Icon                 string `json:"icon"`
	RefreshPeriodMinutes int    `json:"refresh_period_minutes"`
}

// TargetPayload is the live content of one information card.
type TargetPayload struct {
	ID                      string        `json:"id"`
	Title                   string        `json:"title"`
	Subtitle                string        `json:"subtitle"`
	Icon                    string        `json:"icon"`
	TapAction               string        `json:"tap_action,omitempty"`
	FeatureType             int           `json:"feature_type,omitempty"`
	LimitToSurfaces         []Surface     `json:"limit_to_surfaces,omitempty"`
	Dismissible             bool          `json:"dismissible,omitempty"`
	CanTakeTwoComplications bool          `json:"can_take_two_complications,omitempty"`
	HideIfNoComplications   bool          `json:"hide_if_no_complications,omitempty"`
	Template                *TemplateData `json:"template,omitempty"`
}

// ActionPayload is the live content of one action chip.
type ActionPayload struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Subtitle        string    `json:"subtitle"`
	Icon            string    `json:"icon"`
	TapAction       string    `json:"tap_action,omitempty"`
	LimitToSurfaces []Surface `json:"limit_to_surfaces,omitempty"`
}

// AllowsSurface reports whether the payload's own surface limit permits the
// given surface. An empty limit set permits all surfaces.
func (t TargetPayload) AllowsSurface(surface Surface) bool {
	return surfaceAllowed(t.LimitToSurfaces, surface)
}

// AllowsSurface reports whether the payload's own surface limit permits the
// given surface. An empty limit set permits all surfaces.
func (a ActionPayload) AllowsSurface(surface Surface) bool {
	return surfaceAllowed(a.LimitToSurfaces, surface)
}

func surfaceAllowed(limit []Surface, surface Surface) bool {
	if len(limit) == 0 {
		return true
	}
	for _, s := range limit {
		if s == surface {
			return true
		}
	}
	return false
}

// TemplateData carries optional rich template content for a target.
type TemplateData struct {
	Type          string         `json:"type"`
	CarouselItems []CarouselItem `json:"carousel_items,omitempty"`
	SubListItems  []string       `json:"sub_list_items,omitempty"`
	HeadToHead    *HeadToHead    `json:"head_to_head,omitempty"`
}

// CarouselItem is one column of a carousel template.
type CarouselItem struct {
	UpperText string `json:"upper_text"`
	LowerText string `json:"lower_text"`
	Icon      string `json:"icon,omitempty"`
}

// HeadToHead is the two-competitor template (scores, matchups).
type HeadToHead struct {
	Title       string `json:"title"`
	FirstName   string `json:"first_name"`
	FirstScore  string `json:"first_score"`
	SecondName  string `json:"second_name"`
	SecondScore string `json:"second_score"`
}
