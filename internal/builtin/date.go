// Package builtin holds the stock providers compiled into the daemon. They
// register themselves with the providers registry from init() and are
// served under the reserved default source package, so their payload IDs
// are never rewritten.
package builtin

import (
	"time"

	"smartspacer/internal/bus"
	"smartspacer/internal/clock"
	"smartspacer/internal/providers"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// DateAuthority is the built-in date target provider's authority.
const DateAuthority = "smartspacer.date"

func init() {
	providers.Register(providers.Info{
		Name:        "date",
		Description: "At a glance date target",
		Priority:    providers.PriorityDefault,
		Factory:     newDateTarget,
	})
}

// dateTarget serves a single "at a glance" card carrying the current date.
// It notifies a content change at every local midnight.
type dateTarget struct {
	clock  clock.Clock
	logger *zap.Logger
	notify func(authority string)
	timer  clock.Timer
}

func newDateTarget(ctx *providers.Context) (providers.Builtin, error) {
	d := &dateTarget{
		clock:  ctx.Clock,
		logger: ctx.Logger.Named("builtin.date"),
		notify: ctx.NotifyChange,
	}
	d.scheduleRollover()
	return d, nil
}

func (d *dateTarget) Authority() string      { return DateAuthority }
func (d *dateTarget) Kind() bus.ProviderKind { return bus.KindTarget }

func (d *dateTarget) Config() smartspace.ProviderConfig {
	return smartspace.ProviderConfig{
		Name:                 "Date",
		Description:          "Shows the current date",
		Icon:                 "calendar",
		RefreshPeriodMinutes: 60,
	}
}

func (d *dateTarget) Targets() ([]smartspace.TargetPayload, error) {
	now := d.clock.Now()
	return []smartspace.TargetPayload{{
		ID:                      "date",
		Title:                   now.Format("Monday, January 2"),
		FeatureType:             1,
		CanTakeTwoComplications: true,
	}}, nil
}

func (d *dateTarget) scheduleRollover() {
	now := d.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	d.timer = d.clock.AfterFunc(midnight.Sub(now), func() {
		d.logger.Debug("Date rolled over")
		if d.notify != nil {
			d.notify(DateAuthority)
		}
		d.scheduleRollover()
	})
}
