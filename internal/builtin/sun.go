package builtin

import (
	"sync"
	"time"

	"smartspacer/internal/bus"
	"smartspacer/internal/clock"
	"smartspacer/internal/providers"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// SunAuthority is the built-in daylight requirement provider's authority.
const SunAuthority = "smartspacer.sun"

func init() {
	providers.Register(providers.Info{
		Name:        "sun",
		Description: "Daylight requirement",
		Priority:    providers.PriorityDefault,
		Factory:     newSunRequirement,
	})
}

// sunRequirement evaluates to true while the sun is up at the configured
// location. Every binding re-evaluates at the next sunrise or sunset.
type sunRequirement struct {
	clock    clock.Clock
	settings *settings.Store
	logger   *zap.Logger

	mu       sync.Mutex
	bindings map[int]*sunBinding
	nextID   int
}

type sunBinding struct {
	handler func(bool)
	timer   clock.Timer
	closed  bool
}

func newSunRequirement(ctx *providers.Context) (providers.Builtin, error) {
	return &sunRequirement{
		clock:    ctx.Clock,
		settings: ctx.Settings,
		logger:   ctx.Logger.Named("builtin.sun"),
		bindings: make(map[int]*sunBinding),
	}, nil
}

func (s *sunRequirement) Authority() string      { return SunAuthority }
func (s *sunRequirement) Kind() bus.ProviderKind { return bus.KindRequirement }

func (s *sunRequirement) Config() smartspace.ProviderConfig {
	return smartspace.ProviderConfig{
		Name:        "Daylight",
		Description: "Met while the sun is up at your location",
		Icon:        "sun",
	}
}

// Bind pushes the current value immediately and again at every daylight
// transition until unbound.
func (s *sunRequirement) Bind(requirementID string, handler func(bool)) (func(), error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	binding := &sunBinding{handler: handler}
	s.bindings[id] = binding
	s.mu.Unlock()

	s.evaluate(binding)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		binding.closed = true
		if binding.timer != nil {
			binding.timer.Stop()
		}
		delete(s.bindings, id)
	}, nil
}

// evaluate pushes the current daylight state and schedules the next
// transition.
func (s *sunRequirement) evaluate(binding *sunBinding) {
	current := s.settings.Get()
	now := s.clock.Now()

	up, next := daylight(now, current.Latitude, current.Longitude)

	s.mu.Lock()
	if binding.closed {
		s.mu.Unlock()
		return
	}
	binding.timer = s.clock.AfterFunc(next.Sub(now), func() {
		s.evaluate(binding)
	})
	handler := binding.handler
	s.mu.Unlock()

	s.logger.Debug("Daylight evaluated", zap.Bool("up", up), zap.Time("next_transition", next))
	handler(up)
}

// daylight reports whether the sun is up at the given instant and the time
// of the next transition.
func daylight(now time.Time, latitude, longitude float64) (up bool, next time.Time) {
	rise, set := sunrise.SunriseSunset(latitude, longitude, now.Year(), now.Month(), now.Day())

	switch {
	case now.Before(rise):
		return false, rise
	case now.Before(set):
		return true, set
	default:
		nextDay := now.AddDate(0, 0, 1)
		nextRise, _ := sunrise.SunriseSunset(latitude, longitude, nextDay.Year(), nextDay.Month(), nextDay.Day())
		return false, nextRise
	}
}
