package dispatch

import (
	"sync"
	"testing"
	"time"

	"smartspacer/internal/clock"
	"smartspacer/internal/database"
	"smartspacer/internal/merge"
	"smartspacer/internal/smartspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConfigs struct {
	periods map[string]time.Duration
}

func (f *fakeConfigs) RefreshPeriod(authority string) time.Duration {
	return f.periods[authority]
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRefresher) Call(authority, method string, args map[string]any) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args["id"].(string))
	return []byte(`{}`), nil
}

func (f *fakeRefresher) refreshed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func page(targetID, authority, pkg string, actionDefs ...*database.ComplicationRecord) merge.Page {
	return merge.Page{
		Target: smartspace.TargetPayload{ID: targetID + "_payload"},
		TargetDef: &database.TargetRecord{
			ID:            targetID,
			Authority:     authority,
			SourcePackage: pkg,
		},
		ActionDefs: actionDefs,
	}
}

func newDispatcher(periods map[string]time.Duration) (*Dispatcher, *fakeRefresher, *clock.MockClock) {
	refresher := &fakeRefresher{}
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(&fakeConfigs{periods: periods}, refresher, clk, zap.NewNop())
	return d, refresher, clk
}

func TestRequestPluginUpdatesIsIdempotent(t *testing.T) {
	d, refresher, _ := newDispatcher(map[string]time.Duration{
		"com.a.targets": 30 * time.Minute,
	})
	pages := []merge.Page{page("t1", "com.a.targets", "com.a")}

	d.RequestPluginUpdates(pages, "")
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1"}, refresher.refreshed())
}

func TestRefreshAfterPeriodElapsed(t *testing.T) {
	d, refresher, clk := newDispatcher(map[string]time.Duration{
		"com.a.targets": 30 * time.Minute,
	})
	pages := []merge.Page{page("t1", "com.a.targets", "com.a")}

	d.RequestPluginUpdates(pages, "")
	clk.Advance(29 * time.Minute)
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1"}, refresher.refreshed())

	clk.Advance(time.Minute)
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1", "t1"}, refresher.refreshed())
}

func TestDefaultPeriodWhenProviderDeclaresNone(t *testing.T) {
	d, refresher, clk := newDispatcher(nil)
	pages := []merge.Page{page("t1", "com.a.targets", "com.a")}

	d.RequestPluginUpdates(pages, "")
	clk.Advance(59 * time.Minute)
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1"}, refresher.refreshed())

	clk.Advance(time.Minute)
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1", "t1"}, refresher.refreshed())
}

func TestResetItemRefreshesOnlyThatItem(t *testing.T) {
	d, refresher, _ := newDispatcher(map[string]time.Duration{
		"com.a.targets": 30 * time.Minute,
		"com.b.targets": 30 * time.Minute,
	})
	pages := []merge.Page{
		page("t1", "com.a.targets", "com.a"),
		page("t2", "com.b.targets", "com.b"),
	}

	d.RequestPluginUpdates(pages, "")
	require.Equal(t, []string{"t1", "t2"}, refresher.refreshed())

	d.ResetItem("t1")
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1", "t2", "t1"}, refresher.refreshed())
}

func TestLimitToPackage(t *testing.T) {
	d, refresher, _ := newDispatcher(nil)
	pages := []merge.Page{
		page("t1", "com.a.targets", "com.a"),
		page("t2", "com.b.targets", "com.b"),
	}

	d.RequestPluginUpdates(pages, "com.b")
	assert.Equal(t, []string{"t2"}, refresher.refreshed())
}

func TestComplicationsOnPagesAreRefreshed(t *testing.T) {
	d, refresher, _ := newDispatcher(nil)
	def := &database.ComplicationRecord{ID: "c1", Authority: "com.a.actions", SourcePackage: "com.a"}
	pages := []merge.Page{
		page("t1", "com.a.targets", "com.a", def),
		page("t2", "com.b.targets", "com.b", def),
	}

	// The shared complication appears on two pages but refreshes once.
	d.RequestPluginUpdates(pages, "")
	assert.Equal(t, []string{"t1", "c1", "t2"}, refresher.refreshed())
}

func TestNotifyChangedFansOut(t *testing.T) {
	d, _, _ := newDispatcher(nil)

	var mu sync.Mutex
	var got []smartspace.Surface
	remove := d.AddConsumer(func(surface smartspace.Surface) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, surface)
	})

	d.NotifyChanged(smartspace.SurfaceHomescreen)
	remove()
	d.NotifyChanged(smartspace.SurfaceLockscreen)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []smartspace.Surface{smartspace.SurfaceHomescreen}, got)
}
