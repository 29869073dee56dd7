package repository

import (
	"errors"
	"testing"
	"time"

	"smartspacer/internal/bus"
	"smartspacer/internal/database"
	"smartspacer/internal/requirements"
	"smartspacer/internal/smartspace"
	"smartspacer/internal/uniqueid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func targetRecord(id, authority, pkg string, index int) database.TargetRecord {
	return database.TargetRecord{
		ID:               id,
		Authority:        authority,
		SourcePackage:    pkg,
		Index:            index,
		ShowOnHomeScreen: true,
		ShowOnLockScreen: true,
	}
}

func complicationRecord(id, authority, pkg string, index int) database.ComplicationRecord {
	return database.ComplicationRecord{
		ID:               id,
		Authority:        authority,
		SourcePackage:    pkg,
		Index:            index,
		ShowOnHomeScreen: true,
		ShowOnLockScreen: true,
	}
}

func waitForTargets(t *testing.T, targets *Targets, check func([]TargetHolder) bool) []TargetHolder {
	t.Helper()
	var last []TargetHolder
	require.Eventually(t, func() bool {
		last = targets.Current()
		return check(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestTargetsCollidingRawIDsStayDistinct(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1", Title: "Alpha"}})
	mock.SetTargetPayloads("com.beta.targets", []smartspace.TargetPayload{{ID: "t1", Title: "Beta"}})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))
	require.NoError(t, db.AddTarget(targetRecord("b", "com.beta.targets", "com.beta", 1)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 2 && len(hs[0].Payloads) == 1 && len(hs[1].Payloads) == 1
	})

	alpha := holders[0].Payloads[0].ID
	beta := holders[1].Payloads[0].ID
	assert.NotEqual(t, alpha, beta)
	assert.True(t, uniqueid.IsEncoded(alpha))

	pkg, raw, ok := uniqueid.Decode(alpha)
	require.True(t, ok)
	assert.Equal(t, "com.alpha", pkg)
	assert.Equal(t, "t1", raw)
}

func TestTargetsDefaultProviderKeepsRawIDs(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("smartspacer.date", []smartspace.TargetPayload{{ID: "date", Title: "Thursday"}})
	require.NoError(t, db.AddTarget(targetRecord("d", "smartspacer.date", smartspace.SourcePackageDefault, 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})
	assert.Equal(t, "date", holders[0].Payloads[0].ID)
}

func TestTargetsAtomicSlotSubstitution(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{
		{ID: "t1", Title: "One"},
		{ID: "t2", Title: "Two"},
	})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 2
	})

	// Replacing the plugin's payloads swaps its entire slot, never a
	// partial mix of old and new.
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t3", Title: "Three"}})
	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})
	pkg, raw, ok := uniqueid.Decode(holders[0].Payloads[0].ID)
	require.True(t, ok)
	assert.Equal(t, "com.alpha", pkg)
	assert.Equal(t, "t3", raw)
}

func TestTargetsOrderFollowsPersistedIndex(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "a1"}})
	mock.SetTargetPayloads("com.beta.targets", []smartspace.TargetPayload{{ID: "b1"}})
	require.NoError(t, db.AddTarget(targetRecord("b", "com.beta.targets", "com.beta", 0)))
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 1)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 2
	})
	assert.Equal(t, "com.beta", holders[0].Target.SourcePackage)
	assert.Equal(t, "com.alpha", holders[1].Target.SourcePackage)
}

func TestTargetsFailedRequirementYieldsEmptyPayloads(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1"}})
	mock.SetRequirementValue("com.alpha.conditions", "r1", false)
	require.NoError(t, db.AddRequirement(database.RequirementRecord{
		ID: "r1", Authority: "com.alpha.conditions", SourcePackage: "com.alpha",
	}))

	record := targetRecord("a", "com.alpha.targets", "com.alpha", 0)
	record.AllRequirements = []string{"r1"}
	require.NoError(t, db.AddTarget(record))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	// Definition stays in the list, contributing nothing.
	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1
	})
	assert.Empty(t, holders[0].Payloads)

	mock.SetRequirementValue("com.alpha.conditions", "r1", true)
	holders = waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})

	mock.SetRequirementValue("com.alpha.conditions", "r1", false)
	waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 0
	})
}

func TestTargetsQueryErrorContributesNothing(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetQueryError("com.alpha.targets", errors.New("provider gone"))
	mock.SetTargetPayloads("com.beta.targets", []smartspace.TargetPayload{{ID: "b1"}})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))
	require.NoError(t, db.AddTarget(targetRecord("b", "com.beta.targets", "com.beta", 1)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 2 && len(hs[1].Payloads) == 1
	})
	assert.Empty(t, holders[0].Payloads)
}

func TestTargetsDismissRoutesToOwner(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1"}})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	holders := waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})

	require.NoError(t, targets.Dismiss(holders[0].Payloads[0].ID))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "com.alpha.targets", calls[0].Authority)
	assert.Equal(t, "dismiss", calls[0].Method)
	// The plugin receives its own raw ID back, not the rewritten one.
	assert.Equal(t, "t1", calls[0].Args["id"])

	assert.Error(t, targets.Dismiss("smartspacer_unique_com.nobody_x"))
}

func TestTargetsReconcileOnDatabaseChange(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1"}})

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	waitForTargets(t, targets, func(hs []TargetHolder) bool { return len(hs) == 0 })

	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))
	waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})

	require.NoError(t, db.DeleteTarget("a"))
	waitForTargets(t, targets, func(hs []TargetHolder) bool { return len(hs) == 0 })
}

func TestTargetsForceReloadLimitsToPackage(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1"}})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})

	// Seed new content without a change event, then reload explicitly.
	mock.SetQueryError("com.alpha.targets", nil)
	mock.SetTargetPayloads("com.other.targets", nil)
	targets.ForceReload("com.alpha")
	waitForTargets(t, targets, func(hs []TargetHolder) bool {
		return len(hs) == 1 && len(hs[0].Payloads) == 1
	})
}

func TestComplicationsAggregateAndRewrite(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetActionPayloads("com.alpha.actions", []smartspace.ActionPayload{{ID: "c1", Title: "72F"}})
	mock.SetActionPayloads("com.beta.actions", []smartspace.ActionPayload{{ID: "c1", Title: "Sunny"}})
	require.NoError(t, db.AddComplication(complicationRecord("a", "com.alpha.actions", "com.alpha", 0)))
	require.NoError(t, db.AddComplication(complicationRecord("b", "com.beta.actions", "com.beta", 1)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	complications := NewComplications(mock, db, eval, zap.NewNop())
	require.NoError(t, complications.Start())
	defer complications.Stop()

	var holders []ComplicationHolder
	require.Eventually(t, func() bool {
		holders = complications.Current()
		return len(holders) == 2 && len(holders[0].Payloads) == 1 && len(holders[1].Payloads) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotEqual(t, holders[0].Payloads[0].ID, holders[1].Payloads[0].ID)

	pkg, raw, ok := uniqueid.Decode(holders[1].Payloads[0].ID)
	require.True(t, ok)
	assert.Equal(t, "com.beta", pkg)
	assert.Equal(t, "c1", raw)
}

func TestComplicationsClickRoutesToOwner(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetActionPayloads("com.alpha.actions", []smartspace.ActionPayload{{ID: "c1"}})
	require.NoError(t, db.AddComplication(complicationRecord("a", "com.alpha.actions", "com.alpha", 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	complications := NewComplications(mock, db, eval, zap.NewNop())
	require.NoError(t, complications.Start())
	defer complications.Stop()

	var holders []ComplicationHolder
	require.Eventually(t, func() bool {
		holders = complications.Current()
		return len(holders) == 1 && len(holders[0].Payloads) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, complications.Click(holders[0].Payloads[0].ID))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "click", calls[0].Method)
	assert.Equal(t, "c1", calls[0].Args["id"])
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	db := newTestDB(t)
	mock := bus.NewMockBus()
	mock.SetTargetPayloads("com.alpha.targets", []smartspace.TargetPayload{{ID: "t1"}})
	require.NoError(t, db.AddTarget(targetRecord("a", "com.alpha.targets", "com.alpha", 0)))

	eval := requirements.NewEvaluator(mock, zap.NewNop())
	targets := NewTargets(mock, db, eval, zap.NewNop())
	require.NoError(t, targets.Start())
	defer targets.Stop()

	got := make(chan []TargetHolder, 16)
	unsubscribe := targets.Subscribe(func(hs []TargetHolder) {
		got <- hs
	})
	defer unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case hs := <-got:
			return len(hs) == 1 && len(hs[0].Payloads) == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
