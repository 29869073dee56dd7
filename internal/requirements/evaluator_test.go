package requirements

import (
	"errors"
	"sync"
	"testing"

	"smartspacer/internal/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func req(id string, invert bool) Requirement {
	return Requirement{
		ID:            id,
		Authority:     "com.example.conditions",
		SourcePackage: "com.example",
		Invert:        invert,
	}
}

type recorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *recorder) record(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) emitted() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.values...)
}

func TestAnyEmptySetRejected(t *testing.T) {
	eval := NewEvaluator(bus.NewMockBus(), zap.NewNop())
	_, err := eval.Any(nil, func(bool) {})
	require.Error(t, err)
	_, err = eval.All(nil, func(bool) {})
	require.Error(t, err)
}

func TestAnySingleMember(t *testing.T) {
	mock := bus.NewMockBus()
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.Any([]Requirement{req("r1", false)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	// No value known yet: initial emission is false.
	assert.Equal(t, []bool{false}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r1", true)
	assert.Equal(t, []bool{false, true}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r1", false)
	mock.SetRequirementValue("com.example.conditions", "r1", true)
	assert.Equal(t, []bool{false, true, false, true}, rec.emitted())
}

func TestAnyDistinctUntilChanged(t *testing.T) {
	mock := bus.NewMockBus()
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.Any([]Requirement{req("r1", false), req("r2", false)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	mock.SetRequirementValue("com.example.conditions", "r1", true)
	// Second member turning true does not change the OR result.
	mock.SetRequirementValue("com.example.conditions", "r2", true)
	assert.Equal(t, []bool{false, true}, rec.emitted())

	// Still true while one member holds.
	mock.SetRequirementValue("com.example.conditions", "r1", false)
	assert.Equal(t, []bool{false, true}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r2", false)
	assert.Equal(t, []bool{false, true, false}, rec.emitted())
}

func TestAnyRespectsInvert(t *testing.T) {
	mock := bus.NewMockBus()
	mock.SetRequirementValue("com.example.conditions", "r1", false)
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	// Inverted false member evaluates true.
	composite, err := eval.Any([]Requirement{req("r1", true)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	assert.Equal(t, []bool{true}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r1", true)
	assert.Equal(t, []bool{true, false}, rec.emitted())
}

func TestAllRequiresEveryMember(t *testing.T) {
	mock := bus.NewMockBus()
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.All([]Requirement{req("r1", false), req("r2", false), req("r3", false)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	mock.SetRequirementValue("com.example.conditions", "r1", true)
	mock.SetRequirementValue("com.example.conditions", "r2", true)
	assert.Equal(t, []bool{false}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r3", true)
	assert.Equal(t, []bool{false, true}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r2", false)
	assert.Equal(t, []bool{false, true, false}, rec.emitted())
}

func TestAllWithInvertedMember(t *testing.T) {
	mock := bus.NewMockBus()
	mock.SetRequirementValue("com.example.conditions", "r1", true)
	mock.SetRequirementValue("com.example.conditions", "r2", false)
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	// r1 true AND NOT r2 ⇒ true.
	composite, err := eval.All([]Requirement{req("r1", false), req("r2", true)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	assert.Equal(t, []bool{true}, rec.emitted())

	mock.SetRequirementValue("com.example.conditions", "r2", true)
	assert.Equal(t, []bool{true, false}, rec.emitted())
}

// failingBinder refuses every binding, simulating a provider whose process
// is gone before the composite is even built.
type failingBinder struct{}

func (failingBinder) BindRequirement(string, string, func(bool)) (bus.Subscription, error) {
	return nil, errors.New("provider process died")
}

func TestDeadProviderTreatedAsFalse(t *testing.T) {
	eval := NewEvaluator(failingBinder{}, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.Any([]Requirement{req("r1", false)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	assert.Equal(t, []bool{false}, rec.emitted())
	assert.False(t, composite.Value())
}

// capturingBinder hands the bound member handler back to the test so it
// can be driven directly from multiple goroutines.
type capturingBinder struct {
	mu       sync.Mutex
	handlers []func(bool)
}

type capturedSub struct{}

func (capturedSub) Unsubscribe() error { return nil }

func (b *capturingBinder) BindRequirement(_, _ string, handler func(bool)) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return capturedSub{}, nil
}

func TestConcurrentMemberUpdatesDeliverInOrder(t *testing.T) {
	binder := &capturingBinder{}
	eval := NewEvaluator(binder, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.Any([]Requirement{req("r1", false)}, rec.record)
	require.NoError(t, err)
	defer composite.Close()

	require.Len(t, binder.handlers, 1)
	push := binder.handlers[0]

	// Hammer the single member from two goroutines. Every distinct
	// composite value must reach the handler in the order it was
	// computed, so the recorded sequence strictly alternates.
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				push(true)
				push(false)
			}
		}()
	}
	wg.Wait()

	emitted := rec.emitted()
	require.NotEmpty(t, emitted)
	assert.False(t, emitted[0])
	for i := 1; i < len(emitted); i++ {
		if emitted[i] == emitted[i-1] {
			t.Fatalf("emission %d repeated value %v", i, emitted[i])
		}
	}
}

func TestCloseStopsEmissions(t *testing.T) {
	mock := bus.NewMockBus()
	eval := NewEvaluator(mock, zap.NewNop())
	rec := &recorder{}

	composite, err := eval.Any([]Requirement{req("r1", false)}, rec.record)
	require.NoError(t, err)

	composite.Close()
	mock.SetRequirementValue("com.example.conditions", "r1", true)
	assert.Equal(t, []bool{false}, rec.emitted())
}
