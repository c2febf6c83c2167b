package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	m := New(append([]Option{WithLogger(logger.NewDiscard())}, opts...)...)
	t.Cleanup(m.Close)
	return m
}

// force puts the machine into s without validation
func force(m *Machine, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.last = nil
}

var happyPath = []State{Initiating, StoppingCapture, FlushingBuffers, Reinitializing, Verifying, Completed}

func TestHappyPathRecordsHistory(t *testing.T) {
	t.Parallel()

	var snaps atomic.Int32
	m := newTestMachine(t, WithSnapshotter(SnapshotFunc(func() Snapshot {
		snaps.Add(1)
		return Snapshot{PoolInUse: 3, Components: map[string]string{"capture": "running"}}
	})))

	require.NoError(t, m.RunSequence(context.Background(), happyPath...))
	assert.Equal(t, Completed, m.State())

	history := m.History()
	require.Len(t, history, len(happyPath))
	prev := Idle
	for i, h := range history {
		assert.True(t, h.Success, "step %d", i)
		assert.Equal(t, prev, h.From)
		assert.Equal(t, happyPath[i], h.To)
		assert.Equal(t, uint64(i+1), h.Seq)
		require.NotNil(t, h.Snapshot)
		assert.Equal(t, 3, h.Snapshot.PoolInUse)
		assert.NotEqual(t, uuid.Nil, h.Session)
		assert.Equal(t, history[0].Session, h.Session)
		prev = h.To
	}
	assert.Equal(t, int32(len(happyPath)), snaps.Load())
}

func TestIdleToCompletedRejected(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	err := m.TransitionTo(context.Background(), Completed)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, errors.IsProtocol(err))
	assert.Equal(t, Idle, m.State())

	history := m.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Err)
	assert.Nil(t, history[0].Snapshot)
}

func TestTransitionLegality(t *testing.T) {
	t.Parallel()

	for _, from := range States {
		for _, to := range States {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				t.Parallel()
				m := newTestMachine(t)
				force(m, from)

				err := m.TransitionTo(context.Background(), to)
				if to == Failed || CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, m.State())
					return
				}
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, m.State(), "rejected transition must leave state unchanged")
			})
		}
	}
}

func TestFailedOnlyLeadsToIdle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []State{Idle, Failed}, Targets(Failed))
	for _, s := range States {
		assert.True(t, CanTransition(s, Failed), s.String())
		if s != Idle && s != Failed {
			assert.False(t, CanTransition(Failed, s), s.String())
		}
	}
}

func TestValidationOrder(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	var order []string
	m.SetValidationHook(func(from, to State) error {
		order = append(order, "hook")
		return nil
	})
	m.AddInvariant(Initiating, "inv", func(from, to State) error {
		order = append(order, "invariant")
		return nil
	})
	m.AddValidator(Idle, Initiating, PreCleanup, func(context.Context, State, State) error {
		order = append(order, "pre_cleanup")
		return nil
	})
	m.AddValidator(Idle, Initiating, ResourceCheck, func(context.Context, State, State) error {
		order = append(order, "resource")
		return nil
	})
	m.AddValidator(Idle, Initiating, HealthCheck, func(context.Context, State, State) error {
		order = append(order, "health")
		return nil
	})
	m.OnEnter(Initiating, func(from, to State) {
		order = append(order, "enter")
	})

	require.NoError(t, m.TransitionTo(context.Background(), Initiating))
	assert.Equal(t, []string{"hook", "invariant", "resource", "health", "pre_cleanup", "enter"}, order)
}

func TestRejectionsLeaveStateUnchanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(m *Machine)
		wantErr error
	}{
		{
			name: "hook",
			setup: func(m *Machine) {
				m.SetValidationHook(func(State, State) error { return fmt.Errorf("not now") })
			},
			wantErr: ErrHookRejected,
		},
		{
			name: "invariant",
			setup: func(m *Machine) {
				m.AddInvariant(Initiating, "ready", func(State, State) error { return fmt.Errorf("not ready") })
			},
			wantErr: ErrInvariantViolated,
		},
		{
			name: "validator",
			setup: func(m *Machine) {
				m.AddValidator(Idle, Initiating, HealthCheck, func(context.Context, State, State) error {
					return fmt.Errorf("unhealthy")
				})
			},
			wantErr: ErrValidatorFailed,
		},
		{
			name: "panic",
			setup: func(m *Machine) {
				m.AddValidator(Idle, Initiating, ResourceCheck, func(context.Context, State, State) error {
					panic("validator bug")
				})
			},
			wantErr: ErrValidatorPanic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newTestMachine(t)
			tt.setup(m)

			err := m.TransitionTo(context.Background(), Initiating)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, Idle, m.State())

			history := m.History()
			require.Len(t, history, 1)
			assert.False(t, history[0].Success)

			require.NoError(t, m.TransitionTo(context.Background(), Failed), "failed is always reachable")
		})
	}
}

func TestPanicCarriesStack(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	m.AddInvariant(Initiating, "boom", func(State, State) error { panic("boom") })

	err := m.TransitionTo(context.Background(), Initiating)
	require.ErrorIs(t, err, ErrValidatorPanic)

	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	stack, ok := ee.GetContext()["stack"].(string)
	require.True(t, ok)
	assert.Contains(t, stack, "goroutine")
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.TransitionTo(ctx, Initiating)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, Idle, m.State())

	require.NoError(t, m.TransitionTo(ctx, Failed))
}

func TestRollback(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	require.ErrorIs(t, m.Rollback(context.Background()), ErrNoRollback)

	var undone atomic.Bool
	m.AddRollback(Initiating, StoppingCapture, func(context.Context) error {
		undone.Store(true)
		return nil
	})
	require.NoError(t, m.RunSequence(context.Background(), Initiating, StoppingCapture))
	require.NoError(t, m.Rollback(context.Background()))
	assert.True(t, undone.Load())
	assert.Equal(t, Initiating, m.State())

	history := m.History()
	last := history[len(history)-1]
	assert.True(t, last.Rollback)
	assert.True(t, last.Success)
	assert.Equal(t, StoppingCapture, last.From)
	assert.Equal(t, Initiating, last.To)

	require.ErrorIs(t, m.Rollback(context.Background()), ErrNoRollback, "a rollback cannot be undone")

	require.NoError(t, m.TransitionTo(context.Background(), StoppingCaptureLeft))
	require.ErrorIs(t, m.Rollback(context.Background()), ErrNoRollback, "no rollback registered for this pair")
}

func TestRollbackFailureKeepsState(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	m.AddRollback(Idle, Initiating, func(context.Context) error { return fmt.Errorf("stuck") })
	require.NoError(t, m.TransitionTo(context.Background(), Initiating))

	require.ErrorIs(t, m.Rollback(context.Background()), ErrRollbackFailed)
	assert.Equal(t, Initiating, m.State())
}

func TestReset(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	require.ErrorIs(t, m.Reset(), ErrNotTerminal)

	require.NoError(t, m.TransitionTo(context.Background(), Initiating))
	first := m.Session()
	require.NoError(t, m.TransitionTo(context.Background(), Failed))
	require.ErrorIs(t, m.TransitionTo(context.Background(), Initiating), ErrInvalidTransition)

	require.NoError(t, m.Reset())
	assert.Equal(t, Idle, m.State())

	require.NoError(t, m.TransitionTo(context.Background(), Initiating))
	assert.NotEqual(t, first, m.Session(), "each recovery gets a new session")
}

func TestStateChangesAreOrdered(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	ch, cancel := m.Subscribe(32)
	defer cancel()

	require.NoError(t, m.RunSequence(context.Background(), happyPath...))
	require.Error(t, m.TransitionTo(context.Background(), Verifying))
	require.NoError(t, m.TransitionTo(context.Background(), Idle))

	want := append(append([]State{}, happyPath...), Idle)
	var lastSeq uint64
	for i, to := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, to, ev.To, "event %d", i)
			assert.Greater(t, ev.Seq, lastSeq)
			lastSeq = ev.Seq
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t, WithHistoryLimit(4))
	for range 10 {
		_ = m.TransitionTo(context.Background(), Completed)
	}
	history := m.History()
	require.Len(t, history, 4)
	assert.Equal(t, uint64(10), history[3].Seq)
}

func TestParseState(t *testing.T) {
	t.Parallel()

	for _, s := range States {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("sleeping")
	require.Error(t, err)
}

func TestSlowSubscriberMissesNoStateChange(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t)
	ch, cancel := m.Subscribe(1)
	defer cancel()

	// commit everything before reading anything
	require.NoError(t, m.RunSequence(context.Background(), happyPath...))
	require.NoError(t, m.Reset())
	require.NoError(t, m.TransitionTo(context.Background(), Initiating))

	want := append(append([]State{}, happyPath...), Idle, Initiating)
	for i, to := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, to, ev.To, "event %d", i)
			assert.Equal(t, uint64(i+1), ev.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("state change %d (%s) not delivered", i, to)
		}
	}
	assert.Zero(t, m.Undelivered())
}

type changeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *changeReporter) ReportError(_, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestChangeAfterCloseIsReported(t *testing.T) {
	t.Parallel()

	rep := &changeReporter{}
	m := newTestMachine(t, WithErrorReporter(rep))
	ch, cancel := m.Subscribe(4)
	defer cancel()

	require.NoError(t, m.TransitionTo(context.Background(), Initiating))
	m.Close()
	require.NoError(t, m.TransitionTo(context.Background(), Failed))

	var got []State
	for ev := range ch {
		got = append(got, ev.To)
	}
	assert.Equal(t, []State{Initiating}, got)
	assert.Equal(t, uint64(1), m.Undelivered())

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.errs, 1)
	assert.ErrorIs(t, rep.errs[0], ErrChangeNotDelivered)
	assert.True(t, errors.IsProtocol(rep.errs[0]))
}
