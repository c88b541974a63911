package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResumeRunnableStateMachine(t *testing.T) {
	s := New()
	s.Register(1)
	require.Equal(t, BeingCreated, s.State(1))

	s.Resume(1)
	require.Equal(t, Runnable, s.State(1))
	require.Equal(t, 1, s.RunnableLen())
}

func TestSleepingRemovesFromRunnableQueueAndResumeReAdds(t *testing.T) {
	s := New()
	s.Register(1)
	s.Resume(1)
	s.Switch() // dispatch thread 1, draining the runnable queue
	require.Equal(t, 0, s.RunnableLen())

	s.Suspend(1)
	require.Equal(t, Sleeping, s.State(1))
	require.Equal(t, 0, s.RunnableLen())

	s.Resume(1)
	require.Equal(t, Runnable, s.State(1))
	require.Equal(t, 1, s.RunnableLen())
}

func TestPreventNextSleepClosesRace(t *testing.T) {
	s := New()
	s.Register(1)
	s.Resume(1)
	s.Switch()

	// Thread is about to suspend waiting on an event, but the IRQ
	// handler resumes it first.
	s.PreventNextSleep(1)
	require.Equal(t, Drowsy, s.State(1))

	s.Resume(1) // the "IRQ" winning the race
	require.Equal(t, Insomniac, s.State(1))

	s.Suspend(1) // the thread's own suspend call, now a no-op
	require.Equal(t, Runnable, s.State(1))
	require.Equal(t, 1, s.RunnableLen())
}

func TestPreventNextSleepNoRaceStillSleeps(t *testing.T) {
	s := New()
	s.Register(1)
	s.Resume(1)
	s.Switch()

	s.PreventNextSleep(1)
	s.Suspend(1)
	require.Equal(t, Sleeping, s.State(1))
}

func TestIdleThreadCannotSuspendOrExit(t *testing.T) {
	s := New()
	require.Panics(t, func() { s.Suspend(IdleThreadID) })
	require.Panics(t, func() { s.Exit(IdleThreadID) })
}

func TestIdleThreadRunsWhenNothingElseRunnable(t *testing.T) {
	s := New()
	require.Equal(t, IdleThreadID, s.Switch())
}

func TestTickRequeuesAtZeroTimeSlice(t *testing.T) {
	s := New()
	s.Register(1)
	s.Resume(1)
	s.Switch()

	for i := 0; i < DefaultTimeSlice-1; i++ {
		require.False(t, s.Tick())
	}
	require.True(t, s.Tick())
	require.Equal(t, 1, s.RunnableLen())
}

func TestTimersResumeAtOrAfterFireTime(t *testing.T) {
	s := New()
	s.Register(1)
	s.Switch() // current stays idle; thread 1 not yet runnable

	s.AddTimer(100, 1)
	fired := s.ExpireTimersUpTo(50)
	require.Empty(t, fired)

	fired = s.ExpireTimersUpTo(100)
	require.Equal(t, []KernelThreadID{1}, fired)
	require.Equal(t, Runnable, s.State(1))
}

func TestCancelAllForThreadRemovesPendingTimers(t *testing.T) {
	s := New()
	s.Register(1)
	s.AddTimer(100, 1)
	s.AddTimer(200, 1)

	n := s.CancelAllForThread(1)
	require.Equal(t, 2, n)

	fired := s.ExpireTimersUpTo(1000)
	require.Empty(t, fired)
}

func TestExitRemovesThreadAndTimers(t *testing.T) {
	s := New()
	s.Register(1)
	s.Resume(1)
	s.AddTimer(50, 1)

	s.Exit(1)
	require.Panics(t, func() { s.State(1) })
	require.Equal(t, 0, s.RunnableLen())
}

// scenario 3 from spec §8: create a kernel thread, resume it, dispatch
// runs it; it suspends; next dispatch runs idle; external resume
// re-enters it.
func TestEndToEndResumeSuspendResumeScenario(t *testing.T) {
	s := New()
	const tid KernelThreadID = 1
	s.Register(tid)
	s.Resume(tid)

	require.Equal(t, tid, s.Switch())
	s.Suspend(tid)

	require.Equal(t, IdleThreadID, s.Switch())

	s.Resume(tid)
	require.Equal(t, tid, s.Switch())
}
