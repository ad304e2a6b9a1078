package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/reasoner"
)

// gatedEngine blocks every execution until the gate closes.
func gatedEngine(gate <-chan struct{}) reasoner.Func {
	return func(ctx context.Context, req reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		select {
		case <-gate:
			return &reasoner.Result{Success: true, Output: "done: " + promptBody(req.Prompt)}, nil
		case <-ctx.Done():
			return &reasoner.Result{Success: false}, nil
		}
	}
}

func TestBackpressureRejectsEqualPriority(t *testing.T) {
	cfg := baseConfig()
	cfg.Dispatch.QueueSoftBound = 2

	gate := make(chan struct{})
	f := newFixture(t, cfg, gatedEngine(gate))

	running := NewItem("C1", "General", "C1", "a", "", "running", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(running))
	waitStatus(t, running, StatusRunning, time.Second)

	first := NewItem("C1", "General", "C1", "a", "", "first", PayloadCommand)
	second := NewItem("C1", "General", "C1", "a", "", "second", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(first))
	require.NoError(t, f.pipeline.Enqueue(second))
	assert.Equal(t, 2, f.pipeline.QueueDepth("C1"))

	// An equal-priority newcomer cannot displace anyone: it is rejected.
	overflow := NewItem("C1", "General", "C1", "a", "", "overflow", PayloadCommand)
	err := f.pipeline.Enqueue(overflow)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, StatusBlocked, overflow.Status())
	assert.Equal(t, "queue full", overflow.StatusReason())

	busy := f.nextReply(time.Second)
	assert.Contains(t, busy.Text, "busy: too many queued requests")

	// The queue itself is untouched by the rejection.
	assert.Equal(t, 2, f.pipeline.QueueDepth("C1"))

	close(gate)
	for i := 0; i < 3; i++ {
		f.nextReply(3 * time.Second)
	}
	assert.Equal(t, StatusCompleted, first.Status())
	assert.Equal(t, StatusCompleted, second.Status())
}

func TestBackpressureDisplacesLowerPriority(t *testing.T) {
	cfg := baseConfig()
	cfg.Dispatch.QueueSoftBound = 2

	gate := make(chan struct{})
	f := newFixture(t, cfg, gatedEngine(gate))

	running := NewItem("C1", "General", "C1", "a", "", "running", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(running))
	waitStatus(t, running, StatusRunning, time.Second)

	oldest := NewItem("C1", "General", "C1", "a", "", "oldest", PayloadCommand)
	newer := NewItem("C1", "General", "C1", "a", "", "newer", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(oldest))
	require.NoError(t, f.pipeline.Enqueue(newer))

	// A slash command outranks the pending defaults and displaces the
	// oldest of them.
	urgent := NewItem("C1", "General", "C1", "a", "", "/status", PayloadSlash)
	require.NoError(t, f.pipeline.Enqueue(urgent))

	busy := f.nextReply(time.Second)
	assert.Contains(t, busy.Text, "displaced by a more urgent one")
	assert.Equal(t, StatusBlocked, oldest.Status())
	assert.Equal(t, "displaced by higher priority item", oldest.StatusReason())
	assert.Equal(t, 2, f.pipeline.QueueDepth("C1"))

	close(gate)

	// The slash command runs before the remaining default-priority item.
	done := f.nextReply(3 * time.Second)
	assert.Contains(t, done.Text, "done: running")
	done = f.nextReply(3 * time.Second)
	assert.Contains(t, done.Text, "done: /status")
	done = f.nextReply(3 * time.Second)
	assert.Contains(t, done.Text, "done: newer")
}

func TestApproveRunsWithoutReclassification(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C1", "Guarded", "C1", "a", "", "deploy prod", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	notice := f.nextReply(3 * time.Second)
	require.Contains(t, notice.Text, "approval required")
	require.Zero(t, engine.calls())

	require.True(t, f.pipeline.Approve(it.ID))
	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "ok")

	waitStatus(t, it, StatusCompleted, time.Second)
	assert.Equal(t, 1, engine.calls())

	// A second decision on the same item is a no-op.
	assert.False(t, f.pipeline.Approve(it.ID))
	assert.False(t, f.pipeline.Deny(it.ID))
}

func TestDenyNeverExecutes(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C1", "Guarded", "C1", "a", "", "deploy prod", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))
	f.nextReply(3 * time.Second)

	require.True(t, f.pipeline.Deny(it.ID))
	reply := f.nextReply(time.Second)
	assert.Contains(t, reply.Text, "approval denied")
	assert.Equal(t, StatusBlocked, it.Status())
	assert.Equal(t, "approval denied", it.StatusReason())
	assert.Zero(t, engine.calls())
}

func TestApprovalExpires(t *testing.T) {
	cfg := baseConfig()
	guard := cfg.Policies["guard"]
	guard.Classification.Red.ApprovalTimeout = 1
	cfg.Policies["guard"] = guard

	engine := &recordingEngine{}
	f := newFixture(t, cfg, engine)

	it := NewItem("C1", "Guarded", "C1", "a", "", "deploy prod", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))
	f.nextReply(3 * time.Second)

	expired := f.nextReply(3 * time.Second)
	assert.Contains(t, expired.Text, "approval timed out")
	assert.Equal(t, "approval timed out", it.StatusReason())
	assert.Zero(t, engine.calls())

	// The window is gone; a late decision is refused.
	assert.False(t, f.pipeline.Approve(it.ID))
}

func TestCancelPendingItem(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, baseConfig(), gatedEngine(gate))
	defer close(gate)

	running := NewItem("C1", "General", "C1", "a", "", "running", PayloadCommand)
	pending := NewItem("C1", "General", "C1", "a", "", "pending", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(running))
	waitStatus(t, running, StatusRunning, time.Second)
	require.NoError(t, f.pipeline.Enqueue(pending))

	require.True(t, f.pipeline.Cancel(pending.ID))
	reply := f.nextReply(time.Second)
	assert.Contains(t, reply.Text, "request canceled")
	assert.Equal(t, StatusBlocked, pending.Status())
	assert.Equal(t, 0, f.pipeline.QueueDepth("C1"))
}

func TestCancelRunningItem(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, baseConfig(), gatedEngine(gate))
	defer close(gate)

	it := NewItem("C1", "General", "C1", "a", "", "running", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))
	waitStatus(t, it, StatusRunning, time.Second)

	require.True(t, f.pipeline.Cancel(it.ID))
	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "task failed")
	waitStatus(t, it, StatusFailed, time.Second)
}

func TestCancelUnknownItem(t *testing.T) {
	f := newFixture(t, baseConfig(), echoEngine(0))
	assert.False(t, f.pipeline.Cancel("no-such-id"))
}

func TestShutdownDropsPendingAndDrainsRunning(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, baseConfig(), gatedEngine(gate))

	running := NewItem("C1", "General", "C1", "a", "", "running", PayloadCommand)
	pending := NewItem("C1", "General", "C1", "a", "", "pending", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(running))
	waitStatus(t, running, StatusRunning, time.Second)
	require.NoError(t, f.pipeline.Enqueue(pending))

	shutdownDone := make(chan struct{})
	go func() {
		f.pipeline.Shutdown(context.Background())
		close(shutdownDone)
	}()

	dropped := f.nextReply(3 * time.Second)
	assert.Contains(t, dropped.Text, "shutting down, request dropped")
	assert.Equal(t, StatusBlocked, pending.Status())

	// The running item gets to finish inside the drain window.
	close(gate)
	finished := f.nextReply(3 * time.Second)
	assert.Contains(t, finished.Text, "done: running")

	select {
	case <-shutdownDone:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, StatusCompleted, running.Status())

	late := NewItem("C1", "General", "C1", "a", "", "late", PayloadCommand)
	assert.ErrorIs(t, f.pipeline.Enqueue(late), ErrShuttingDown)
}

func TestShutdownForceCancelsAfterDrainWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.Dispatch.DrainWindow = "100ms"

	gate := make(chan struct{})
	f := newFixture(t, cfg, gatedEngine(gate))
	defer close(gate)

	it := NewItem("C1", "General", "C1", "a", "", "stuck forever", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))
	waitStatus(t, it, StatusRunning, time.Second)

	start := time.Now()
	f.pipeline.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	waitStatus(t, it, StatusFailed, time.Second)
}
