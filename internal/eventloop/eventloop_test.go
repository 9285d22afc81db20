package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, hooks Hooks) *Loop {
	t.Helper()
	l := New(hooks)
	go l.Run()
	t.Cleanup(func() {
		l.Close()
		<-l.Done()
	})
	return l
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := startLoop(t, Hooks{})
	var (
		mu    sync.Mutex
		order []int
	)
	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = NewTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.True(t, l.Post(tasks[i]))
	}
	for _, task := range tasks {
		waitDone(t, task)
		assert.True(t, task.Started())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_HooksWrapTopLevelTasks(t *testing.T) {
	var before, after atomic.Int32
	started := make(chan struct{})
	l := startLoop(t, Hooks{
		Start:      func() { close(started) },
		BeforeTask: func() { before.Add(1) },
		AfterTask:  func(time.Duration) { after.Add(1) },
	})
	<-started

	var inner *Task
	outer := NewTask(func() {
		inner = NewTask(func() {})
		l.Execute(inner)
	})
	require.True(t, l.Post(outer))
	waitDone(t, outer)
	waitDone(t, inner)

	assert.Equal(t, int32(1), before.Load(), "nested Execute is not a top-level task")
	assert.Equal(t, int32(1), after.Load())
}

func TestLoop_CloseCancelsQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	l := New(Hooks{})
	go l.Run()

	blocker := NewTask(func() { <-release })
	queued := NewTask(func() { t.Error("queued task must not run") })
	require.True(t, l.Post(blocker))
	require.True(t, l.Post(queued))

	l.Close()
	waitDone(t, queued)
	assert.False(t, queued.Started())
	assert.False(t, l.Post(NewTask(func() {})), "closed loop rejects tasks")

	close(release)
	waitDone(t, blocker)
	<-l.Done()
}

func TestLoop_InterruptQueuedTask(t *testing.T) {
	release := make(chan struct{})
	l := startLoop(t, Hooks{})
	blocker := NewTask(func() { <-release })
	victim := NewTask(func() { t.Error("interrupted task must not run") })
	require.True(t, l.Post(blocker))
	require.True(t, l.Post(victim))

	l.Interrupt(victim)
	waitDone(t, victim)
	assert.False(t, victim.Started())
	select {
	case <-victim.Stopped():
	default:
		t.Fatal("Stopped should be closed")
	}
	close(release)
	waitDone(t, blocker)
}

func TestLoop_InterruptRunningTaskTerminates(t *testing.T) {
	var terminated, reset atomic.Int32
	stop := make(chan struct{})
	l := startLoop(t, Hooks{
		Terminate: func() {
			terminated.Add(1)
			close(stop)
		},
		ResetTermination: func() { reset.Add(1) },
	})
	running := make(chan struct{})
	task := NewTask(func() {
		close(running)
		<-stop
	})
	require.True(t, l.Post(task))
	<-running
	assert.True(t, l.Busy())

	l.Interrupt(task)
	waitDone(t, task)
	assert.True(t, task.Started())
	assert.Equal(t, int32(1), terminated.Load())
	assert.Equal(t, int32(1), reset.Load())
}

func TestLoop_PanicStopsLoop(t *testing.T) {
	var recovered atomic.Value
	l := New(Hooks{Panic: func(v any) { recovered.Store(v) }})
	go l.Run()

	task := NewTask(func() { panic("boom") })
	require.True(t, l.Post(task))
	waitDone(t, task)

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop should exit after a panic")
	}
	assert.Equal(t, "boom", recovered.Load())
}

func TestLoop_ServeNestedRunsCallbacks(t *testing.T) {
	l := startLoop(t, Hooks{})
	var nestedRan atomic.Bool
	outer := NewTask(func() {
		nested := NewTask(func() { nestedRan.Store(true) })
		done := make(chan struct{})
		go func() {
			require.True(t, l.PostNested(nested))
			<-nested.Done()
			close(done)
		}()
		l.ServeNested(done)
	})
	require.True(t, l.Post(outer))
	waitDone(t, outer)
	assert.True(t, nestedRan.Load())
}

func TestWakeup_CoalescesToEarliest(t *testing.T) {
	fired := make(chan time.Time, 4)
	w := NewWakeup(func() { fired <- time.Now() })
	t.Cleanup(w.Stop)

	start := time.Now()
	w.Schedule(start.Add(time.Hour))
	w.Schedule(start.Add(20 * time.Millisecond))
	w.Schedule(start.Add(time.Minute))
	assert.True(t, w.Pending())
	assert.Equal(t, start.Add(20*time.Millisecond), w.Deadline())

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("wakeup did not fire")
	}
	assert.False(t, w.Pending())
	select {
	case <-fired:
		t.Fatal("later deadlines were coalesced away")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWakeup_StopDisarms(t *testing.T) {
	var fired atomic.Bool
	w := NewWakeup(func() { fired.Store(true) })
	w.Schedule(time.Now().Add(10 * time.Millisecond))
	w.Stop()
	w.Schedule(time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, w.Pending())
}
