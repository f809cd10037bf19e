package clock

import (
	"sync"
	"time"
)

// Fake 假时钟（测试用，时间只通过 Advance 前进）
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake 创建假时钟，起始时间为 start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前虚拟时间
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer 创建虚拟定时器；d <= 0 时立即触发
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- f.now
		return t
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance 将虚拟时间前进 d，触发所有到期的定时器
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	remaining := f.timers[:0]
	for _, t := range f.timers {
		if t.fired || t.stopped {
			continue
		}
		if !t.deadline.After(f.now) {
			t.fired = true
			t.ch <- f.now
			continue
		}
		remaining = append(remaining, t)
	}
	f.timers = remaining
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
