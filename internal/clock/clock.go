package clock

import (
	"time"
)

// Clock 时间源抽象（调度器通过它获取"当前时间"和定时器，测试可注入假时钟）
type Clock interface {
	// Now 返回当前时间
	Now() time.Time
	// NewTimer 创建一个在 d 之后触发的定时器
	NewTimer(d time.Duration) Timer
}

// Timer 定时器抽象
type Timer interface {
	// C 返回触发通道
	C() <-chan time.Time
	// Stop 停止定时器，返回是否成功阻止触发
	Stop() bool
}

// New 创建真实时钟（基于 time 包）
func New() Clock {
	return &realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time {
	return r.t.C
}

func (r *realTimer) Stop() bool {
	return r.t.Stop()
}
