package scheduler

import (
	"time"
)

// timerEntry 升级定时器条目（瞬态：布防时创建，触发或取消后废弃）
// canceled 标记取消（惰性删除：条目留在堆中，弹出时丢弃），
// 取消对调用方同步生效：触发路径应用任何变更前必须检查此标记
type timerEntry struct {
	alertID  string
	deadline time.Time
	canceled bool
}

// timerHeap 按 deadline 排序的最小堆
// 全部活跃报警共享一个逻辑定时器：主循环睡到最早 deadline，
// 避免每个报警一个 OS 定时器的开销（数千并发报警场景）
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// peek 返回堆顶条目（不弹出）
func (h timerHeap) peek() *timerEntry {
	return h[0]
}
