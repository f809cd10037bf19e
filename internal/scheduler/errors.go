package scheduler

import (
	"errors"
)

// ErrDuplicateAlert 同一 alert_id 重复注册
// 调度器严格拒绝重复注册（显式幂等契约：拒绝重复 register，接受重复 ack/resolve）；
// 服务边界捕获此错误后记日志并吞掉，对调用方表现为成功
var ErrDuplicateAlert = errors.New("alert already registered")
