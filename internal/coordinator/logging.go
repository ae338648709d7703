package coordinator

import (
	"go.uber.org/zap"
)

// defaultLogger 在未传入 Logger 时退回全局 zap 日志器（默认为空实现）。
func defaultLogger(l Logger) Logger {
	if l != nil {
		return l
	}
	return zap.S()
}

// NewLogger 将 zap 日志器适配为 Logger，并附带组件名。
func NewLogger(base *zap.Logger, component string) Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(component).Sugar()
}
