package coordinator

import (
	"time"
)

// Config 描述协调器运行所需的配置信息。
type Config struct {
	Namespace     string
	ExecutorImage string
	// JobTemplate 为 Job 模板路径，留空则使用内置模板。
	JobTemplate     string
	Workers         int
	PollInterval    time.Duration
	MaxInstructions uint64
	MemorySize      uint32

	// Verifier 与 Sink 可选。
	Verifier Verifier
	Sink     ResultSink
	Log      Logger
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ExecutorImage == "" {
		c.ExecutorImage = "rvexec/executor:latest"
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
}
