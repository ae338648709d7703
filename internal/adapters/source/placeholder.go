// Package source implements coordinator.TaskSource: a placeholder that
// emits the demo tasks and a spool directory watched with fsnotify.
package source

import (
	"context"

	"rvexec/internal/adapters/programs"
	"rvexec/internal/coordinator"
	"rvexec/internal/fixtures"
)

// PlaceholderSource 是用于本地演示的任务源占位实现。
type PlaceholderSource struct {
	log coordinator.Logger
}

// NewPlaceholderSource 构造占位实现，方便本地调试。
func NewPlaceholderSource(log coordinator.Logger) *PlaceholderSource {
	if log == nil {
		log = coordinator.NewLogger(nil, "source")
	}
	return &PlaceholderSource{log: log}
}

// DemoTasks 返回 fib 与 parity 两个示例任务，均携带参考模块比对信息。
func DemoTasks() []coordinator.TaskRequest {
	var tasks []coordinator.TaskRequest
	for _, name := range fixtures.Names() {
		f, err := fixtures.Get(name)
		if err != nil {
			continue
		}
		tasks = append(tasks, coordinator.TaskRequest{
			TaskID:        "demo-" + name + "-001",
			ProgramCID:    name + ".s",
			ReferenceCID:  programs.ReferenceCID,
			Entry:         f.Reference,
			ReferenceArgs: f.ReferenceArgs,
			ResultMetadata: map[string]string{
				"description": "demo " + name + " task emitted by placeholder source",
				"scenario":    name,
			},
		})
	}
	return tasks
}

// SubscribeTasks 依次投递示例任务，随后阻塞等待取消。
func (p *PlaceholderSource) SubscribeTasks(ctx context.Context, out chan<- coordinator.TaskRequest) error {
	for _, task := range DemoTasks() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- task:
			p.log.Warnf("placeholder source emitted task %s (scenario=%s)", task.TaskID, task.ResultMetadata["scenario"])
		}
	}

	p.log.Warnf("placeholder source idle; awaiting cancellation")
	<-ctx.Done()
	return ctx.Err()
}

// AckTask 在日志中确认任务已被接收，便于追踪。
func (p *PlaceholderSource) AckTask(ctx context.Context, taskID string) error {
	p.log.Infof("ack task %s (placeholder)", taskID)
	return nil
}

// PublishResult 仅打印任务结果。
func (p *PlaceholderSource) PublishResult(ctx context.Context, result coordinator.TaskResult) error {
	if result.Success {
		p.log.Infof("task %s succeeded, output=%s verified=%t", result.TaskID, result.OutputValue, result.Verified)
	} else {
		p.log.Warnf("task %s failed: %v", result.TaskID, result.Error)
	}
	return nil
}
