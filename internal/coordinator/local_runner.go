package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"rvexec/internal/rv32i"
	"rvexec/internal/runner"
)

// LocalRunner 在协调器进程内直接运行模拟器，适合本地调试与单机部署。
type LocalRunner struct {
	MaxInstructions uint64
	MemorySize      uint32
	// Trace 为真时逐条指令以 debug 级别输出。
	Trace  bool
	Logger rv32i.Logger
}

// RunTask 实现 Runner：按任务参数组装运行规格，任务级上限优先于全局上限。
func (r *LocalRunner) RunTask(ctx context.Context, task TaskRequest, program []byte) (*runner.Output, error) {
	spec := runner.Spec{
		Program:         task.ProgramCID,
		EndAddr:         task.EndAddr,
		MaxInstructions: r.MaxInstructions,
		MemorySize:      r.MemorySize,
		Registers:       maps.Clone(task.Registers),
		Logger:          r.Logger,
		Trace:           r.Trace,
	}
	if task.MaxInstructions != 0 {
		spec.MaxInstructions = task.MaxInstructions
	}
	if len(task.InputJSON) > 0 {
		in, err := decodeInput(task.InputJSON)
		if err != nil {
			return nil, err
		}
		in.Apply(&spec)
	}

	var stdout bytes.Buffer
	out, err := runner.Execute(ctx, program, spec, &stdout)
	out.Logs = stdout.String()
	return out, err
}

// decodeInput 解析任务携带的 INPUT_PATH 文档。
func decodeInput(data []byte) (runner.Input, error) {
	var in runner.Input
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("decode task input: %w", err)
	}
	return in, nil
}
