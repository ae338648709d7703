package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"rvexec/internal/runner"
)

var (
	ErrNonZeroExit       = errors.New("program exited with non-zero status")
	ErrReferenceMismatch = errors.New("result differs from reference")
)

// Coordinator 负责串联任务来源、程序拉取、执行器调度与结果回传。
type Coordinator struct {
	cfg    Config
	source TaskSource
	store  ProgramStore
	runner Runner
	log    Logger
}

// NewCoordinator 使用外部依赖构建协调器实例。
func NewCoordinator(cfg Config, source TaskSource, store ProgramStore, run Runner) (*Coordinator, error) {
	if source == nil {
		return nil, errors.New("task source required")
	}
	if store == nil {
		return nil, errors.New("program store required")
	}
	if run == nil {
		return nil, errors.New("runner required")
	}
	cfg.applyDefaults()
	return &Coordinator{
		cfg:    cfg,
		source: source,
		store:  store,
		runner: run,
		log:    defaultLogger(cfg.Log),
	}, nil
}

// Run 持续运行直至上下文取消或任务来源结束，最多并发 Workers 个任务。
// 返回前会等待所有在途任务完成。
func (c *Coordinator) Run(ctx context.Context) error {
	taskCh := make(chan TaskRequest)
	errCh := make(chan error, 1)

	go func() {
		errCh <- c.source.SubscribeTasks(ctx, taskCh)
	}()

	var workers errgroup.Group
	workers.SetLimit(c.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			_ = workers.Wait()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			_ = workers.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Errorf("task subscription failed: %v", err)
				return err
			}
			return nil
		case task := <-taskCh:
			workers.Go(func() error {
				c.processTask(ctx, task)
				return nil
			})
		}
	}
}

// processTask 负责单个任务的完整生命周期：确认、拉取、校验、执行、比对、回传。
func (c *Coordinator) processTask(parent context.Context, task TaskRequest) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.log.Infof("processing task %s (program=%s)", task.TaskID, task.ProgramCID)

	if err := c.source.AckTask(ctx, task.TaskID); err != nil {
		c.log.Warnf("ack task %s: %v", task.TaskID, err)
	}

	program, err := c.store.FetchProgram(ctx, task.ProgramCID)
	if err != nil {
		c.log.Errorf("fetch program for %s: %v", task.TaskID, err)
		c.publishFailure(ctx, task, nil, fmt.Errorf("fetch program: %w", err))
		return
	}

	if task.Digest != "" {
		if c.cfg.Verifier == nil {
			c.log.Warnf("task %s carries a digest but no verifier is configured", task.TaskID)
		} else if err := c.cfg.Verifier.CheckDigest(program, task.Digest); err != nil {
			c.log.Errorf("digest check for %s: %v", task.TaskID, err)
			c.publishFailure(ctx, task, nil, fmt.Errorf("digest: %w", err))
			return
		}
	}

	out, err := c.runner.RunTask(ctx, task, program)
	if err != nil {
		c.log.Errorf("run task %s: %v", task.TaskID, err)
		c.publishFailure(ctx, task, out, fmt.Errorf("run program: %w", err))
		return
	}

	result := resultFromOutput(task, out)
	result.Success = true
	if out.Halted && out.ExitCode != 0 {
		result.Success = false
		result.Error = fmt.Errorf("%w: %d", ErrNonZeroExit, out.ExitCode)
	}

	if result.Success && task.ReferenceCID != "" && c.cfg.Verifier != nil {
		c.verify(ctx, task, out, &result)
	}

	c.publish(ctx, result)
}

// verify 拉取参考模块并比对结果，结论写入 result。
func (c *Coordinator) verify(ctx context.Context, task TaskRequest, out *runner.Output, result *TaskResult) {
	module, err := c.store.FetchProgram(ctx, task.ReferenceCID)
	if err != nil {
		result.Success = false
		result.Error = fmt.Errorf("fetch reference: %w", err)
		return
	}
	verdict, err := c.cfg.Verifier.Verify(ctx, task, module, out)
	if err != nil {
		result.Success = false
		result.Error = fmt.Errorf("verify: %w", err)
		return
	}
	result.Reference = strconv.FormatUint(uint64(verdict.Expected), 10)
	result.Verified = verdict.Match
	if !verdict.Match {
		result.Success = false
		result.Error = fmt.Errorf("%w: got %d, want %d", ErrReferenceMismatch, verdict.Actual, verdict.Expected)
	}
	c.log.Infof("task %s verified against %s.%s: match=%t", task.TaskID, task.ReferenceCID, task.Entry, verdict.Match)
}

// publishFailure 在任务失败时上报错误结果，out 可为空。
func (c *Coordinator) publishFailure(ctx context.Context, task TaskRequest, out *runner.Output, err error) {
	res := resultFromOutput(task, out)
	res.Success = false
	res.Error = err
	c.publish(ctx, res)
}

// publish 将结果回传给任务来源并写入结果存储；任务被取消时仍尽力上报。
func (c *Coordinator) publish(ctx context.Context, result TaskResult) {
	ctx = context.WithoutCancel(ctx)
	if err := c.source.PublishResult(ctx, result); err != nil {
		c.log.Errorf("publish result %s: %v", result.TaskID, err)
	}
	if c.cfg.Sink != nil {
		if err := c.cfg.Sink.Record(ctx, result); err != nil {
			c.log.Errorf("record result %s: %v", result.TaskID, err)
		}
	}
}

// resultFromOutput 将执行器输出映射为 TaskResult。
func resultFromOutput(task TaskRequest, out *runner.Output) TaskResult {
	res := TaskResult{
		TaskID:     task.TaskID,
		FinishedAt: time.Now(),
		Metadata:   task.ResultMetadata,
	}
	if out == nil {
		return res
	}
	res.ExitCode = out.ExitCode
	res.Outputs = out.Outputs
	res.Registers = out.Registers
	res.Instructions = out.Instructions
	res.Elapsed = time.Duration(out.ElapsedNS)
	res.Logs = out.Logs
	res.OutputValue = strconv.FormatUint(uint64(out.Value()), 10)
	return res
}
