package coordinator

import (
	"context"
	"time"

	"rvexec/internal/runner"
)

// TaskRequest 表示一次 RV32I 程序执行任务。
type TaskRequest struct {
	TaskID string
	// ProgramCID 标识程序镜像，扩展名决定格式（.s/.asm 汇编、.txt 清单、其余为裸二进制）。
	ProgramCID string
	// Digest 为程序字节的 keccak-256 十六进制摘要，非空时在执行前校验。
	Digest          string
	EndAddr         *uint32
	MaxInstructions uint64
	// Registers 在首条指令执行前写入寄存器。
	Registers map[string]uint32
	// Args 作为额外环境变量传给执行器 Job。
	Args      map[string]string
	InputJSON []byte
	// ReferenceCID/Entry/ReferenceArgs 描述参考 Wasm 模块及调用方式，为空则不做比对。
	ReferenceCID   string
	Entry          string
	ReferenceArgs  []uint64
	ResultMetadata map[string]string
}

// TaskResult 描述任务执行结果。
type TaskResult struct {
	TaskID       string
	Success      bool
	ExitCode     int32
	Outputs      []uint32
	Registers    map[string]uint32
	Instructions uint64
	Elapsed      time.Duration
	Logs         string
	OutputValue  string
	Verified     bool
	Reference    string
	FinishedAt   time.Time
	Error        error
	Metadata     map[string]string
}

// Verdict 是参考实现比对的结论。
type Verdict struct {
	Expected uint32
	Actual   uint32
	Match    bool
}

// TaskSource 抽象任务来源：订阅、确认与结果回传。
type TaskSource interface {
	SubscribeTasks(ctx context.Context, out chan<- TaskRequest) error
	AckTask(ctx context.Context, taskID string) error
	PublishResult(ctx context.Context, result TaskResult) error
}

// ProgramStore 抽象程序镜像与参考模块的下载。
type ProgramStore interface {
	FetchProgram(ctx context.Context, cid string) ([]byte, error)
}

// Runner 执行一次任务；失败时尽量返回已有的部分输出。
type Runner interface {
	RunTask(ctx context.Context, task TaskRequest, program []byte) (*runner.Output, error)
}

// Verifier 负责摘要校验与参考实现比对。
type Verifier interface {
	CheckDigest(program []byte, want string) error
	Verify(ctx context.Context, task TaskRequest, module []byte, out *runner.Output) (*Verdict, error)
}

// ResultSink 持久化任务结果。
type ResultSink interface {
	Record(ctx context.Context, result TaskResult) error
}

// Logger 提供基础日志输出，*zap.SugaredLogger 即满足该接口。
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
