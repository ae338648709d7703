// Command executor runs one RV32I program inside a job pod. Everything it
// needs comes from the environment; it prints the result record as a single
// JSON line on stdout and logs to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"rvexec/internal/logging"
	"rvexec/internal/runner"
)

type executorConfig struct {
	programPath     string
	outputPath      string
	inputPath       string
	endAddr         string
	maxInstructions string
	memorySize      string
	registersJSON   string
	argsJSON        string
	logLevel        string
	logFormat       string
}

func getenvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := loadConfig()
	logger := logging.Must(cfg.logLevel, cfg.logFormat)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout, logger); err != nil {
		logger.Error("executor failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg executorConfig, stdout io.Writer, logger *zap.Logger) error {
	// failures before the run still leave a record behind
	abort := func(err error) error {
		out := &runner.Output{
			Program: filepath.Base(cfg.programPath),
			Outputs: []uint32{},
			Error:   err.Error(),
		}
		if werr := writeOutput(stdout, cfg.outputPath, out); werr != nil {
			return errors.Join(err, fmt.Errorf("write output: %w", werr))
		}
		return err
	}

	spec, err := resolveSpec(cfg)
	if err != nil {
		return abort(fmt.Errorf("resolve run: %w", err))
	}
	spec.Logger = logger.Sugar()

	program, err := os.ReadFile(cfg.programPath)
	if err != nil {
		return abort(fmt.Errorf("read program from %s: %w", cfg.programPath, err))
	}

	// guest stdout goes to stderr so the record stays the only line on stdout
	out, runErr := runner.Execute(ctx, program, spec, os.Stderr)
	if err := writeOutput(stdout, cfg.outputPath, out); err != nil {
		return errors.Join(runErr, fmt.Errorf("write output: %w", err))
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("program finished",
		zap.String("program", out.Program),
		zap.Int32("exit_code", out.ExitCode),
		zap.Uint32s("outputs", out.Outputs),
		zap.Uint64("instructions", out.Instructions),
	)
	return nil
}

func loadConfig() executorConfig {
	return executorConfig{
		programPath:     getenvOr("PROGRAM_PATH", "/mnt/program/program.bin"),
		outputPath:      getenvOr("OUTPUT_PATH", "/mnt/shared/result.json"),
		inputPath:       getenvOr("INPUT_PATH", "/mnt/input/input.json"),
		endAddr:         strings.TrimSpace(os.Getenv("END_ADDR")),
		maxInstructions: strings.TrimSpace(os.Getenv("MAX_INSTRUCTIONS")),
		memorySize:      strings.TrimSpace(os.Getenv("MEMORY_SIZE")),
		registersJSON:   strings.TrimSpace(os.Getenv("REGISTERS_JSON")),
		argsJSON:        strings.TrimSpace(os.Getenv("ARGS_JSON")),
		logLevel:        getenvOr("LOG_LEVEL", "info"),
		logFormat:       getenvOr("LOG_FORMAT", logging.FormatJSON),
	}
}

// resolveSpec builds the run from the environment, then applies the input
// document on top.
func resolveSpec(cfg executorConfig) (runner.Spec, error) {
	spec := runner.Spec{
		Program:   filepath.Base(cfg.programPath),
		Registers: map[string]uint32{},
	}

	if cfg.endAddr != "" {
		end, err := strconv.ParseUint(cfg.endAddr, 0, 32)
		if err != nil {
			return spec, fmt.Errorf("invalid END_ADDR=%q: %w", cfg.endAddr, err)
		}
		e := uint32(end)
		spec.EndAddr = &e
	}
	if cfg.maxInstructions != "" {
		n, err := strconv.ParseUint(cfg.maxInstructions, 0, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid MAX_INSTRUCTIONS=%q: %w", cfg.maxInstructions, err)
		}
		spec.MaxInstructions = n
	}
	if cfg.memorySize != "" {
		n, err := strconv.ParseUint(cfg.memorySize, 0, 32)
		if err != nil {
			return spec, fmt.Errorf("invalid MEMORY_SIZE=%q: %w", cfg.memorySize, err)
		}
		spec.MemorySize = uint32(n)
	}

	args, err := argRegisters(cfg.argsJSON)
	if err != nil {
		return spec, err
	}
	for i, v := range args {
		spec.Registers[fmt.Sprintf("a%d", i)] = v
	}
	if cfg.registersJSON != "" {
		var regs map[string]uint32
		if err := json.Unmarshal([]byte(cfg.registersJSON), &regs); err != nil {
			return spec, fmt.Errorf("parse REGISTERS_JSON: %w", err)
		}
		for k, v := range regs {
			spec.Registers[k] = v
		}
	}

	in, err := readInput(cfg.inputPath)
	if err != nil {
		return spec, err
	}
	in.Apply(&spec)
	return spec, nil
}

// argRegisters returns the a0..a7 arguments from ARGS_JSON, or from ARG_0,
// ARG_1, ... when ARGS_JSON is unset.
func argRegisters(argsJSON string) ([]uint32, error) {
	var args []uint32
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, fmt.Errorf("parse ARGS_JSON: %w", err)
		}
	} else {
		for i := 0; ; i++ {
			name := fmt.Sprintf("ARG_%d", i)
			val := strings.TrimSpace(os.Getenv(name))
			if val == "" {
				break
			}
			u, err := strconv.ParseUint(val, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid %s=%q: %w", name, val, err)
			}
			args = append(args, uint32(u))
		}
	}
	if len(args) > 8 {
		return nil, fmt.Errorf("%d arguments, at most 8 fit in a0..a7", len(args))
	}
	return args, nil
}

func readInput(path string) (runner.Input, error) {
	var in runner.Input
	if path == "" {
		return in, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return in, nil
		}
		return in, fmt.Errorf("read %s: %w", path, err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return in, nil
	}
	if err := json.Unmarshal([]byte(content), &in); err != nil {
		return in, fmt.Errorf("parse %s: %w", path, err)
	}
	return in, nil
}

func writeOutput(stdout io.Writer, path string, out *runner.Output) error {
	payload, err := out.Encode()
	if err != nil {
		return err
	}
	if _, err := stdout.Write(payload); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, payload, 0o644)
}
