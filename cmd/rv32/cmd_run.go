package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"rvexec/internal/rv32i"
	"rvexec/internal/runner"
)

type runFlags struct {
	end             string
	maxInstructions uint64
	memorySize      uint32
	registers       map[string]string
	dump            bool
	trace           bool
	json            bool
}

func (c *cli) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Run a program until it exits",
		Long: `Runs a program until it calls exit, reaches --end or exhausts
--max-instructions. Values passed to _out are printed one per line.`,
		Example: `  rv32 run fib.s
  rv32 run --end 0x40 --reg a0=5 --dump prog.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec(args[0])
			if err != nil {
				return err
			}
			spec.Logger = c.logger.Sugar()

			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			out, runErr := runner.Execute(cmd.Context(), program, spec, w)
			if f.json {
				payload, err := out.Encode()
				if err != nil {
					return err
				}
				if _, err := w.Write(payload); err != nil {
					return err
				}
				return runErr
			}

			for _, v := range out.Outputs {
				fmt.Fprintln(w, v)
			}
			if f.dump {
				dumpRegisters(w, out)
			}
			if runErr != nil {
				return runErr
			}
			if out.Halted {
				fmt.Fprintf(w, "exit %d after %d instructions\n", out.ExitCode, out.Instructions)
			} else {
				fmt.Fprintf(w, "stopped at pc=0x%08x after %d instructions\n", out.PC, out.Instructions)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.end, "end", "", "stop when pc reaches this address instead of waiting for exit")
	cmd.Flags().Uint64Var(&f.maxInstructions, "max-instructions", 0, "instruction budget (0 means unlimited)")
	cmd.Flags().Uint32Var(&f.memorySize, "memory", 0, "guest memory in bytes (0 means the default)")
	cmd.Flags().StringToStringVar(&f.registers, "reg", nil, "initial register values, e.g. a0=5,sp=0x8000")
	cmd.Flags().BoolVar(&f.dump, "dump", false, "print the register file afterwards")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "log every instruction at debug level")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the executor result record instead")
	return cmd
}

func (f *runFlags) spec(path string) (runner.Spec, error) {
	spec := runner.Spec{
		Program:         filepath.Base(path),
		MaxInstructions: f.maxInstructions,
		MemorySize:      f.memorySize,
		Trace:           f.trace,
		Registers:       map[string]uint32{},
	}
	if f.end != "" {
		end, err := strconv.ParseUint(f.end, 0, 32)
		if err != nil {
			return spec, fmt.Errorf("--end %q: %w", f.end, err)
		}
		e := uint32(end)
		spec.EndAddr = &e
	}
	for name, val := range f.registers {
		v, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return spec, fmt.Errorf("--reg %s=%q: %w", name, val, err)
		}
		spec.Registers[name] = uint32(v)
	}
	return spec, nil
}

func dumpRegisters(w io.Writer, out *runner.Output) {
	var x [32]uint32
	for i, name := range rv32i.ABINames {
		x[i] = out.Registers[name]
	}
	for _, line := range rv32i.RegisterDump(x, out.PC, out.Instructions) {
		fmt.Fprintln(w, line)
	}
}
