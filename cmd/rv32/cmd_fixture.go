package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"rvexec/internal/adapters/verify"
	"rvexec/internal/coordinator"
	"rvexec/internal/fixtures"
	"rvexec/internal/rv32i"
)

func (c *cli) fixtureCmd() *cobra.Command {
	var (
		check           bool
		maxInstructions uint64
	)
	cmd := &cobra.Command{
		Use:       "fixture [name...]",
		Short:     "Run the built-in sample programs",
		Long:      `Runs the embedded sample programs (all of them by default) and checks what they report.`,
		ValidArgs: fixtures.Names(),
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = fixtures.Names()
			}
			w := cmd.OutOrStdout()
			v := verify.NewReferenceVerifier(0, 0, coordinator.NewLogger(c.logger, "verify"))

			var failed []string
			for _, name := range names {
				f, err := fixtures.Get(name)
				if err != nil {
					return err
				}
				res, err := fixtures.Run(cmd.Context(), name, rv32i.Options{
					MaxInstructions: maxInstructions,
					Logger:          c.logger.Sugar(),
				})
				if err != nil {
					return fmt.Errorf("fixture %s: %w", name, err)
				}
				ok := slices.Equal(res.Outputs, f.Outputs)
				fmt.Fprintf(w, "%s: outputs=%v exit=%d instructions=%d elapsed=%s\n",
					name, res.Outputs, res.ExitCode, res.Instructions, res.Elapsed.Round(time.Microsecond))

				if check {
					ref, err := v.Call(cmd.Context(), fixtures.ReferenceWasm(), f.Reference, f.ReferenceArgs)
					if err != nil {
						return fmt.Errorf("reference %s: %w", f.Reference, err)
					}
					n := len(res.Outputs)
					match := n > 0 && len(ref) > 0 && uint32(ref[0]) == res.Outputs[n-1]
					fmt.Fprintf(w, "%s: reference %s%v = %d, match=%t\n", name, f.Reference, f.ReferenceArgs, ref, match)
					ok = ok && match
				}
				if !ok {
					failed = append(failed, name)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("fixtures did not report the expected values: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "verify", false, "also compare with the reference wasm module")
	cmd.Flags().Uint64Var(&maxInstructions, "max-instructions", 0, "instruction budget (0 means unlimited)")
	return cmd
}
