package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"rvexec/internal/asm"
	"rvexec/internal/rv32i"
)

func (c *cli) asmCmd() *cobra.Command {
	var (
		output string
		binary bool
	)
	cmd := &cobra.Command{
		Use:   "asm <source.s>",
		Short: "Assemble a source file",
		Long: `Assembles RV32I source into a text listing the loader accepts, or with
--bin into a raw little-endian image.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer fp.Close()

			obj, err := asm.New(c.logger.Sugar()).Assemble(fp)
			if err != nil {
				return fmt.Errorf("%s:%w", args[0], err)
			}

			if binary {
				if output == "" {
					return fmt.Errorf("--bin needs -o")
				}
				return os.WriteFile(output, obj.Bytes(), 0o644)
			}
			if output == "" {
				return obj.WriteListing(cmd.OutOrStdout())
			}
			out, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := obj.WriteListing(out); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (listing defaults to stdout)")
	cmd.Flags().BoolVar(&binary, "bin", false, "write a raw binary image instead of a listing")
	return cmd
}

func (c *cli) convCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conv <listing.txt> <image.bin>",
		Short: "Convert a text listing into a raw binary image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rv32i.TextToBinary(args[0], args[1])
		},
	}
}

func (c *cli) disasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <program>",
		Short: "Disassemble a program image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := asm.ReadImage(args[0])
			if err != nil {
				return err
			}
			return disassemble(cmd.OutOrStdout(), img)
		},
	}
}

func disassemble(w io.Writer, img *rv32i.Image) error {
	labels := make(map[uint32]string, len(img.Symbols))
	for name, addr := range img.Symbols {
		if prev, ok := labels[addr]; !ok || name < prev {
			labels[addr] = name
		}
	}
	for i, word := range img.Words() {
		addr := uint32(i * 4)
		if name, ok := labels[addr]; ok {
			if _, err := fmt.Fprintf(w, "%08x <%s>:\n", addr, name); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%8x: 0x%08x %s\n", addr, word, rv32i.Disassemble(word)); err != nil {
			return err
		}
	}
	return nil
}
