package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kil0meters/remu/disasm"
	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/loader"
)

func newDisasmCmd(o *globalOptions) *cobra.Command {
	var (
		start, end string
		native     bool
	)

	cmd := &cobra.Command{
		Use:   "disasm <program.elf>",
		Short: "Decode a program's code without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := loader.Load(args[0])
			if err != nil {
				return err
			}

			opts := []disasm.Option{disasm.WithSymbols(prog.Symbols)}
			if native {
				opts = append(opts, disasm.WithSyntax(disasm.SyntaxNative))
			}
			d := disasm.New(opts...)

			lines, err := disassemble(d, prog, start, end)
			if werr := disasm.Write(o.stdout, lines); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first address or symbol (default: every executable segment)")
	cmd.Flags().StringVar(&end, "end", "", "address or symbol to stop before (default: end of the segment)")
	cmd.Flags().BoolVar(&native, "native", false, "print the decoder's own syntax instead of GNU syntax")
	return cmd
}

// disassemble decodes [start, end) of prog, or every executable segment
// when start is empty.
func disassemble(d *disasm.Disassembler, prog *loader.Program, start, end string) ([]disasm.Line, error) {
	mem := emu.NewMemory()
	if err := prog.Install(mem, &emu.RegFile{}, nil, nil); err != nil {
		return nil, err
	}

	if start == "" {
		var lines []disasm.Line
		for _, seg := range prog.Segments {
			if seg.Flags.Perm()&emu.PermExec == 0 {
				continue
			}
			segLines, err := d.Range(mem, seg.VirtAddr, seg.VirtAddr+uint64(len(seg.Data)))
			lines = append(lines, segLines...)
			if err != nil {
				return lines, err
			}
		}
		return lines, nil
	}

	from, err := resolveLocation(prog.Symbols, start)
	if err != nil {
		return nil, err
	}
	to := segmentEnd(prog, from)
	if end != "" {
		if to, err = resolveLocation(prog.Symbols, end); err != nil {
			return nil, err
		}
	}
	if to <= from {
		return nil, fmt.Errorf("empty range 0x%x-0x%x", from, to)
	}
	return d.Range(mem, from, to)
}

func segmentEnd(prog *loader.Program, addr uint64) uint64 {
	for _, seg := range prog.Segments {
		if addr >= seg.VirtAddr && addr < seg.VirtAddr+seg.MemSize {
			return seg.VirtAddr + uint64(len(seg.Data))
		}
	}
	return addr
}
