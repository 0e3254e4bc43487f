// Command remu runs RISC-V 64 Linux programs and estimates how long they
// take on a simple in-order core.
//
// Usage:
//
//	remu run [flags] <program.elf> [args...]
//	remu profile --label <name> [flags] <program.elf> [args...]
//	remu disasm [flags] <program.elf>
//	remu debug [flags] <program.elf> [args...]
//	remu bench [flags]
//	remu config [flags]
package main

import (
	"errors"
	"fmt"
	"os"
)

// exitStatus carries the guest's exit code out of a command.
type exitStatus int64

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int64(e))
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			os.Exit(int(status))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
