// Package insts provides RV64 instruction definitions and decoding.
//
// This package implements decoding of RISC-V machine code into structured
// instruction representations. It supports:
//   - RV64I base integer instructions and Zicsr
//   - M: integer multiply and divide
//   - A: load-reserved/store-conditional and AMOs
//   - F and D: single and double precision floating point
//   - C: compressed 16-bit encodings, expanded to their 32-bit equivalents
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst, err := decoder.Decode(0x02a00513) // addi a0, zero, 42
//	fmt.Printf("Op: %v, Rd: %d, Rs1: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rs1, inst.Imm)
package insts
