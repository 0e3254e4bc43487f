package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// FetchPolicy selects how instruction fetch interacts with the cache model.
type FetchPolicy string

const (
	// FetchNone charges nothing for instruction fetch.
	FetchNone FetchPolicy = "none"
	// FetchShared sends fetches through the data cache.
	FetchShared FetchPolicy = "shared"
	// FetchSeparate gives fetch its own instruction cache.
	FetchSeparate FetchPolicy = "separate"
)

// CacheConfig describes one level of the simulated cache hierarchy.
type CacheConfig struct {
	// Size is the total capacity in bytes.
	Size uint64 `json:"size"`

	// Associativity is the number of ways per set.
	Associativity int `json:"associativity"`

	// BlockSize is the line size in bytes. Must be a power of two.
	BlockSize uint64 `json:"block_size"`

	// HitLatency is charged when the line is resident. Default: 3 cycles.
	HitLatency uint64 `json:"hit_latency"`

	// MissLatency is charged when the line must be fetched from the next
	// level. When a next level is configured, its latency is used instead.
	// Default: 200 cycles.
	MissLatency uint64 `json:"miss_latency"`
}

// NumBlocks returns the number of lines the cache holds.
func (c CacheConfig) NumBlocks() int {
	return int(c.Size / c.BlockSize)
}

// NumSets returns the number of sets.
func (c CacheConfig) NumSets() int {
	return c.NumBlocks() / c.Associativity
}

// Validate checks the geometry.
func (c CacheConfig) Validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.Size == 0 || c.Size%(c.BlockSize*uint64(c.Associativity)) != 0 {
		return fmt.Errorf("size must be a non-zero multiple of block_size * associativity")
	}
	if c.MissLatency < c.HitLatency {
		return fmt.Errorf("miss_latency must be >= hit_latency")
	}
	return nil
}

// DefaultL1DConfig returns the baseline data cache: 32 KiB, 8-way, 64-byte
// lines, 3 cycles on a hit and 200 on a miss.
func DefaultL1DConfig() CacheConfig {
	return CacheConfig{
		Size:          32 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   200,
	}
}

// TimingConfig holds latency values for different instruction types.
type TimingConfig struct {
	// ALULatency is the execution latency for basic integer operations.
	// Default: 1 cycle.
	ALULatency uint64 `json:"alu_latency"`

	// BranchLatency is the base execution latency for conditional branches.
	// This does not include misprediction penalty. Default: 1 cycle.
	BranchLatency uint64 `json:"branch_latency"`

	// JumpLatency is the latency for JAL and JALR. Default: 1 cycle.
	JumpLatency uint64 `json:"jump_latency"`

	// BranchMispredictPenalty is the additional cycles lost on branch misprediction.
	// Default: 4 cycles.
	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty"`

	// MultiplyLatency is the latency for integer multiply operations.
	// Default: 3 cycles.
	MultiplyLatency uint64 `json:"multiply_latency"`

	// Divide latency is DivideLatencyBase plus DivideLatencyPerBit for every
	// bit the dividend is longer than the divisor, clamped to
	// [DivideLatencyMin, DivideLatencyMax].
	DivideLatencyBase   uint64 `json:"divide_latency_base"`
	DivideLatencyPerBit uint64 `json:"divide_latency_per_bit"`
	DivideLatencyMin    uint64 `json:"divide_latency_min"`
	DivideLatencyMax    uint64 `json:"divide_latency_max"`

	// FloatLatency covers FP add, multiply, fused and conversion ops.
	// Default: 4 cycles.
	FloatLatency uint64 `json:"float_latency"`

	// FloatDivideLatency covers FDIV and FSQRT. Default: 16 cycles.
	FloatDivideLatency uint64 `json:"float_divide_latency"`

	// SyscallLatency is the latency for system call instructions.
	// Default: 1 cycle (handling is external).
	SyscallLatency uint64 `json:"syscall_latency"`

	// L1D is the data cache every load, store and atomic consults.
	L1D CacheConfig `json:"l1d"`

	// L2 is consulted on L1D misses when set.
	L2 *CacheConfig `json:"l2,omitempty"`

	// Fetch selects the instruction fetch timing policy. Default: none.
	Fetch FetchPolicy `json:"fetch"`

	// L1I is the instruction cache used by FetchSeparate. Defaults to the
	// L1D geometry when absent.
	L1I *CacheConfig `json:"l1i,omitempty"`

	// ClockGHz converts cycles to estimated wall time. Default: 4.
	ClockGHz float64 `json:"clock_ghz"`
}

// DefaultTimingConfig returns a TimingConfig with the baseline values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		ALULatency:              1,
		BranchLatency:           1,
		JumpLatency:             1,
		BranchMispredictPenalty: 4,
		MultiplyLatency:         3,
		DivideLatencyBase:       2,
		DivideLatencyPerBit:     1,
		DivideLatencyMin:        2,
		DivideLatencyMax:        66,
		FloatLatency:            4,
		FloatDivideLatency:      16,
		SyscallLatency:          1,
		L1D:                     DefaultL1DConfig(),
		Fetch:                   FetchNone,
		ClockGHz:                4,
	}
}

// LoadConfig loads a TimingConfig from a JSON file. Fields the file leaves
// out keep their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing config %s: %w", path, err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are valid (> 0) and the cache
// geometry is consistent.
func (c *TimingConfig) Validate() error {
	if c.ALULatency == 0 {
		return fmt.Errorf("alu_latency must be > 0")
	}
	if c.BranchLatency == 0 {
		return fmt.Errorf("branch_latency must be > 0")
	}
	if c.JumpLatency == 0 {
		return fmt.Errorf("jump_latency must be > 0")
	}
	if c.MultiplyLatency == 0 {
		return fmt.Errorf("multiply_latency must be > 0")
	}
	if c.SyscallLatency == 0 {
		return fmt.Errorf("syscall_latency must be > 0")
	}
	if c.FloatLatency == 0 || c.FloatDivideLatency == 0 {
		return fmt.Errorf("float latencies must be > 0")
	}
	if c.DivideLatencyMin == 0 {
		return fmt.Errorf("divide_latency_min must be > 0")
	}
	if c.DivideLatencyMin > c.DivideLatencyMax {
		return fmt.Errorf("divide_latency_min must be <= divide_latency_max")
	}
	if c.ClockGHz <= 0 {
		return fmt.Errorf("clock_ghz must be > 0")
	}
	if err := c.L1D.Validate(); err != nil {
		return fmt.Errorf("l1d: %w", err)
	}
	if c.L2 != nil {
		if err := c.L2.Validate(); err != nil {
			return fmt.Errorf("l2: %w", err)
		}
	}
	if c.L1I != nil {
		if err := c.L1I.Validate(); err != nil {
			return fmt.Errorf("l1i: %w", err)
		}
	}
	switch c.Fetch {
	case FetchNone, FetchShared, FetchSeparate:
	default:
		return fmt.Errorf("fetch must be one of none, shared, separate; got %q", c.Fetch)
	}
	return nil
}

// InstructionCache returns the geometry used for a separate instruction
// cache.
func (c *TimingConfig) InstructionCache() CacheConfig {
	if c.L1I != nil {
		return *c.L1I
	}
	return c.L1D
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	if c.L2 != nil {
		l2 := *c.L2
		clone.L2 = &l2
	}
	if c.L1I != nil {
		l1i := *c.L1I
		clone.L1I = &l1i
	}
	return &clone
}
