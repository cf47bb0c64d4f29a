// Package cmn holds the runtime configuration as a plain Config struct,
// built by Default() or FromEnv(). There is no global config owner: each
// caller builds its own *Config and passes it to the components it wires
// (aistore's cmn.GCO hands out shared atomically-swapped snapshots; this
// package does not). The knobs below are spec.md §6's env vars.
package cmn

import (
	"os"
	"strconv"
)

// PoolType selects the DptrManager variant the Factory constructs.
type PoolType string

const (
	PoolNaive        PoolType = "Naive"
	PoolRound        PoolType = "Round"
	PoolSwapAdv      PoolType = "SwapAdv"
	PoolSwapOnDemand PoolType = "SwapOnDemand"
)

// Config is the complete set of env-var-driven knobs spec.md §6 names.
type Config struct {
	SwapAsync         bool
	InfiniteMemory    bool
	InfiniteCPUMemory bool
	GPUTempRatioGiB   float64
	NumLoop           int
	PoolType          PoolType
}

// Default matches the defaults table in spec.md §6 exactly.
func Default() *Config {
	return &Config{
		SwapAsync:         true,
		InfiniteMemory:    false,
		InfiniteCPUMemory: false,
		GPUTempRatioGiB:   3.0,
		NumLoop:           10,
		PoolType:          PoolNaive,
	}
}

// FromEnv overlays the process environment onto Default(), following the
// MXNET_* names spec.md §6 specifies.
func FromEnv() *Config {
	c := Default()
	if v, ok := os.LookupEnv("MXNET_SWAP_ASYNC"); ok {
		c.SwapAsync = parseBool(v, c.SwapAsync)
	}
	if v, ok := os.LookupEnv("MXNET_INFINITE_MEMORY"); ok {
		c.InfiniteMemory = parseBool(v, c.InfiniteMemory)
	}
	if v, ok := os.LookupEnv("MXNET_INFINITE_CPU_MEMORY"); ok {
		c.InfiniteCPUMemory = parseBool(v, c.InfiniteCPUMemory)
	}
	if v, ok := os.LookupEnv("MXNET_GPU_TEMP_RATIO"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.GPUTempRatioGiB = f
		}
	}
	if v, ok := os.LookupEnv("MXNET_NUM_LOOP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.NumLoop = n
		}
	}
	if v, ok := os.LookupEnv("MXNET_GPU_MEM_POOL_TYPE"); ok && v != "" {
		c.PoolType = PoolType(v)
	}
	return c
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
