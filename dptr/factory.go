package dptr

import (
	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/cmn/nlog"
	"github.com/nvswap/tensorswap/prefetch"
	"github.com/nvswap/tensorswap/swap"
)

// NewManager is the Factory spec.md §2/§4.3 describes: it selects the
// DptrManager variant from cfg.PoolType, mirroring
// original_source/src/storage/mm_dptr.cc's MM_DPTR() dispatch. That
// dispatch sends "Naive"/"Round" to a separate pool-based allocator
// (Pooled_MM_Dptr) and "SwapAdv" to a variant never defined in the
// excerpted sources (spec.md §9's Open Questions); this repository
// implements only the on-demand manager spec.md §4.3 actually specifies,
// so only cmn.PoolSwapOnDemand constructs one — every other named type is
// a real, named gap, not silently accepted.
func NewManager(cfg *cmn.Config, eng engine, pf prefetcher, alloc swap.Allocator) *Manager {
	if cfg == nil {
		cfg = cmn.Default()
	}
	switch cfg.PoolType {
	case cmn.PoolSwapOnDemand:
		return New(eng, pf, alloc, cfg)
	default:
		nlog.Fatalln("dptr: unsupported pool type", cfg.PoolType)
		return nil // unreachable
	}
}
