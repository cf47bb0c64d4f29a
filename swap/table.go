package swap

import (
	"encoding/binary"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// deviceTables is the per-device secondary-index bundle: swappable,
// divided, and a probabilistic size filter layered in front of divided so
// SwapOut's victim search can cheaply reject a size bucket without a map
// lookup that's about to miss anyway. The filter is advisory only — divided
// remains the single source of truth; a false positive just costs one
// avoidable map lookup, a false negative can never happen by construction
// (every insert into divided is mirrored into the filter first).
type deviceTables struct {
	swappable map[Handle]struct{}
	divided   map[int64]map[Handle]struct{}
	sizes     *cuckoo.Filter
}

func newDeviceTables() *deviceTables {
	return &deviceTables{
		swappable: make(map[Handle]struct{}),
		divided:   make(map[int64]map[Handle]struct{}),
		sizes:     cuckoo.NewFilter(1024),
	}
}

func sizeKey(size int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	return buf[:]
}

// insert adds h (of the given size) to both indices — invariant 3/4 of
// spec.md §3: a handle is swappable iff resident, unlocked, and not mid-swap.
func (t *deviceTables) insert(h Handle, size int64) {
	t.swappable[h] = struct{}{}
	bucket, ok := t.divided[size]
	if !ok {
		bucket = make(map[Handle]struct{})
		t.divided[size] = bucket
		t.sizes.InsertUnique(sizeKey(size))
	}
	bucket[h] = struct{}{}
}

// remove drops h from both indices. Safe to call on a handle that is not
// currently present (e.g. GetAddr consuming a handle already absent from
// swappable because it arrived via PREFETCH).
func (t *deviceTables) remove(h Handle, size int64) {
	delete(t.swappable, h)
	bucket, ok := t.divided[size]
	if !ok {
		return
	}
	delete(bucket, h)
	if len(bucket) == 0 {
		delete(t.divided, size)
		t.sizes.Delete(sizeKey(size))
	}
}

func (t *deviceTables) hasSize(size int64) bool {
	return t.sizes.Lookup(sizeKey(size))
}

func (t *deviceTables) snapshotSwappable() []Handle {
	out := make([]Handle, 0, len(t.swappable))
	for h := range t.swappable {
		out = append(out, h)
	}
	return out
}

func (t *deviceTables) snapshotDivided() map[int64][]Handle {
	out := make(map[int64][]Handle, len(t.divided))
	for size, bucket := range t.divided {
		hs := make([]Handle, 0, len(bucket))
		for h := range bucket {
			hs = append(hs, h)
		}
		out[size] = hs
	}
	return out
}
