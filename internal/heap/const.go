package heap

// maxChunkMapping is the number of bytes reserved in region.mapping. A
// chunk never has more slots than a page can hold at the minimum chunk
// size, and maxChunkMapping*8 covers that on every page size this package
// expects to run on (4KiB through 64KiB pages).
const maxChunkMapping = 64

const (
	// minChunkSize is the smallest size class a chunk page is ever carved
	// into, floored so the per-chunk bitmap never needs more than
	// maxChunkMapping bytes.
	minChunkSize = 16

	// initialRegionCount is how many region-table slots a freshly
	// initialized Heap starts with.
	initialRegionCount = 128

	// maxCacheSize bounds the list of empty, decommitted chunk pages kept
	// around so the next small allocation doesn't have to re-mmap.
	maxCacheSize = 64
)

// allocJunkByte and deallocJunkByte are written over newly allocated and just-freed
// memory respectively: recognizable fill bytes make use-after-free and
// uninitialized-read bugs visible under a debugger instead of silently
// reading zeros.
var (
	allocJunkByte   byte = 0xd0
	deallocJunkByte byte = 0xdf
)

func fillByteAlloc() *byte   { return &allocJunkByte }
func fillByteDealloc() *byte { return &deallocJunkByte }
