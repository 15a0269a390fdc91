package backtrace

import "runtime"

// bytesInUse reports the heap bytes currently allocated, the figure the
// abort record carries. Reading MemStats stops the world briefly, which
// is acceptable on a path that ends in process death.
func bytesInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
