package hostmem

import (
	"fmt"
	"os"
	"sync"
)

var (
	pageSizeOnce   sync.Once
	cachedPageSize uintptr
)

// PageSize returns the system page size. The value is queried once and cached,
// so it is safe to call on hot paths.
func PageSize() uintptr {
	pageSizeOnce.Do(func() {
		cachedPageSize = uintptr(os.Getpagesize())
	})
	return cachedPageSize
}

// Die writes a diagnostic to stderr and terminates the process. It is the
// terminal path for unrecoverable conditions such as failed mappings or
// exhausted address space.
func Die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "shadowheap: "+format+"\n", args...)
	os.Exit(2)
}
