package shadowheap

import "unsafe"

// freeNode is an intrusive free list cell. While a chunk sits on a free list
// its first word is the node; no side storage is spent on free chunks.
type freeNode struct {
	next *freeNode
}

// TransferList is a singly-linked list of free chunks threaded through the
// chunks themselves. Lists carry whole batches of chunks between a LocalCache
// and the primary backend, so cross-thread synchronization is paid once per
// batch rather than once per chunk. The zero value is an empty list.
type TransferList struct {
	first *freeNode
	last  *freeNode
	size  int
}

func (l *TransferList) Size() int {
	return l.size
}

func (l *TransferList) IsEmpty() bool {
	return l.size == 0
}

// PushFront threads the chunk at p onto the front of the list. The chunk must
// be at least pointer-sized and must not be reachable by its owner anymore.
func (l *TransferList) PushFront(p unsafe.Pointer) {
	node := (*freeNode)(p)
	node.next = l.first
	l.first = node
	if l.last == nil {
		l.last = node
	}
	l.size++
}

// PopFront detaches the front chunk and returns it, or nil if the list is
// empty. The returned memory is ready for reuse as a user chunk.
func (l *TransferList) PopFront() unsafe.Pointer {
	node := l.first
	if node == nil {
		return nil
	}
	l.first = node.next
	if l.first == nil {
		l.last = nil
	}
	node.next = nil
	l.size--
	return unsafe.Pointer(node)
}

// Append splices the entire contents of other onto the front of l in O(1),
// leaving other empty.
func (l *TransferList) Append(other *TransferList) {
	if other.IsEmpty() {
		return
	}
	other.last.next = l.first
	if l.first == nil {
		l.last = other.last
	}
	l.first = other.first
	l.size += other.size
	other.Clear()
}

func (l *TransferList) Clear() {
	l.first = nil
	l.last = nil
	l.size = 0
}

func memZero(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

func memCopy(dst, src unsafe.Pointer, n uintptr) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
