package weft

import (
	"fmt"
	"sync/atomic"
)

// FragmentDescriptor addresses a span of a NodeLink's shared memory: a
// buffer plus an offset within it. Descriptors are plain data and travel
// inside wire messages.
type FragmentDescriptor struct {
	Buffer BufferID
	Offset uint32
	Size   uint32
}

func (d FragmentDescriptor) IsNull() bool {
	return d == FragmentDescriptor{}
}

func (d FragmentDescriptor) String() string {
	return fmt.Sprintf("fragment{buf=%d off=%d size=%d}", d.Buffer, d.Offset, d.Size)
}

// FragmentRef is a reference-counted handle to one fragment. A ref is
// pending until the buffer it addresses has been mapped locally,
// addressable afterwards, and null once released.
type FragmentRef struct {
	mem  *NodeLinkMemory
	desc FragmentDescriptor
	refs atomic.Int32

	// bytes is published by the owning NodeLinkMemory under its lock and
	// read thereafter without coordination, so it is atomic-typed.
	bytes atomic.Pointer[[]byte]
}

func newFragmentRef(mem *NodeLinkMemory, desc FragmentDescriptor, bytes []byte) *FragmentRef {
	ref := &FragmentRef{mem: mem, desc: desc}
	ref.refs.Store(1)
	if bytes != nil {
		ref.bytes.Store(&bytes)
	}
	return ref
}

func (f *FragmentRef) Descriptor() FragmentDescriptor {
	return f.desc
}

// IsPending reports whether the underlying buffer is not yet mapped.
func (f *FragmentRef) IsPending() bool {
	return f != nil && f.bytes.Load() == nil
}

// Bytes returns the mapped fragment, or nil while pending.
func (f *FragmentRef) Bytes() []byte {
	if f == nil {
		return nil
	}
	b := f.bytes.Load()
	if b == nil {
		return nil
	}
	return *b
}

func (f *FragmentRef) AddRef() *FragmentRef {
	if f != nil {
		f.refs.Add(1)
	}
	return f
}

// Release drops one reference. When the final local reference dies and
// this side allocated the fragment, the block returns to its allocator so
// either side may reuse it.
func (f *FragmentRef) Release() {
	if f == nil {
		return
	}
	if f.refs.Add(-1) == 0 {
		f.mem.releaseFragment(f.desc)
	}
}
