package ivm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

// ExternalCopy is an immutable snapshot of a value held outside every
// agent heap. It can be copied into any realm of any agent, any number of
// times, without going back to the realm it came from.
type ExternalCopy struct {
	id       uint64
	data     []byte
	released atomic.Bool
}

var (
	externals      sync.Map // uint64 -> *ExternalCopy
	nextExternalID atomic.Uint64
	externalBytes  atomic.Int64
)

// NewExternalCopy snapshots v using copy semantics.
func NewExternalCopy(v any) (*ExternalCopy, error) {
	n, err := newEncoder().encode(v)
	if err != nil {
		return nil, err
	}
	return externalFromNode(n)
}

func externalFromNode(n *node) (*ExternalCopy, error) {
	if n == nil {
		n = undefinedNode
	}
	data, err := sonic.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding external copy: %w", err)
	}
	ec := &ExternalCopy{id: nextExternalID.Add(1), data: data}
	externals.Store(ec.id, ec)
	externalBytes.Add(int64(len(data)))
	return ec, nil
}

func lookupExternal(id uint64) (*ExternalCopy, bool) {
	v, ok := externals.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ExternalCopy), true
}

func (ec *ExternalCopy) node() (*node, error) {
	if ec.released.Load() {
		return nil, ErrReleased
	}
	return decodeTree(ec.data)
}

// Copy returns a fresh Go copy of the snapshot.
func (ec *ExternalCopy) Copy() (any, error) {
	n, err := ec.node()
	if err != nil {
		return nil, err
	}
	return decodeNode(n)
}

// CopyInto returns a handle that transfers a fresh copy of the snapshot
// into whichever realm receives it.
func (ec *ExternalCopy) CopyInto() (*Copy, error) {
	if ec.released.Load() {
		return nil, ErrReleased
	}
	return &Copy{data: ec.data}, nil
}

// Release invalidates the snapshot for new copies. Copies already taken are
// unaffected. It is idempotent.
func (ec *ExternalCopy) Release() {
	if !ec.released.CompareAndSwap(false, true) {
		return
	}
	externals.Delete(ec.id)
	externalBytes.Add(-int64(len(ec.data)))
}

// Size is the encoded size of the snapshot in bytes.
func (ec *ExternalCopy) Size() int { return len(ec.data) }

// TotalExternalSize is the number of bytes held by unreleased external
// copies in the process.
func TotalExternalSize() int64 { return externalBytes.Load() }
