package unwind

import (
	"sync"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
)

var frameStatePool = sync.Pool{
	New: func() interface{} {
		return frame.NewFrameState(nil)
	},
}

// Scope owns the scratch data of one unwind request. Release must be
// called, usually deferred, once the request completes; FrameStates
// obtained through the scope must not be used afterwards.
//
//	scope := unwind.NewScope()
//	defer scope.Release()
type Scope struct {
	states []*frame.FrameState
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

func (scope *Scope) frameState(cfg *frame.Config) *frame.FrameState {
	fs := frameStatePool.Get().(*frame.FrameState)
	fs.Reset(cfg)
	scope.states = append(scope.states, fs)
	return fs
}

// Release returns all the scratch data of scope to the pool.
func (scope *Scope) Release() {
	for i, fs := range scope.states {
		fs.Reset(nil)
		frameStatePool.Put(fs)
		scope.states[i] = nil
	}
	scope.states = scope.states[:0]
}
