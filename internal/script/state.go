package script

import (
	"fmt"

	"go.starlark.net/starlark"
)

// stateDict is the mutable store predeclared to model scripts as "state".
//
// Starlark freezes every value reachable from a module's globals once the
// module has executed, which would leave models unable to keep registers or
// counters between calls. stateDict wraps a dict whose Freeze is a no-op, so
// anything the script parks under state stays mutable for the lifetime of
// the backend, mirroring the unrestricted interpreter-side state the
// reference keeps in its model objects.
type stateDict struct {
	d *starlark.Dict
}

var (
	_ starlark.Value     = (*stateDict)(nil)
	_ starlark.Mapping   = (*stateDict)(nil)
	_ starlark.HasSetKey = (*stateDict)(nil)
	_ starlark.HasAttrs  = (*stateDict)(nil)
)

func newStateDict() *stateDict {
	return &stateDict{d: starlark.NewDict(8)}
}

func (s *stateDict) String() string        { return s.d.String() }
func (s *stateDict) Type() string          { return "state" }
func (s *stateDict) Truth() starlark.Bool  { return s.d.Truth() }
func (s *stateDict) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: state") }

// Freeze is deliberately empty; see the type comment.
func (s *stateDict) Freeze() {}

func (s *stateDict) Get(k starlark.Value) (starlark.Value, bool, error) {
	return s.d.Get(k)
}

func (s *stateDict) SetKey(k, v starlark.Value) error {
	return s.d.SetKey(k, v)
}

// Attr exposes the dict methods (get, setdefault, keys, ...) on the inner
// dict, which is never frozen.
func (s *stateDict) Attr(name string) (starlark.Value, error) {
	return s.d.Attr(name)
}

func (s *stateDict) AttrNames() []string {
	return s.d.AttrNames()
}
