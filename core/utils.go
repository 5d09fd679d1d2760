package core

import (
	"reflect"

	"github.com/encodeous/nbns/state"
)

func Get[T state.NyModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// once wraps a result callback so that only the first result is delivered. A nil fn is allowed.
func once[T any](fn func(T)) func(T) {
	fired := false
	return func(v T) {
		if fired || fn == nil {
			return
		}
		fired = true
		fn(v)
	}
}
