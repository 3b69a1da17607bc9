// Package opt has a small optional-value type for state where the zero value is meaningful, such as
// an empty skip reason.
package opt

// Maybe holds either a value or nothing.
type Maybe[V any] struct {
	defined bool
	value   V
}

func Some[V any](value V) Maybe[V] {
	return Maybe[V]{defined: true, value: value}
}

func None[V any]() Maybe[V] { return Maybe[V]{} }

func (m Maybe[V]) IsDefined() bool { return m.defined }

// Value returns the value, or the zero value of V if there is none.
func (m Maybe[V]) Value() V { return m.value }

func (m Maybe[V]) OrElse(valueIfUndefined V) V {
	if m.defined {
		return m.value
	}
	return valueIfUndefined
}
