package mux

type FilterFunc[T any] func(T) bool

type MapperFunc[T, U any] func(T) U

func None[T any]() FilterFunc[T] {
	return func(T) bool {
		return false
	}
}

func Not[T any](filter FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		return !filter(v)
	}
}

func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}

func And[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if !filter(v) {
				return false
			}
		}
		return true
	}
}

// Select returns the elements of vs accepted by filter, keeping their order.
func Select[T any](vs []T, filter FilterFunc[T]) []T {
	out := make([]T, 0, len(vs))
	for _, v := range vs {
		if filter(v) {
			out = append(out, v)
		}
	}
	return out
}

func Map[T, U any](vs []T, f MapperFunc[T, U]) []U {
	out := make([]U, len(vs))
	for i, v := range vs {
		out[i] = f(v)
	}
	return out
}
