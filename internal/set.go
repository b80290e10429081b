package internal

import (
	"maps"
	"slices"
)

type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func union[T comparable, S set[T]](x S, y S) S {
	r := maps.Clone(x)
	maps.Copy(r, y)
	return r
}

func (s set[T]) has(t T) bool {
	_, ok := s[t]
	return ok
}

// sorted returns the members in ascending order.
func sorted[T cmpOrdered](s set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}

type cmpOrdered interface {
	~int | ~int32 | ~int64 | ~string
}
