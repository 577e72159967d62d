package paging

// LoadingState is the single value consumers observe.
type LoadingState[T any] struct {
	Loading bool
	Err     error
	// Value is meaningful only when HasValue is set.
	Value    T
	HasValue bool
	// Page is NoPage until the first page loaded.
	Page int
}

// BeginLoading returns the state before any value is known.
func BeginLoading[T any]() LoadingState[T] {
	return LoadingState[T]{Loading: true, Page: NoPage}
}

// Success returns a loaded state holding value.
func Success[T any](value T, page int) LoadingState[T] {
	return LoadingState[T]{Value: value, HasValue: true, Page: page}
}

// Failure returns a state carrying err.
func Failure[T any](err error, page int) LoadingState[T] {
	return LoadingState[T]{Err: err, Page: page}
}

// HasPage reports whether at least one page loaded.
func (s LoadingState[T]) HasPage() bool { return s.Page != NoPage }

// IsSuccess reports a settled state with a value and no error.
func (s LoadingState[T]) IsSuccess() bool {
	return !s.Loading && s.Err == nil && s.HasValue
}
