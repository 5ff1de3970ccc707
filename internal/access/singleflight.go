package access

import "context"

// load collapses concurrent misses for key into one upstream fetch. The fetch
// keeps the values of the first caller's context but not its cancellation, so
// one caller going away does not fail the others; each caller stops waiting
// when its own ctx is done.
func load[T any](ctx context.Context, s *Service, key string, fn func(context.Context) (T, error)) (T, error) {
	shared := context.WithoutCancel(ctx)
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		return fn(shared)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, nil
		}
		return v, nil
	}
}
