package fetcher

import "context"

// Result represents the outcome of fetching one target.
type Result struct {
	// Target is the identifier that was fetched (chain name, coin ID, query ID, page)
	Target string

	// Payload is the raw JSON body of the successful response
	Payload []byte

	// Err contains any error that occurred during the fetch operation.
	// If Err is not nil, Payload should be considered invalid.
	Err error
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Get fetches target with f and wraps the outcome as a Result.
func Get(ctx context.Context, f Fetcher, target string) Result {
	payload, err := f.Fetch(ctx, target)
	if err != nil {
		return Result{Target: target, Err: err}
	}
	return Result{Target: target, Payload: payload}
}
