// Package retry provides exponential backoff retry for upstream
// fetches.
//
// A fetch is retried only while no response body has been handed to a
// copy strategy; once streaming starts the outcome is final.
//
// # Usage
//
//	cfg := retry.DefaultConfig()
//	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
//	    return fetch(ctx)
//	}, &retry.Options{Operation: "backend_fetch"})
package retry
