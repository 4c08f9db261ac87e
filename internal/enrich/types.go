package enrich

import (
	"context"
	"errors"
	"fmt"

	"killfeed/internal/storage"
)

// ErrClaimLost means another worker won the claim race. It is an expected
// outcome, not a failure: the caller simply moves on.
var ErrClaimLost = errors.New("claim lost")

// ErrUnfetchable marks an event whose detail fetch has permanently failed.
var ErrUnfetchable = errors.New("enrichment unfetchable")

// FetchError wraps a failed upstream fetch with its reason. Temporary
// failures are eligible for re-claim up to the attempt budget.
type FetchError struct {
	Reason    string
	Err       error
	Temporary bool
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed (%s): %v", e.Reason, e.Err)
	}
	return "fetch failed (" + e.Reason + ")"
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves enrichment detail from the upstream API.
type Fetcher interface {
	FetchDetail(ctx context.Context, killID int64) (*storage.EnrichmentDetail, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, killID int64) (*storage.EnrichmentDetail, error)

func (f FetcherFunc) FetchDetail(ctx context.Context, killID int64) (*storage.EnrichmentDetail, error) {
	return f(ctx, killID)
}
