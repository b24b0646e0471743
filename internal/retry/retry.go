// Package retry provides a small fallback combinator for operations that
// try an ordered list of candidates, such as branch creation against
// main and then master.
package retry

import (
	"context"
	"errors"

	"github.com/pitabwire/util"
)

// ErrNoCandidates is returned when the candidate list is empty.
var ErrNoCandidates = errors.New("no candidates to try")

// First runs op against each candidate in order and returns the first
// success along with the candidate that produced it.
//
// Failure handling branches on typed classification, never on message
// text: when terminal reports true for an error, that error is returned
// immediately and the remaining candidates are not tried. Otherwise the
// next candidate is attempted and the last error is returned once the
// list is exhausted.
func First[C any, T any](
	ctx context.Context,
	op string,
	candidates []C,
	terminal func(error) bool,
	fn func(ctx context.Context, candidate C) (T, error),
) (T, C, error) {
	var zeroT T
	var zeroC C

	if len(candidates) == 0 {
		return zeroT, zeroC, ErrNoCandidates
	}

	log := util.Log(ctx)

	var lastErr error
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return zeroT, zeroC, err
		}

		result, err := fn(ctx, candidate)
		if err == nil {
			return result, candidate, nil
		}

		if terminal != nil && terminal(err) {
			return zeroT, zeroC, err
		}

		lastErr = err
		if i < len(candidates)-1 {
			log.WithError(err).Debug("candidate failed, trying next",
				"op", op,
				"candidate", candidate,
				"remaining", len(candidates)-i-1,
			)
		}
	}

	return zeroT, zeroC, lastErr
}
