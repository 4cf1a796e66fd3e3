// Package relay implements the relay-server coordinator: relay discovery
// and ranking, two-sided session setup, the relay-side session table, and
// the source-side attach loop that serves bytes through a relay to peers
// that cannot dial the source.
package relay

import (
	"context"
	"errors"
	"fmt"
)

// raceFirst runs every attempt concurrently; the first success wins and the
// losers are cancelled. If all attempts fail, the collected errors are
// joined.
func raceFirst(ctx context.Context, attempts []func(context.Context) error) error {
	if len(attempts) == 0 {
		return fmt.Errorf("no attempts")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(attempts))
	for _, attempt := range attempts {
		go func(attempt func(context.Context) error) {
			results <- attempt(raceCtx)
		}(attempt)
	}

	var errs []error
	for range attempts {
		select {
		case err := <-results:
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}
