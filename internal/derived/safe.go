package derived

import (
	"fmt"
)

// runSafely executes fn and converts panics into returned errors tagged with scope.
// Observer callbacks run on the event loop, so a panic there must not stop the loop.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
