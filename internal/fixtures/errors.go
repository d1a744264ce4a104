package fixtures

import "errors"

var (
	// ErrUnknownFixture is returned for a name that was never registered.
	ErrUnknownFixture = errors.New("unknown fixture")

	// ErrNotYetAvailable is returned when an override wraps a registration
	// that does not exist below it in the chain.
	ErrNotYetAvailable = errors.New("fixture is not yet available")

	// ErrCycle is returned when a fixture transitively depends on itself.
	ErrCycle = errors.New("fixture dependency cycle")

	// ErrTimeout is returned when a test or hook exceeds its time budget.
	ErrTimeout = errors.New("timeout exceeded")
)
