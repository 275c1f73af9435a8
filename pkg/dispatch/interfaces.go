package dispatch

import (
	"context"
	"time"
)

// Messenger defines the contract for the push-messaging provider.
// Send delivers a single envelope and returns the provider's message ID.
type Messenger interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// TokenStore defines the contract for reading and pruning per-user device registrations.
// Writes come from the client registration flow, which lives outside this service.
type TokenStore interface {
	// GetToken returns the registration for a user, or an error matching ErrTokenNotFound.
	GetToken(ctx context.Context, userID string) (*TokenRecord, error)

	// DeleteWhereOlderThan removes every record last updated before cutoff as one
	// atomic commit and returns the user IDs that were removed.
	DeleteWhereOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// TokenInvalidator is implemented by stores that hold copies of registrations,
// such as a cache. InvalidateToken drops the copy for one user so the next
// lookup reads the source of truth.
type TokenInvalidator interface {
	InvalidateToken(ctx context.Context, userID string) error
}
