package keys

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, k *ApiKey) error
	ListActive(ctx context.Context) ([]*ApiKey, error)
	ListForUser(ctx context.Context, userEmail string) ([]*ApiKey, error)
	TouchLastUsed(ctx context.Context, id KeyID, at time.Time) error
	Deactivate(ctx context.Context, id KeyID, userEmail string) (bool, error)
}
