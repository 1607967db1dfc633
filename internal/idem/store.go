package idem

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-salon/internal/common"
)

// DefaultTTL bounds how long a create token maps to its bill.
const DefaultTTL = 24 * time.Hour

// Store maps client-supplied idempotency tokens to the bill they produced so
// a retried create returns the original bill instead of minting a second one.
type Store struct {
	R   *redis.Client
	TTL time.Duration
}

func hashKey(token string) string {
	return "idem:bill:" + common.Sha256Hex(token)
}

// Check returns the bill previously created under this token, if any.
func (s *Store) Check(ctx context.Context, token string) (uuid.UUID, bool, error) {
	if s == nil || s.R == nil || token == "" {
		return uuid.Nil, false, nil
	}
	raw, err := s.R.Get(ctx, hashKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		// a corrupt entry must not block the create path
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Remember stores the token to bill mapping for the configured TTL.
func (s *Store) Remember(ctx context.Context, token string, billID uuid.UUID) error {
	if s == nil || s.R == nil || token == "" {
		return nil
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.R.Set(ctx, hashKey(token), billID.String(), ttl).Err()
}
