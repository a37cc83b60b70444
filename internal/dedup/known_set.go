package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/repository"
)

// KnownSet records accepted fingerprints. Claim is atomic: among concurrent
// callers with the same key exactly one observes true. A claimed
// fingerprint is later bound to the draft that owns it; Owner returns ""
// until then.
type KnownSet interface {
	Claim(ctx context.Context, projectID string, fp domain.Fingerprint) (bool, error)
	Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error
	Owner(ctx context.Context, projectID string, fp domain.Fingerprint) (string, error)
}

// noExpiry stands in for "retain forever" in stores that need a timestamp.
var noExpiry = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// StoreKnownSet keeps fingerprints in a FingerprintRepository.
type StoreKnownSet struct {
	repo      repository.FingerprintRepository
	retention time.Duration
	now       func() time.Time
}

// NewStoreKnownSet builds a known set over a repository. A zero retention
// keeps fingerprints forever.
func NewStoreKnownSet(repo repository.FingerprintRepository, retention time.Duration) *StoreKnownSet {
	return &StoreKnownSet{repo: repo, retention: retention, now: time.Now}
}

func (s *StoreKnownSet) Claim(ctx context.Context, projectID string, fp domain.Fingerprint) (bool, error) {
	now := s.now().UTC()
	expiresAt := noExpiry
	if s.retention > 0 {
		expiresAt = now.Add(s.retention)
	}
	claimed, err := s.repo.Claim(ctx, projectID, fp, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("claim fingerprint: %w", err)
	}
	return claimed, nil
}

func (s *StoreKnownSet) Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	if err := s.repo.Bind(ctx, projectID, fp, draftID); err != nil {
		return fmt.Errorf("bind fingerprint: %w", err)
	}
	return nil
}

func (s *StoreKnownSet) Owner(ctx context.Context, projectID string, fp domain.Fingerprint) (string, error) {
	owner, err := s.repo.Owner(ctx, projectID, fp, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("fingerprint owner: %w", err)
	}
	return owner, nil
}

// Prune drops fingerprints whose retention has elapsed.
func (s *StoreKnownSet) Prune(ctx context.Context) (int64, error) {
	return s.repo.Prune(ctx, s.now().UTC())
}

// RedisKnownSet keeps fingerprints as keys with a TTL; Redis expires them.
// The value is the owning draft id once bound.
type RedisKnownSet struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

const redisOwnerPrefix = "draft:"

// NewRedisKnownSet builds a known set backed by SET NX.
func NewRedisKnownSet(client *redis.Client, retention time.Duration) *RedisKnownSet {
	return &RedisKnownSet{client: client, retention: retention, prefix: "triage:fp:"}
}

func (s *RedisKnownSet) key(projectID string, fp domain.Fingerprint) string {
	return s.prefix + projectID + ":" + string(fp)
}

func (s *RedisKnownSet) Claim(ctx context.Context, projectID string, fp domain.Fingerprint) (bool, error) {
	claimed, err := s.client.SetNX(ctx, s.key(projectID, fp), time.Now().UTC().Format(time.RFC3339), s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("claim fingerprint in redis: %w", err)
	}
	return claimed, nil
}

// Bind overwrites the value in place and keeps the claim's TTL. A key that
// already expired is not recreated.
func (s *RedisKnownSet) Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	err := s.client.SetArgs(ctx, s.key(projectID, fp), redisOwnerPrefix+draftID, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("bind fingerprint in redis: %w", err)
	}
	return nil
}

func (s *RedisKnownSet) Owner(ctx context.Context, projectID string, fp domain.Fingerprint) (string, error) {
	val, err := s.client.Get(ctx, s.key(projectID, fp)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint owner in redis: %w", err)
	}
	owner, bound := strings.CutPrefix(val, redisOwnerPrefix)
	if !bound {
		return "", nil
	}
	return owner, nil
}
