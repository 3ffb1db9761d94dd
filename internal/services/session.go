package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// ChallengeDuration bounds the gap between password sign-in and the second factor.
	ChallengeDuration = 5 * time.Minute

	SessionKeyPrefix        = "session:"
	UserSessionKeyPrefix    = "user_session:"
	AdminSessionKeyPrefix   = "admin_session:"
	AdminToSessionKeyPrefix = "admin_to_session:"
	ChallengeKeyPrefix      = "2fa_challenge:"
	UserChallengeKeyPrefix  = "user_2fa_challenge:"
)

var ErrEmptySessionToken = errors.New("session token is empty")

// SessionStore keeps bearer tokens in Redis. Each owner holds at most one
// token per store: creating a new one invalidates the previous token.
type SessionStore struct {
	client      redis.Cmdable
	prefix      string
	ownerPrefix string
	ttl         time.Duration
}

// NewUserSessions stores patient sessions issued after the second factor.
func NewUserSessions(client redis.Cmdable) *SessionStore {
	return &SessionStore{client: client, prefix: SessionKeyPrefix, ownerPrefix: UserSessionKeyPrefix, ttl: SessionDuration}
}

func NewAdminSessions(client redis.Cmdable) *SessionStore {
	return &SessionStore{client: client, prefix: AdminSessionKeyPrefix, ownerPrefix: AdminToSessionKeyPrefix, ttl: SessionDuration}
}

// NewLoginChallenges stores the short-lived tokens that prove the password
// step succeeded and the second factor is pending.
func NewLoginChallenges(client redis.Cmdable) *SessionStore {
	return &SessionStore{client: client, prefix: ChallengeKeyPrefix, ownerPrefix: UserChallengeKeyPrefix, ttl: ChallengeDuration}
}

func (s *SessionStore) TTL() time.Duration { return s.ttl }

func (s *SessionStore) tokenKey(token string) string { return s.prefix + token }
func (s *SessionStore) ownerKey(ownerID string) string { return s.ownerPrefix + ownerID }

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Create issues a new token for ownerID, resetting the expiry timer.
func (s *SessionStore) Create(ctx context.Context, ownerID string) (string, error) {
	if err := s.InvalidateOwner(ctx, ownerID); err != nil {
		return "", err
	}
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.tokenKey(token), ownerID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if err := s.client.Set(ctx, s.ownerKey(ownerID), token, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session owner: %w", err)
	}
	return token, nil
}

// Validate returns the owner of token. Unknown or expired tokens are not an error.
func (s *SessionStore) Validate(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	ownerID, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ownerID, true, nil
}

// Consume validates token and deletes it so it cannot be replayed.
func (s *SessionStore) Consume(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	ownerID, err := s.client.GetDel(ctx, s.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s.client.Del(ctx, s.ownerKey(ownerID))
	return ownerID, true, nil
}

// Refresh extends the token and its owner mapping by the full TTL.
func (s *SessionStore) Refresh(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptySessionToken
	}
	ownerID, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return err
	}
	if err := s.client.Expire(ctx, s.tokenKey(token), s.ttl).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, s.ownerKey(ownerID), s.ttl).Err()
}

func (s *SessionStore) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	ownerID, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err == nil && ownerID != "" {
		s.client.Del(ctx, s.ownerKey(ownerID))
	}
	return s.client.Del(ctx, s.tokenKey(token)).Err()
}

// InvalidateOwner removes whatever token ownerID currently holds.
func (s *SessionStore) InvalidateOwner(ctx context.Context, ownerID string) error {
	token, err := s.client.Get(ctx, s.ownerKey(ownerID)).Result()
	if err == nil && token != "" {
		s.client.Del(ctx, s.tokenKey(token))
	}
	return s.client.Del(ctx, s.ownerKey(ownerID)).Err()
}
