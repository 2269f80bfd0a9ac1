package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/repo"
)

// APIKeyPrefix marks keys minted by this service.
const APIKeyPrefix = "sk_"

// Options configure a Service.
type Options struct {
	JWTSecret string
	Issuer    string
	Audience  string
	CacheSize int
	CacheTTL  time.Duration
	Now       func() time.Time
}

// Service resolves bearer tokens and API keys to principals.
type Service struct {
	repo  repo.Repo
	opts  Options
	cache *expirable.LRU[string, domain.Principal]
}

func NewService(r repo.Repo, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:  r,
		opts:  opts,
		cache: expirable.NewLRU[string, domain.Principal](opts.CacheSize, nil, opts.CacheTTL),
	}
}

type claims struct {
	jwt.RegisteredClaims
	Account string `json:"account"`
}

func unauthenticated(format string, args ...any) error {
	return apierr.New(apierr.Unauthenticated, format, args...)
}

// Authenticate resolves an Authorization header value or an API key. A
// bearer token wins when both are present.
func (s *Service) Authenticate(ctx context.Context, authorization, apiKey string) (domain.Principal, error) {
	authorization = strings.TrimSpace(authorization)
	apiKey = strings.TrimSpace(apiKey)
	switch {
	case authorization != "":
		token, ok := bearerToken(authorization)
		if !ok {
			return domain.Principal{}, unauthenticated("invalid credentials")
		}
		return s.ParseToken(ctx, token)
	case apiKey != "":
		return s.ResolveAPIKey(ctx, apiKey)
	default:
		return domain.Principal{}, unauthenticated("authentication required")
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// ParseToken verifies an HS256 token whose subject is the actor and whose
// account claim names the account id.
func (s *Service) ParseToken(ctx context.Context, token string) (domain.Principal, error) {
	if strings.TrimSpace(s.opts.JWTSecret) == "" {
		return domain.Principal{}, unauthenticated("bearer tokens are not enabled")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.opts.Now),
	}
	if s.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.opts.Issuer))
	}
	if s.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(s.opts.Audience))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return domain.Principal{}, unauthenticated("invalid credentials")
	}
	if c.Subject == "" || c.Account == "" {
		return domain.Principal{}, unauthenticated("token must carry sub and account claims")
	}
	acct, err := s.repo.GetAccount(ctx, c.Account)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, unauthenticated("invalid credentials")
	}
	if err != nil {
		return domain.Principal{}, apierr.Wrap(apierr.Internal, err, "load account")
	}
	return domain.Principal{ActorID: c.Subject, Account: acct}, nil
}

// IssueToken mints a token for actorID in acct.
func (s *Service) IssueToken(actorID string, acct domain.Account, ttl time.Duration) (string, error) {
	if strings.TrimSpace(s.opts.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if actorID == "" {
		return "", errors.New("actor required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.opts.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Account: acct.ID,
	}
	if s.opts.Audience != "" {
		c.Audience = jwt.ClaimStrings{s.opts.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.opts.JWTSecret))
}

// ResolveAPIKey looks a key up by hash. Hits are cached for CacheTTL.
func (s *Service) ResolveAPIKey(ctx context.Context, key string) (domain.Principal, error) {
	hash := repo.HashAPIKey(key)
	if p, ok := s.cache.Get(hash); ok {
		return p, nil
	}
	k, err := s.repo.GetAPIKeyByHash(ctx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, unauthenticated("invalid credentials")
	}
	if err != nil {
		return domain.Principal{}, apierr.Wrap(apierr.Internal, err, "load api key")
	}
	acct, err := s.repo.GetAccount(ctx, k.AccountID)
	if err != nil {
		return domain.Principal{}, apierr.Wrap(apierr.Internal, err, "load account of api key %s", k.ID)
	}
	p := domain.Principal{ActorID: k.ActorID, Account: acct}
	s.cache.Add(hash, p)
	return p, nil
}

// CreateAPIKey mints a key for actorID in acct and returns the plaintext,
// which is not stored.
func (s *Service) CreateAPIKey(ctx context.Context, acct domain.Account, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plaintext := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		AccountID: acct.ID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: domain.FormatTime(s.opts.Now()),
	}
	if err := s.repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, key, nil
}

// RevokeAPIKey deletes a key and drops every cached principal so the key
// stops working immediately.
func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	if err := s.repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}
