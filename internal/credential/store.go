// Package credential keeps one refreshable OAuth token per owner identity,
// sealed at rest, for the judge and email transports.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"pagewatch/internal/secret"
)

var (
	// ErrReauthorize means the owner has no usable credential and must go
	// through the consent flow again.
	ErrReauthorize = errors.New("credential must be re-authorized")
	// ErrNotStored is returned by a TokenStore that holds nothing for an owner.
	ErrNotStored = errors.New("no credential stored")
)

// TokenStore persists the sealed token blob per owner. Implementations never
// see plaintext.
type TokenStore interface {
	Load(ctx context.Context, owner string) (string, error)
	Save(ctx context.Context, owner, sealed string) error
	Delete(ctx context.Context, owner string) error
}

type Store struct {
	backend TokenStore
	sealer  *secret.Sealer
	config  *oauth2.Config
	log     zerolog.Logger
}

func NewStore(backend TokenStore, sealer *secret.Sealer, config *oauth2.Config, logger zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		sealer:  sealer,
		config:  config,
		log:     logger.With().Str("component", "credential").Logger(),
	}
}

// Token returns a valid access token for owner, refreshing and persisting it
// when the stored one has expired.
func (s *Store) Token(ctx context.Context, owner string) (*oauth2.Token, error) {
	logger := s.log.With().Str("owner", owner).Logger()

	tok, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("owner %s: %w", owner, ErrReauthorize)
	}

	if tok.RefreshToken == "" {
		logger.Warn().Msg("stored token cannot be refreshed, removing it")
		if err := s.backend.Delete(ctx, owner); err != nil {
			logger.Error().Err(err).Msg("delete unrefreshable token")
		}
		return nil, fmt.Errorf("owner %s has no refresh token: %w", owner, ErrReauthorize)
	}

	if tok.Valid() {
		return tok, nil
	}

	fresh, err := s.config.TokenSource(ctx, tok).Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.ErrorCode == "invalid_grant" {
			logger.Warn().Str("description", rErr.ErrorDescription).Msg("refresh token revoked, removing it")
			if err := s.backend.Delete(ctx, owner); err != nil {
				logger.Error().Err(err).Msg("delete revoked token")
			}
			return nil, fmt.Errorf("refreshing token for %s: %w", owner, ErrReauthorize)
		}
		return nil, fmt.Errorf("refreshing token for %s: %w", owner, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	if err := s.persist(ctx, owner, fresh); err != nil {
		return nil, err
	}
	logger.Debug().Time("expiry", fresh.Expiry).Msg("refreshed access token")
	return fresh, nil
}

// Save stores the token produced by the consent flow.
func (s *Store) Save(ctx context.Context, owner string, tok *oauth2.Token) error {
	if tok == nil || tok.RefreshToken == "" {
		return fmt.Errorf("saving token for %s: refresh token required", owner)
	}
	return s.persist(ctx, owner, tok)
}

// Revoke forgets the owner's token.
func (s *Store) Revoke(ctx context.Context, owner string) error {
	if err := s.backend.Delete(ctx, owner); err != nil {
		return fmt.Errorf("revoking token for %s: %w", owner, err)
	}
	return nil
}

// Client returns an HTTP client that authenticates as owner.
func (s *Store) Client(ctx context.Context, owner string) (*http.Client, error) {
	tok, err := s.Token(ctx, owner)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok)), nil
}

// load returns nil when nothing usable is stored. Blobs that fail to open or
// decode count as absent.
func (s *Store) load(ctx context.Context, owner string) (*oauth2.Token, error) {
	sealed, err := s.backend.Load(ctx, owner)
	if errors.Is(err, ErrNotStored) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading token for %s: %w", owner, err)
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("stored token does not decrypt, treating as absent")
		return nil, nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("stored token is not valid json, treating as absent")
		return nil, nil
	}
	return &tok, nil
}

func (s *Store) persist(ctx context.Context, owner string, tok *oauth2.Token) error {
	plain, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token for %s: %w", owner, err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("sealing token for %s: %w", owner, err)
	}
	if err := s.backend.Save(ctx, owner, sealed); err != nil {
		return fmt.Errorf("saving token for %s: %w", owner, err)
	}
	return nil
}
