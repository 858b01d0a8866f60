package slotsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Credential is what an adapter needs to authenticate one connection. OAuth
// providers use Token; CalDAV uses Username and an app-specific Password.
type Credential struct {
	Token    *oauth2.Token
	Username string
	Password string
}

func (c Credential) TokenSource() oauth2.TokenSource {
	if c.Token == nil {
		return oauth2.StaticTokenSource(&oauth2.Token{})
	}
	return oauth2.StaticTokenSource(c.Token)
}

// CredentialStore is the OAuth collaborator. Refresh is called at most once
// per provider call after an AuthExpired classification.
type CredentialStore interface {
	Credential(ctx context.Context, conn CalendarConnection) (Credential, error)
	Refresh(ctx context.Context, conn CalendarConnection) (Credential, error)
}

type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	Scopes       []string
}

// OAuthCredentialStore keeps credentials by connection credential reference
// and refreshes OAuth tokens through the provider's token endpoint.
type OAuthCredentialStore struct {
	mu      sync.RWMutex
	creds   map[string]Credential
	configs map[Provider]*oauth2.Config
	now     func() time.Time
}

func NewOAuthCredentialStore(clients map[Provider]OAuthClientConfig) *OAuthCredentialStore {
	configs := map[Provider]*oauth2.Config{}
	for provider, client := range clients {
		if strings.TrimSpace(client.ClientID) == "" {
			continue
		}
		cfg := &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Scopes:       client.Scopes,
		}
		switch normalizeProvider(provider) {
		case ProviderGoogle:
			cfg.Endpoint = google.Endpoint
			if len(cfg.Scopes) == 0 {
				cfg.Scopes = []string{"https://www.googleapis.com/auth/calendar"}
			}
		case ProviderOutlook:
			tenant := client.TenantID
			if tenant == "" {
				tenant = "common"
			}
			cfg.Endpoint = microsoft.AzureADEndpoint(tenant)
			if len(cfg.Scopes) == 0 {
				cfg.Scopes = []string{"offline_access", "Calendars.ReadWrite"}
			}
		default:
			continue
		}
		configs[normalizeProvider(provider)] = cfg
	}
	return &OAuthCredentialStore{
		creds:   map[string]Credential{},
		configs: configs,
		now:     time.Now,
	}
}

func (s *OAuthCredentialStore) Put(ref string, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = cred
}

func (s *OAuthCredentialStore) Credential(_ context.Context, conn CalendarConnection) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[conn.CredentialRef]
	if !ok {
		return Credential{}, providerError(conn.Provider, "credential", KindAuthExpired, errors.New("no credential for "+conn.CredentialRef))
	}
	if cred.Token != nil && !cred.Token.Expiry.IsZero() && !cred.Token.Expiry.After(s.now()) {
		return Credential{}, providerError(conn.Provider, "credential", KindAuthExpired, errors.New("access token expired"))
	}
	return cred, nil
}

func (s *OAuthCredentialStore) Refresh(ctx context.Context, conn CalendarConnection) (Credential, error) {
	s.mu.RLock()
	cred, ok := s.creds[conn.CredentialRef]
	cfg := s.configs[normalizeProvider(conn.Provider)]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, ErrNotFound
	}
	if cred.Token == nil {
		// CalDAV app passwords cannot be refreshed.
		return Credential{}, ErrReconnectRequired
	}
	if cfg == nil || cred.Token.RefreshToken == "" {
		return Credential{}, ErrReconnectRequired
	}
	stale := &oauth2.Token{RefreshToken: cred.Token.RefreshToken, Expiry: s.now().Add(-time.Minute)}
	token, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return Credential{}, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = cred.Token.RefreshToken
	}
	cred.Token = token
	s.Put(conn.CredentialRef, cred)
	return cred, nil
}
