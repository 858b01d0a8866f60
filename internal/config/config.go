package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen          = ":8080"
	defaultRenewalSchedule = "@every 1h"
	defaultPollSchedule    = "@every 5m"
	defaultSweepSchedule   = "@every 30s"
	defaultPruneSchedule   = "@hourly"
)

// StorageConfig selects backends by DSN: memory://, file://<dir> or postgres://.
type StorageConfig struct {
	LedgerDSN      string `yaml:"ledger_dsn"`
	ConnectionsDSN string `yaml:"connections_dsn"`
	DedupDSN       string `yaml:"dedup_dsn"`
	CursorDSN      string `yaml:"cursor_dsn"`
}

type OAuthClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TenantID     string   `yaml:"tenant_id,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// CredentialConfig seeds the credential store. OAuth providers use the token
// fields; iCloud uses Username and an app-specific Password.
type CredentialConfig struct {
	Ref          string    `yaml:"ref"`
	AccessToken  string    `yaml:"access_token,omitempty"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	Expiry       time.Time `yaml:"expiry,omitempty"`
	Username     string    `yaml:"username,omitempty"`
	Password     string    `yaml:"password,omitempty"`
}

type ScheduleConfig struct {
	Renewal string `yaml:"renewal"`
	Poll    string `yaml:"poll"`
	Sweep   string `yaml:"sweep"`
	Prune   string `yaml:"prune"`
}

// Config is the YAML file layered under the SLOTSYNC_* environment.
type Config struct {
	Listen string `yaml:"listen"`
	// PublicURL is the externally reachable base for webhook callbacks.
	PublicURL string        `yaml:"public_url"`
	JWTSecret string        `yaml:"jwt_secret"`
	Storage   StorageConfig `yaml:"storage"`
	LegacyDB  string        `yaml:"legacy_db,omitempty"`

	HoldTTL       time.Duration  `yaml:"hold_ttl"`
	DedupTTL      time.Duration  `yaml:"dedup_ttl"`
	ExpandHorizon time.Duration  `yaml:"expand_horizon"`
	OutlookState  string         `yaml:"outlook_client_state,omitempty"`
	Schedules     ScheduleConfig `yaml:"schedules"`

	// WebhookSecrets lists the accepted shared secrets per provider. Keep the
	// old and the new secret side by side while rotating.
	WebhookSecrets map[string][]string           `yaml:"webhook_secrets"`
	OAuth          map[string]OAuthClient        `yaml:"oauth"`
	Credentials    []CredentialConfig            `yaml:"credentials"`
	Connections    []slotsync.CalendarConnection `yaml:"connections"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values so partially written files behave.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaultListen
	}
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if c.Storage.LedgerDSN == "" {
		c.Storage.LedgerDSN = "memory://"
	}
	if c.Storage.ConnectionsDSN == "" {
		c.Storage.ConnectionsDSN = "memory://"
	}
	if c.Storage.DedupDSN == "" {
		c.Storage.DedupDSN = "memory://"
	}
	if c.Storage.CursorDSN == "" {
		c.Storage.CursorDSN = "memory://"
	}
	if c.HoldTTL <= 0 {
		c.HoldTTL = slotsync.DefaultHoldTTL
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = slotsync.DefaultDedupTTL
	}
	if c.ExpandHorizon <= 0 {
		c.ExpandHorizon = slotsync.DefaultHorizon
	}
	if c.Schedules.Renewal == "" {
		c.Schedules.Renewal = defaultRenewalSchedule
	}
	if c.Schedules.Poll == "" {
		c.Schedules.Poll = defaultPollSchedule
	}
	if c.Schedules.Sweep == "" {
		c.Schedules.Sweep = defaultSweepSchedule
	}
	if c.Schedules.Prune == "" {
		c.Schedules.Prune = defaultPruneSchedule
	}
	secrets := map[string][]string{}
	for provider, values := range c.WebhookSecrets {
		key := strings.ToLower(strings.TrimSpace(provider))
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				secrets[key] = append(secrets[key], v)
			}
		}
	}
	c.WebhookSecrets = secrets
	if c.OAuth == nil {
		c.OAuth = map[string]OAuthClient{}
	}
	if c.Credentials == nil {
		c.Credentials = []CredentialConfig{}
	}
	if c.Connections == nil {
		c.Connections = []slotsync.CalendarConnection{}
	}
}

// Validate reports the first entry that cannot be used.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, cred := range c.Credentials {
		ref := strings.TrimSpace(cred.Ref)
		if ref == "" {
			return &slotsync.ValidationError{Field: "credentials.ref", Message: "is required"}
		}
		if seen[ref] {
			return &slotsync.ValidationError{Field: "credentials.ref", Message: "duplicate ref " + ref}
		}
		seen[ref] = true
	}
	for _, conn := range c.Connections {
		if strings.TrimSpace(conn.AccountID) == "" {
			return &slotsync.ValidationError{Field: "connections.account_id", Message: "is required"}
		}
		if conn.CredentialRef != "" && !seen[conn.CredentialRef] {
			return &slotsync.ValidationError{Field: "connections.credential_ref", Message: "unknown ref " + conn.CredentialRef}
		}
	}
	return nil
}

// Load reads the YAML file at path. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg atomically through a temp file and leaves it at 0600,
// since the file carries secrets.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".slotsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

func (c *Config) Secrets(provider slotsync.Provider) []string {
	values := c.WebhookSecrets[strings.ToLower(string(provider))]
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func (c *Config) OAuthClients() map[slotsync.Provider]slotsync.OAuthClientConfig {
	out := map[slotsync.Provider]slotsync.OAuthClientConfig{}
	for provider, client := range c.OAuth {
		out[slotsync.Provider(strings.ToLower(strings.TrimSpace(provider)))] = slotsync.OAuthClientConfig{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			TenantID:     client.TenantID,
			Scopes:       client.Scopes,
		}
	}
	return out
}

func (cc CredentialConfig) Credential() slotsync.Credential {
	cred := slotsync.Credential{Username: cc.Username, Password: cc.Password}
	if cc.AccessToken != "" || cc.RefreshToken != "" {
		cred.Token = &oauth2.Token{
			AccessToken:  cc.AccessToken,
			RefreshToken: cc.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       cc.Expiry,
		}
	}
	return cred
}

// ChangedCredentials returns the refs whose entries differ between prev and
// next. Unchanged entries are left alone so a token refreshed at runtime is
// not replaced by the stale one on disk.
func ChangedCredentials(prev, next *Config) []CredentialConfig {
	old := map[string]CredentialConfig{}
	if prev != nil {
		for _, cred := range prev.Credentials {
			old[cred.Ref] = cred
		}
	}
	var changed []CredentialConfig
	for _, cred := range next.Credentials {
		if before, ok := old[cred.Ref]; ok && sameCredential(before, cred) {
			continue
		}
		changed = append(changed, cred)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Ref < changed[j].Ref })
	return changed
}

func sameCredential(a, b CredentialConfig) bool {
	return a.Ref == b.Ref &&
		a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		a.Expiry.Equal(b.Expiry) &&
		a.Username == b.Username &&
		a.Password == b.Password
}
