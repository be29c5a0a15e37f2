package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pulpo/errors"
)

const (
	// Refresh before the upstream expiry so in-flight requests never
	// carry a token that dies mid-request.
	expiryBuffer = 60 * time.Second

	refreshLockTTL  = 10 * time.Second
	refreshLockPoll = 100 * time.Millisecond

	oauthStateTTL = 10 * time.Minute
)

// OAuthClient is the client id/secret pair registered with a platform.
type OAuthClient struct {
	ID     string
	Secret string
}

// Manager owns credential storage, encryption, token refresh and
// per-integration request accounting. Refresh is mutually exclusive
// across processes via a short-TTL redis lock, so a burst of 401s
// triggers exactly one refresh.
type Manager struct {
	store   Store
	enc     *Encryptor
	redis   redis.UniversalClient
	http    *http.Client
	clients map[string]OAuthClient // keyed by platform

	// test hook
	sleep func(time.Duration)
}

func NewManager(store Store, enc *Encryptor, rdb redis.UniversalClient, clients map[string]OAuthClient) *Manager {
	if clients == nil {
		clients = map[string]OAuthClient{}
	}
	return &Manager{
		store:   store,
		enc:     enc,
		redis:   rdb,
		http:    &http.Client{Timeout: 30 * time.Second},
		clients: clients,
		sleep:   time.Sleep,
	}
}

// IsExpired reports whether the access token needs a refresh. An unset
// expiry counts as expired.
func (m *Manager) IsExpired(cred Credential) bool {
	if cred.TokenExpiry.IsZero() {
		return true
	}
	return !time.Now().Before(cred.TokenExpiry.Add(-expiryBuffer))
}

// StoreOAuth encrypts and stores a token set for an integration.
func (m *Manager) StoreOAuth(ctx context.Context, integrationID, platform, accessToken, refreshToken string, expiresIn int, tokenURL string) error {
	encAccess, err := m.enc.Encrypt(accessToken)
	if err != nil {
		return errors.Wrapf(err, "encrypt access token")
	}
	encRefresh := ""
	if refreshToken != "" {
		if encRefresh, err = m.enc.Encrypt(refreshToken); err != nil {
			return errors.Wrapf(err, "encrypt refresh token")
		}
	}
	return m.store.PutCredential(ctx, Credential{
		IntegrationID:         integrationID,
		Platform:              platform,
		Type:                  "oauth_access_token",
		EncryptedValue:        encAccess,
		EncryptedRefreshToken: encRefresh,
		TokenExpiry:           time.Now().Add(time.Duration(expiresIn) * time.Second),
		TokenURL:              tokenURL,
		UpdatedAt:             time.Now(),
	})
}

// AccessToken returns a valid decrypted access token, refreshing first
// when the stored one is expired or about to expire.
func (m *Manager) AccessToken(ctx context.Context, integrationID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, integrationID)
	if err != nil {
		return "", errors.Wrapf(err, "no credentials for integration %s", integrationID)
	}
	if m.IsExpired(cred) {
		return m.Refresh(ctx, integrationID)
	}
	return m.enc.Decrypt(cred.EncryptedValue)
}

// Refresh exchanges the refresh token for a new access token. Only one
// caller per integration refreshes at a time: the lock winner does the
// exchange, everyone else waits for the lock to clear and re-reads the
// stored credential.
func (m *Manager) Refresh(ctx context.Context, integrationID string) (string, error) {
	lockKey := "oauth_refresh:" + integrationID

	won, err := m.redis.SetNX(ctx, lockKey, "1", refreshLockTTL).Result()
	if err != nil {
		return "", errors.Wrapf(err, "acquire refresh lock")
	}
	if !won {
		return m.awaitRefresh(ctx, integrationID, lockKey)
	}
	defer m.redis.Del(ctx, lockKey)

	cred, err := m.store.GetCredential(ctx, integrationID)
	if err != nil {
		return "", errors.Wrapf(err, "no credentials for integration %s", integrationID)
	}
	// Someone may have refreshed between our expiry check and the lock.
	if !m.IsExpired(cred) {
		return m.enc.Decrypt(cred.EncryptedValue)
	}
	return m.doRefresh(ctx, cred)
}

// awaitRefresh polls until the lock holder finishes, then reads the
// credential it stored.
func (m *Manager) awaitRefresh(ctx context.Context, integrationID, lockKey string) (string, error) {
	deadline := time.Now().Add(refreshLockTTL)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := m.redis.Exists(ctx, lockKey).Result()
		if err != nil {
			return "", errors.Wrapf(err, "poll refresh lock")
		}
		if n == 0 {
			break
		}
		m.sleep(refreshLockPoll)
	}

	cred, err := m.store.GetCredential(ctx, integrationID)
	if err != nil {
		return "", errors.Wrapf(err, "no credentials for integration %s", integrationID)
	}
	if m.IsExpired(cred) {
		return "", errors.New("token refresh by concurrent caller did not complete for integration %s", integrationID)
	}
	return m.enc.Decrypt(cred.EncryptedValue)
}

func (m *Manager) doRefresh(ctx context.Context, cred Credential) (string, error) {
	if cred.TokenURL == "" {
		return "", errors.Configuration("integration credentials", "no token URL configured for refresh")
	}
	if cred.EncryptedRefreshToken == "" {
		return "", errors.Configuration("integration credentials", "no refresh token available")
	}
	refreshToken, err := m.enc.Decrypt(cred.EncryptedRefreshToken)
	if err != nil {
		return "", errors.Wrapf(err, "decrypt refresh token")
	}
	client := m.clients[cred.Platform]

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if client.ID != "" {
		form.Set("client_id", client.ID)
		form.Set("client_secret", client.Secret)
	}

	tokenData, err := m.postTokenForm(ctx, cred.TokenURL, form)
	if err != nil {
		return "", err
	}

	newAccess, _ := tokenData["access_token"].(string)
	if newAccess == "" {
		return "", errors.New("no access token in refresh response")
	}
	newRefresh, _ := tokenData["refresh_token"].(string)
	if newRefresh == "" {
		// Some platforms only issue the refresh token once.
		newRefresh = refreshToken
	}
	expiresIn := 3600
	if v, ok := tokenData["expires_in"].(float64); ok && v > 0 {
		expiresIn = int(v)
	}

	if err := m.StoreOAuth(ctx, cred.IntegrationID, cred.Platform, newAccess, newRefresh, expiresIn, cred.TokenURL); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "refreshed oauth token", "integration_id", cred.IntegrationID, "platform", cred.Platform)
	return newAccess, nil
}

// AuthorizeURL builds an authorization redirect with a one-time state
// bound to the integration in redis.
func (m *Manager) AuthorizeURL(ctx context.Context, platform, integrationID, authorizeURL, redirectURI string, scopes []string) (string, error) {
	client, ok := m.clients[platform]
	if !ok || client.ID == "" {
		return "", errors.Configuration("platform oauth client", "oauth client id not configured for platform %s", platform)
	}

	stateBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, stateBytes); err != nil {
		return "", errors.Wrapf(err, "generate state")
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)
	if err := m.redis.Set(ctx, "oauth_state:"+state, integrationID, oauthStateTTL).Err(); err != nil {
		return "", errors.Wrapf(err, "store oauth state")
	}

	params := url.Values{}
	params.Set("client_id", client.ID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	return authorizeURL + "?" + params.Encode(), nil
}

// HandleCallback exchanges an authorization code for tokens and stores
// them for the integration the state was bound to. The state is
// consumed on use.
func (m *Manager) HandleCallback(ctx context.Context, platform, code, state, tokenURL, redirectURI string) (string, error) {
	integrationID, err := m.redis.Get(ctx, "oauth_state:"+state).Result()
	if err == redis.Nil || integrationID == "" {
		return "", errors.New("invalid or expired oauth state")
	}
	if err != nil {
		return "", errors.Wrapf(err, "read oauth state")
	}
	m.redis.Del(ctx, "oauth_state:"+state)

	client, ok := m.clients[platform]
	if !ok || client.ID == "" || client.Secret == "" {
		return "", errors.Configuration("platform oauth client", "oauth client credentials not configured for platform %s", platform)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", client.ID)
	form.Set("client_secret", client.Secret)
	form.Set("redirect_uri", redirectURI)

	tokenData, err := m.postTokenForm(ctx, tokenURL, form)
	if err != nil {
		return "", err
	}
	accessToken, _ := tokenData["access_token"].(string)
	if accessToken == "" {
		return "", errors.New("no access token in response")
	}
	refreshToken, _ := tokenData["refresh_token"].(string)
	expiresIn := 3600
	if v, ok := tokenData["expires_in"].(float64); ok && v > 0 {
		expiresIn = int(v)
	}
	if err := m.StoreOAuth(ctx, integrationID, platform, accessToken, refreshToken, expiresIn, tokenURL); err != nil {
		return "", err
	}
	return integrationID, nil
}

func (m *Manager) postTokenForm(ctx context.Context, tokenURL string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, errors.ToolExecution(errors.ClassNetwork, err, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("token exchange failed (HTTP %d): %s", resp.StatusCode, truncate(string(body), 500))
	}
	var tokenData map[string]any
	if err := json.Unmarshal(body, &tokenData); err != nil {
		return nil, errors.Wrapf(err, "decode token response")
	}
	return tokenData, nil
}

// CountRequest increments the integration's fixed-window request
// counter, returning a rate limit error once the window is full. The
// window key expires with the window, resetting the count.
func (m *Manager) CountRequest(ctx context.Context, integrationID string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("reqcount:%s", integrationID)
	n, err := m.redis.Incr(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "request counter")
	}
	if n == 1 {
		m.redis.Expire(ctx, key, window)
	}
	if n > int64(limit) {
		ttl, _ := m.redis.TTL(ctx, key).Result()
		return errors.RateLimited(ttl, "integration %s exceeded %d requests per %s", integrationID, limit, window)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
