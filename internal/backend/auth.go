package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         models.User `json:"user"`
}

func (t tokenResponse) credential(now time.Time) (*models.Credential, error) {
	if t.AccessToken == "" || t.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response missing tokens", apperrors.ErrAPIResponse)
	}

	expiresAt := t.ExpiresAt
	if expiresAt == 0 && t.ExpiresIn > 0 {
		expiresAt = now.Unix() + t.ExpiresIn
	}

	return &models.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    expiresAt,
		SubjectID:    t.User.ID,
	}, nil
}

// Session returns the credential this handle currently authenticates
// with, or nil when it is anonymous.
func (c *Client) Session(_ context.Context) (*models.Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("%w: connection handle closed", apperrors.ErrAPIRequest)
	}

	if c.session == nil {
		return nil, nil
	}

	cp := *c.session

	return &cp, nil
}

// SetSession installs cred on the handle and pushes the access token to
// the realtime transport. A nil cred reverts to anonymous access.
func (c *Client) SetSession(cred *models.Credential) {
	c.mu.Lock()
	if cred == nil {
		c.session = nil
	} else {
		cp := *cred
		c.session = &cp
	}
	c.mu.Unlock()

	token := c.apiKey
	if cred != nil {
		token = cred.AccessToken
	}

	c.realtime.SetAuth(token)
}

// RefreshSession exchanges refreshToken for a new credential and installs
// it on the handle.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*models.Credential, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")

	return c.grant(ctx, q, map[string]string{"refresh_token": refreshToken})
}

// SignInWithPassword authenticates with email and password and installs
// the resulting credential on the handle.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*models.Credential, error) {
	q := url.Values{}
	q.Set("grant_type", "password")

	return c.grant(ctx, q, map[string]string{"email": email, "password": password})
}

func (c *Client) grant(ctx context.Context, q url.Values, body any) (*models.Credential, error) {
	var resp tokenResponse

	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  q,
		body:   body,
		result: &resp,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}

	cred, err := resp.credential(time.Now())
	if err != nil {
		return nil, err
	}

	c.SetSession(cred)

	return cred, nil
}

// SignOut revokes the session server side and reverts the handle to
// anonymous access. The local session is cleared even when the request
// fails.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: "/auth/v1/logout"})

	c.SetSession(nil)

	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// CurrentUser returns the user the handle's access token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var u models.User
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user", result: &u}); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	if u.ID == "" {
		return nil, fmt.Errorf("%w: user response missing id", apperrors.ErrAPIResponse)
	}

	return &u, nil
}
