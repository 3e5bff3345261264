package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// CodeProvider is the external identity provider: it emails one-time codes
// and verifies them. The control plane treats it as opaque.
type CodeProvider interface {
	SendCode(ctx context.Context, email string) error
	// VerifyCode returns the provider's stable user id on success.
	VerifyCode(ctx context.Context, email, code string) (string, error)
}

// stytchProvider implements CodeProvider against the Stytch email OTP API.
type stytchProvider struct {
	client *resty.Client
}

// NewStytchProvider builds the production provider. projectID/secret are
// the Stytch basic-auth credentials.
func NewStytchProvider(baseURL, projectID, secret string) CodeProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(projectID, secret).
		SetTimeout(15 * time.Second)
	return &stytchProvider{client: client}
}

type stytchError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (p *stytchProvider) SendCode(ctx context.Context, email string) error {
	var apiErr stytchError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email}).
		SetError(&apiErr).
		Post("/v1/otps/email/login_or_create")
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send code: provider returned %s (%s)", resp.Status(), apiErr.ErrorType)
	}
	return nil
}

func (p *stytchProvider) VerifyCode(ctx context.Context, email, code string) (string, error) {
	var result struct {
		UserID string `json:"user_id"`
	}
	var apiErr stytchError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"method_id": email, "code": code}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/otps/authenticate")
	if err != nil {
		return "", fmt.Errorf("verify code: %w", err)
	}
	if resp.IsError() {
		return "", ErrCodeRejected
	}
	return result.UserID, nil
}
