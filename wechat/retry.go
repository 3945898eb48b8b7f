package wechat

import (
	"context"

	"github.com/rs/zerolog"
)

// RetryPolicy wraps one authenticated call with the single bounded retry:
// when WeChat rejects the token, refresh it once (forced) and retry the call
// once. Tokens can silently expire between issuance and use; anything beyond
// one retry would only mask a persistently broken credential.
type RetryPolicy struct {
	Tokens *TokenManager
	Logger zerolog.Logger
}

// WithAuthRetry obtains a token (cached when still valid), runs the action,
// and on a token-invalid rejection refreshes once and retries once. Any
// other failure, including a second auth failure, propagates unchanged.
func (r *RetryPolicy) WithAuthRetry(ctx context.Context, action func(accessToken string) error) error {
	tok, err := r.Tokens.Refresh(ctx, false)
	if err != nil {
		return err
	}

	err = action(tok.AccessToken)
	if err == nil || !isAuthError(err) {
		return err
	}

	r.Logger.Warn().Err(err).Msg("access token rejected, forcing refresh and retrying once")
	tok, refreshErr := r.Tokens.Refresh(ctx, true)
	if refreshErr != nil {
		return refreshErr
	}
	return action(tok.AccessToken)
}
