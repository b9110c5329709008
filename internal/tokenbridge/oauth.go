package tokenbridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nugget/tether/internal/httpkit"
)

// DefaultRefreshMargin is how long before expiry a token is replaced
// when no margin is configured.
const DefaultRefreshMargin = time.Minute

// ClientCredentials builds a token source for the OAuth2 client
// credentials grant. Token requests use the shared outbound HTTP
// client unless ctx already carries one under oauth2.HTTPClient.
//
// The returned source caches its token and treats it as expired
// refreshMargin before the real expiry, so an [OAuthSource] using the
// same margin gets a fresh token when it wakes.
func ClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string, scopes []string, refreshMargin time.Duration) oauth2.TokenSource {
	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); !ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient,
			httpkit.NewClient(httpkit.WithTimeout(15*time.Second), httpkit.WithRetry(2, time.Second)))
	}
	if refreshMargin <= 0 {
		refreshMargin = DefaultRefreshMargin
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, grantSource{ctx: ctx, cc: cc}, refreshMargin)
}

// grantSource fetches a new token on every call.
type grantSource struct {
	ctx context.Context
	cc  *clientcredentials.Config
}

func (g grantSource) Token() (*oauth2.Token, error) {
	return g.cc.Token(g.ctx)
}

// OAuthSource polls an oauth2.TokenSource and pushes each new access
// token, waking shortly before the current one expires.
type OAuthSource struct {
	TokenSource oauth2.TokenSource

	// RefreshMargin is how long before expiry to ask for a new token
	// (default: DefaultRefreshMargin). A caching TokenSource must not
	// hold tokens past this point; see ClientCredentials.
	RefreshMargin time.Duration

	// MinInterval is the shortest wait between polls (default: 1s).
	MinInterval time.Duration

	// RetryInterval is the wait after a failed fetch (default: 30s).
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Watch pushes tokens until ctx is cancelled. A token without an
// expiry is pushed once and never refreshed.
func (s *OAuthSource) Watch(ctx context.Context, push PushFunc) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	margin := s.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	minInterval := s.MinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	retry := s.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}

	var last string
	for {
		wait := retry
		tok, err := s.TokenSource.Token()
		if err != nil {
			logger.Warn("fetch oauth token failed", "error", err, "retry_in", retry.String())
		} else {
			if tok.AccessToken != last {
				last = tok.AccessToken
				logger.Debug("oauth token issued", "expiry", tok.Expiry)
				_ = push(ctx, tok.AccessToken)
			}
			if tok.Expiry.IsZero() {
				<-ctx.Done()
				return nil
			}
			wait = max(time.Until(tok.Expiry)-margin, minInterval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
