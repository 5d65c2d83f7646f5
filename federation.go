package gradius

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markbates/goth"
	"github.com/markbates/goth/providers/google"
	"go.uber.org/zap"
)

// DefaultFederationTimeout bounds a single authorization code exchange.
const DefaultFederationTimeout = 10 * time.Second

// FederatedIdentity is the verified profile returned by an identity provider.
type FederatedIdentity struct {
	Provider  string
	ID        string
	Email     string
	Name      string
	AvatarURL string
}

// ProviderFunc builds a goth provider from a settings snapshot. The client
// must be used for every request the provider makes.
type ProviderFunc func(settings FederationSettings, client *http.Client) (goth.Provider, error)

// GoogleProvider is the default ProviderFunc.
func GoogleProvider(settings FederationSettings, client *http.Client) (goth.Provider, error) {
	provider := google.New(settings.ClientID, settings.ClientSecret, settings.CallbackURL, "email", "profile")
	provider.HTTPClient = client
	return provider, nil
}

// FederationBridge exchanges identity provider authorization codes for
// profile data. It keeps no provider between calls; every call is built
// from the settings it is given.
type FederationBridge struct {
	NewProvider ProviderFunc
	Timeout     time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
}

func (f *FederationBridge) timeout() time.Duration {
	if f.Timeout <= 0 {
		return DefaultFederationTimeout
	}
	return f.Timeout
}

func (f *FederationBridge) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *FederationBridge) provider(op string, settings FederationSettings) (goth.Provider, error) {
	if !settings.Usable() {
		return nil, errorf(KindInvalid, op, "google sign-in is not configured")
	}

	newProvider := f.NewProvider
	if newProvider == nil {
		newProvider = GoogleProvider
	}
	provider, err := newProvider(settings, &http.Client{Timeout: f.timeout()})
	if err != nil {
		return nil, newError(KindUnavailable, op, fmt.Errorf("%w: %v", ErrFederationUnavailable, err))
	}
	return provider, nil
}

// AuthURL returns the provider consent page URL carrying state.
func (f *FederationBridge) AuthURL(settings FederationSettings, state string) (string, error) {
	const op = "federation.auth_url"
	provider, err := f.provider(op, settings)
	if err != nil {
		return "", err
	}

	session, err := provider.BeginAuth(state)
	if err != nil {
		return "", newError(KindUnavailable, op, fmt.Errorf("%w: %v", ErrFederationUnavailable, err))
	}
	authURL, err := session.GetAuthURL()
	if err != nil {
		return "", newError(KindUnavailable, op, fmt.Errorf("%w: %v", ErrFederationUnavailable, err))
	}
	return authURL, nil
}

type exchangeResult struct {
	user goth.User
	err  error
}

// Exchange trades code for the caller's verified profile. It gives up when
// ctx is done or the bridge timeout elapses, whichever comes first.
func (f *FederationBridge) Exchange(ctx context.Context, settings FederationSettings, code string) (FederatedIdentity, error) {
	const op = "federation.exchange"
	code = strings.TrimSpace(code)
	if code == "" {
		return FederatedIdentity{}, errorf(KindInvalid, op, "authorization code is required")
	}

	provider, err := f.provider(op, settings)
	if err != nil {
		return FederatedIdentity{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout())
	defer cancel()

	done := make(chan exchangeResult, 1)
	go func() {
		user, err := exchangeCode(provider, code)
		done <- exchangeResult{user: user, err: err}
	}()

	var result exchangeResult
	select {
	case <-ctx.Done():
		f.Metrics.federationExchanged("timeout")
		f.logger().Warn("identity provider exchange timed out", zap.String("provider", provider.Name()))
		return FederatedIdentity{}, newError(KindUnavailable, op, fmt.Errorf("%w: %v", ErrFederationUnavailable, ctx.Err()))
	case result = <-done:
	}

	if result.err != nil {
		f.Metrics.federationExchanged("error")
		f.logger().Warn("identity provider exchange failed",
			zap.String("provider", provider.Name()),
			zap.Error(result.err),
		)
		return FederatedIdentity{}, newError(KindUnavailable, op, fmt.Errorf("%w: %v", ErrFederationUnavailable, result.err))
	}
	if result.user.UserID == "" || result.user.Email == "" {
		f.Metrics.federationExchanged("error")
		return FederatedIdentity{}, newError(KindUnavailable, op, fmt.Errorf("%w: profile is missing id or email", ErrFederationUnavailable))
	}

	f.Metrics.federationExchanged("ok")
	return FederatedIdentity{
		Provider:  provider.Name(),
		ID:        result.user.UserID,
		Email:     result.user.Email,
		Name:      result.user.Name,
		AvatarURL: result.user.AvatarURL,
	}, nil
}

func exchangeCode(provider goth.Provider, code string) (goth.User, error) {
	session, err := provider.BeginAuth("")
	if err != nil {
		return goth.User{}, err
	}

	_, err = session.Authorize(provider, url.Values{"code": []string{code}})
	if err != nil {
		return goth.User{}, err
	}
	return provider.FetchUser(session)
}
