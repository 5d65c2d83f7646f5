package gradius

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/markbates/goth"
	"golang.org/x/oauth2"
)

var testFederationSettings = FederationSettings{
	Enabled:      true,
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	CallbackURL:  "https://gradius.example.com/api/auth/google/callback",
}

type fakeSession struct {
	state string
	code  string
}

func (s *fakeSession) GetAuthURL() (string, error) {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(s.state), nil
}

func (s *fakeSession) Marshal() string {
	return s.state
}

func (s *fakeSession) Authorize(provider goth.Provider, params goth.Params) (string, error) {
	s.code = params.Get("code")
	return s.code, nil
}

// fakeProvider returns user for any authorized code. FetchUser waits on
// block when it is set.
type fakeProvider struct {
	user  goth.User
	err   error
	block chan struct{}
}

func (p *fakeProvider) Name() string {
	return "google"
}

func (p *fakeProvider) SetName(name string) {}

func (p *fakeProvider) BeginAuth(state string) (goth.Session, error) {
	return &fakeSession{state: state}, nil
}

func (p *fakeProvider) UnmarshalSession(data string) (goth.Session, error) {
	return &fakeSession{state: data}, nil
}

func (p *fakeProvider) FetchUser(session goth.Session) (goth.User, error) {
	if p.block != nil {
		<-p.block
	}
	if p.err != nil {
		return goth.User{}, p.err
	}
	if session.(*fakeSession).code == "" {
		return goth.User{}, errors.New("session is not authorized")
	}
	return p.user, nil
}

func (p *fakeProvider) Debug(debug bool) {}

func (p *fakeProvider) RefreshToken(refreshToken string) (*oauth2.Token, error) {
	return nil, errors.New("refresh is not supported")
}

func (p *fakeProvider) RefreshTokenAvailable() bool {
	return false
}

func (p *fakeProvider) bridge(timeout time.Duration) *FederationBridge {
	return &FederationBridge{
		NewProvider: func(settings FederationSettings, client *http.Client) (goth.Provider, error) {
			return p, nil
		},
		Timeout: timeout,
	}
}

func TestExchangeReturnsVerifiedProfile(t *testing.T) {
	provider := &fakeProvider{user: goth.User{
		UserID:    "10769150350006150715113082367",
		Email:     "alice@example.com",
		Name:      "Alice",
		AvatarURL: "https://example.com/alice.png",
	}}

	identity, err := provider.bridge(time.Second).Exchange(context.Background(), testFederationSettings, "auth-code")
	if err != nil {
		t.Fatalf("Error exchanging code: %v", err)
	}
	expected := FederatedIdentity{
		Provider:  "google",
		ID:        "10769150350006150715113082367",
		Email:     "alice@example.com",
		Name:      "Alice",
		AvatarURL: "https://example.com/alice.png",
	}
	if identity != expected {
		t.Errorf("Expected %+v, got %+v", expected, identity)
	}
}

func TestExchangeRequiresUsableSettings(t *testing.T) {
	bridge := (&fakeProvider{}).bridge(time.Second)

	disabled := testFederationSettings
	disabled.Enabled = false
	_, err := bridge.Exchange(context.Background(), disabled, "auth-code")
	expectKind(t, err, KindInvalid)

	incomplete := testFederationSettings
	incomplete.ClientSecret = ""
	_, err = bridge.Exchange(context.Background(), incomplete, "auth-code")
	expectKind(t, err, KindInvalid)

	_, err = bridge.Exchange(context.Background(), testFederationSettings, "  ")
	expectKind(t, err, KindInvalid)
}

func TestExchangeProviderFailureIsUnavailable(t *testing.T) {
	provider := &fakeProvider{err: errors.New("invalid_grant")}
	_, err := provider.bridge(time.Second).Exchange(context.Background(), testFederationSettings, "auth-code")
	expectKind(t, err, KindUnavailable)
	if PublicMessage(err) != ErrFederationUnavailable.Error() {
		t.Errorf("Unexpected public message %q", PublicMessage(err))
	}

	incomplete := &fakeProvider{user: goth.User{UserID: "1"}}
	_, err = incomplete.bridge(time.Second).Exchange(context.Background(), testFederationSettings, "auth-code")
	expectKind(t, err, KindUnavailable)
}

func TestExchangeTimesOut(t *testing.T) {
	provider := &fakeProvider{
		user:  goth.User{UserID: "1", Email: "alice@example.com"},
		block: make(chan struct{}),
	}
	defer close(provider.block)

	start := time.Now()
	_, err := provider.bridge(50*time.Millisecond).Exchange(context.Background(), testFederationSettings, "auth-code")
	expectKind(t, err, KindUnavailable)
	if !errors.Is(err, ErrFederationUnavailable) {
		t.Errorf("Expected ErrFederationUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Exchange took %v despite the timeout", elapsed)
	}
}

func TestExchangeHonoursContext(t *testing.T) {
	provider := &fakeProvider{
		user:  goth.User{UserID: "1", Email: "alice@example.com"},
		block: make(chan struct{}),
	}
	defer close(provider.block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := provider.bridge(time.Minute).Exchange(ctx, testFederationSettings, "auth-code")
	expectKind(t, err, KindUnavailable)
}

func TestGoogleAuthURL(t *testing.T) {
	bridge := &FederationBridge{}
	authURL, err := bridge.AuthURL(testFederationSettings, "state-123")
	if err != nil {
		t.Fatalf("Error building auth url: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Auth url %v does not parse: %v", authURL, err)
	}
	query := parsed.Query()
	if query.Get("state") != "state-123" {
		t.Errorf("Expected state-123, got %v", query.Get("state"))
	}
	if query.Get("client_id") != "client-id" {
		t.Errorf("Expected client-id, got %v", query.Get("client_id"))
	}
	if query.Get("redirect_uri") != testFederationSettings.CallbackURL {
		t.Errorf("Expected redirect to %v, got %v", testFederationSettings.CallbackURL, query.Get("redirect_uri"))
	}

	_, err = bridge.AuthURL(FederationSettings{}, "state-123")
	expectKind(t, err, KindInvalid)
}
