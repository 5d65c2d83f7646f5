package gradius

import (
	"net/http"
	"net/url"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

// ServerConfig is everything Router needs to serve the API.
type ServerConfig struct {
	HTTPHost        *url.URL
	FrontendURL     *url.URL
	StaticAssetsDir string
	IsDebug         bool

	Accounts   *AccountService
	Sessions   *SessionAuthority
	Peers      *PeerService
	Accounting *AccountingService
	Federation *FederationBridge

	// SessionStore only carries the OAuth state between the consent
	// redirect and the callback. API requests authenticate with bearer tokens.
	SessionStore sessions.Store
	SessionName  string

	AuthRateLimiter *RateLimiter
	MetricsHandler  http.Handler
	Logger          *zap.Logger
}
