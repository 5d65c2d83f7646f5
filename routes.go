package gradius

import (
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSessionName = "gradius_oauth"
	authAttemptWindow  = 15 * time.Minute
	authAttemptBurst   = 5
)

func Router(config *ServerConfig) *gin.Engine {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.SessionName == "" {
		config.SessionName = defaultSessionName
	}
	if config.AuthRateLimiter == nil {
		config.AuthRateLimiter = NewRateLimiter(authAttemptWindow, authAttemptBurst)
	}
	if config.Federation == nil {
		config.Federation = &FederationBridge{Logger: config.Logger}
	}

	allowedHosts := []string{}
	if config.HTTPHost != nil {
		allowedHosts = append(allowedHosts, config.HTTPHost.Host)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLoggerMiddleware(config.Logger))
	router.Use(secure.New(
		secure.Config{
			BrowserXssFilter:      true,
			IENoOpen:              true,
			FrameDeny:             true,
			ContentSecurityPolicy: "default-src 'self'",
			ContentTypeNosniff:    true,
			SSLRedirect:           !config.IsDebug,
			IsDevelopment:         config.IsDebug,
			AllowedHosts:          allowedHosts,
			SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		}),
	)
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// JavaScript SPA frontend
	if config.StaticAssetsDir != "" {
		router.Use(static.Serve("/", static.LocalFile(config.StaticAssetsDir, false)))
	}

	handlers := &GradiusHandlers{ServerConfig: config}
	router.NoRoute(handlers.NotFoundHandler)
	router.GET("/health", handlers.HealthHandler)
	if config.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(config.MetricsHandler))
	}

	// API
	api := router.Group("/api")
	authenticated := AuthenticationRequiredMiddleware(config.Sessions)

	// Authentication
	auth := api.Group("/auth")
	auth.POST("/register", config.AuthRateLimiter.Middleware(), handlers.RegisterHandler)
	auth.POST("/login", config.AuthRateLimiter.Middleware(), handlers.LoginHandler)
	auth.POST("/logout", authenticated, handlers.LogoutHandler)
	auth.GET("/me", authenticated, handlers.UserProfileInfoHandler)
	auth.GET("/google/status", handlers.FederationStatusHandler)
	auth.GET("/google/url", handlers.FederationURLHandler)
	auth.GET("/google/callback", handlers.FederationCallbackHandler)

	// Private routes
	private := api.Group("/")
	private.Use(authenticated)

	// Peers
	peers := private.Group("/wireguard/peers")
	peers.GET("", handlers.ListPeersHandler)
	peers.POST("", handlers.NewPeerHandler)
	peers.GET("/:id", handlers.GetPeerHandler)
	peers.DELETE("/:id", handlers.DeletePeerHandler)
	peers.GET("/:id/config", handlers.PeerConfigHandler)
	peers.GET("/:id/qr", handlers.PeerQRCodeHandler)
	peers.PATCH("/:id/status", handlers.PeerStatusHandler)

	// Administration
	admin := private.Group("/")
	admin.Use(AdminRequiredMiddleware)

	admin.GET("/users", handlers.ListUsersHandler)
	admin.POST("/users", handlers.CreateUserHandler)
	admin.GET("/users/:id", handlers.GetUserHandler)
	admin.PUT("/users/:id", handlers.UpdateUserHandler)
	admin.DELETE("/users/:id", handlers.DeleteUserHandler)

	admin.GET("/radius/accounting", handlers.AccountingHandler)
	admin.GET("/radius/sessions/active", handlers.ActiveSessionsHandler)
	admin.GET("/radius/users", handlers.RadiusUsersHandler)

	admin.GET("/settings/google-auth", handlers.GetFederationSettingsHandler)
	admin.POST("/settings/google-auth", handlers.SaveFederationSettingsHandler)
	return router
}
