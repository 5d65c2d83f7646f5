package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/gradius-project/gradius"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const shutdownTimeout = 10 * time.Second

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "http-listen-addr",
			Value:   ":443",
			Usage:   "the address to listen for http requests on",
			EnvVars: []string{"GRADIUS_HTTP_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:     "http-host",
			Usage:    "the fully qualified domain name of the gradius server",
			EnvVars:  []string{"GRADIUS_HTTP_HOST"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "frontend-url",
			Usage:   "where the identity provider callback sends the browser afterwards",
			EnvVars: []string{"GRADIUS_FRONTEND_URL"},
		},
		&cli.StringFlag{
			Name:    "static-assets-dir",
			Usage:   "frontend js app",
			EnvVars: []string{"GRADIUS_STATIC_ASSETS_DIR"},
		},
		&cli.StringFlag{
			Name:     "session-signing-key",
			Usage:    "HMAC key for bearer tokens, at least 32 bytes",
			EnvVars:  []string{"GRADIUS_SESSION_SIGNING_KEY"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:    "session-ttl",
			Value:   gradius.DefaultSessionTTL,
			Usage:   "how long issued sessions stay valid",
			EnvVars: []string{"GRADIUS_SESSION_TTL"},
		},
		&cli.DurationFlag{
			Name:    "session-sweep-interval",
			Value:   time.Hour,
			Usage:   "how often expired sessions are deleted, 0 disables the sweeper",
			EnvVars: []string{"GRADIUS_SESSION_SWEEP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:     "peer-key-secret",
			Usage:    "secret the stored peer private keys are encrypted under",
			EnvVars:  []string{"GRADIUS_PEER_KEY_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "cookie-secret",
			Usage:    "signing key for the oauth state cookie",
			EnvVars:  []string{"GRADIUS_COOKIE_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "cookie-name",
			Value:   "gradius_oauth",
			Usage:   "oauth state cookie name",
			EnvVars: []string{"GRADIUS_COOKIE_NAME"},
		},
		&cli.IntFlag{
			Name:    "bcrypt-cost",
			Value:   gradius.DefaultBcryptCost,
			Usage:   "bcrypt work factor for password hashes",
			EnvVars: []string{"GRADIUS_BCRYPT_COST"},
		},
		&cli.DurationFlag{
			Name:    "federation-timeout",
			Value:   gradius.DefaultFederationTimeout,
			Usage:   "upper bound for an identity provider code exchange",
			EnvVars: []string{"GRADIUS_FEDERATION_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "wireguard-device",
			Usage:   "wireguard device name as shown in network interfaces, peers are only recorded when empty",
			EnvVars: []string{"GRADIUS_WIREGUARD_DEVICE"},
		},
		&cli.StringFlag{
			Name:     "wireguard-endpoint",
			Usage:    "the host:port peers connect to",
			EnvVars:  []string{"GRADIUS_WIREGUARD_ENDPOINT"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "wireguard-public-key",
			Usage:   "the server public key written into peer configs, read from the device when empty",
			EnvVars: []string{"GRADIUS_WIREGUARD_PUBLIC_KEY"},
		},
		&cli.StringSliceFlag{
			Name:    "client-dns",
			Usage:   "a list of DNS server IP addresses for clients",
			Value:   cli.NewStringSlice(gradius.DefaultDNSServers...),
			EnvVars: []string{"GRADIUS_CLIENT_DNS"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-ips",
			Usage:   "the networks clients route through the tunnel",
			Value:   cli.NewStringSlice(gradius.DefaultAllowedIPs...),
			EnvVars: []string{"GRADIUS_ALLOWED_IPS"},
		},
		&cli.StringFlag{
			Name:    "secondary-prefix",
			Value:   gradius.DefaultSecondaryPrefix,
			Usage:   "IPv6 prefix the last octet of a peer address is appended to",
			EnvVars: []string{"GRADIUS_SECONDARY_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "subnet",
			Value:   "192.168.55.0/24",
			Usage:   "the client device subnet in valid CIDR notation",
			EnvVars: []string{"GRADIUS_SUBNET"},
		},
		&cli.UintFlag{
			Name:    "first-host",
			Value:   10,
			Usage:   "lowest host number handed to peers",
			EnvVars: []string{"GRADIUS_FIRST_HOST"},
		},
		&cli.UintFlag{
			Name:    "last-host",
			Value:   253,
			Usage:   "highest host number handed to peers",
			EnvVars: []string{"GRADIUS_LAST_HOST"},
		},
		&cli.IntFlag{
			Name:    "max-allocation-attempts",
			Value:   gradius.DefaultMaxAllocationAttempts,
			Usage:   "address conflicts absorbed per peer creation",
			EnvVars: []string{"GRADIUS_MAX_ALLOCATION_ATTEMPTS"},
		},
	}
}

func actionServe(c *cli.Context) error {
	httpHost, err := url.Parse(c.String("http-host"))
	if err != nil || httpHost.Host == "" {
		return fmt.Errorf("--http-host must be a valid URL, got %v", c.String("http-host"))
	}

	var frontendURL *url.URL
	if raw := c.String("frontend-url"); raw != "" {
		frontendURL, err = url.Parse(raw)
		if err != nil {
			return fmt.Errorf("--frontend-url must be a valid URL, got %v", raw)
		}
	}

	dnsServers, err := validateIPs(c.StringSlice("client-dns"))
	if err != nil {
		return fmt.Errorf("--client-dns must be valid IP addresses. %v", err)
	}

	pool, err := gradius.NewAddressPool(c.String("subnet"), uint32(c.Uint("first-host")), uint32(c.Uint("last-host")))
	if err != nil {
		return err
	}

	debugMode := c.Bool("debug")

	// Prevent running gin in debug mode by accident
	if !debugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := openDatabase(c, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	err = database.Initialize()
	if err != nil {
		return err
	}

	registerer := prometheus.NewRegistry()
	registerer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := gradius.NewMetrics(registerer)
	if err != nil {
		return err
	}

	sealer, err := gradius.NewKeySealer([]byte(c.String("peer-key-secret")))
	if err != nil {
		return err
	}

	peerConfig := gradius.PeerConfigSettings{
		ServerPublicKey: c.String("wireguard-public-key"),
		Endpoint:        c.String("wireguard-endpoint"),
		DNSServers:      dnsServers,
		AllowedIPs:      c.StringSlice("allowed-ips"),
		SecondaryPrefix: c.String("secondary-prefix"),
	}

	var registry gradius.PeerRegistry
	if device := c.String("wireguard-device"); device != "" {
		wireguardRegistry, err := gradius.NewWireguardRegistry(device)
		if err != nil {
			return err
		}
		defer wireguardRegistry.Close()

		if peerConfig.ServerPublicKey == "" {
			peerConfig.ServerPublicKey, err = wireguardRegistry.ServerPublicKey()
			if err != nil {
				return err
			}
		}
		registry = wireguardRegistry
	}
	if peerConfig.ServerPublicKey == "" {
		return errors.New("--wireguard-public-key is required when --wireguard-device is not set")
	}

	authority, err := gradius.NewSessionAuthority(gradius.SessionAuthorityConfig{
		Database:   database,
		SigningKey: []byte(c.String("session-signing-key")),
		TTL:        c.Duration("session-ttl"),
		Logger:     logger.Named("sessions"),
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	federation := &gradius.FederationBridge{
		NewProvider: gradius.GoogleProvider,
		Timeout:     c.Duration("federation-timeout"),
		Logger:      logger.Named("federation"),
		Metrics:     metrics,
	}

	accounts, err := gradius.NewAccountService(gradius.AccountServiceConfig{
		Database:   database,
		Sessions:   authority,
		Federation: federation,
		BcryptCost: c.Int("bcrypt-cost"),
		Logger:     logger.Named("accounts"),
	})
	if err != nil {
		return err
	}

	peers, err := gradius.NewPeerService(gradius.PeerServiceConfig{
		Database:              database,
		Keys:                  gradius.WireguardKeyGenerator{},
		Sealer:                sealer,
		Pool:                  pool,
		Registry:              registry,
		PeerConfig:            peerConfig,
		MaxAllocationAttempts: c.Int("max-allocation-attempts"),
		Logger:                logger.Named("peers"),
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}

	store := sessions.NewCookieStore([]byte(c.String("cookie-secret")))
	store.Options = &sessions.Options{
		Path:     "/api/auth/google",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   !debugMode,
	}

	config := &gradius.ServerConfig{
		HTTPHost:        httpHost,
		FrontendURL:     frontendURL,
		StaticAssetsDir: c.String("static-assets-dir"),
		IsDebug:         debugMode,
		Accounts:        accounts,
		Sessions:        authority,
		Peers:           peers,
		Accounting:      &gradius.AccountingService{Database: database},
		Federation:      federation,
		SessionStore:    store,
		SessionName:     c.String("cookie-name"),
		MetricsHandler:  promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}),
		Logger:          logger.Named("http"),
	}
	router := gradius.Router(config)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := c.Duration("session-sweep-interval"); interval > 0 {
		go authority.RunSweeper(ctx, interval)
	}

	servers, err := newServers(config, router, c.String("http-listen-addr"), logger)
	if err != nil {
		return err
	}

	errs := make(chan error, len(servers))
	for _, server := range servers {
		server := server
		go func() {
			logger.Info("listening", zap.String("addr", server.Addr), zap.Bool("tls", server.TLSConfig != nil))
			if server.TLSConfig != nil {
				errs <- server.ListenAndServeTLS("", "")
				return
			}
			errs <- server.ListenAndServe()
		}()
	}

	select {
	case err = <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("graceful shutdown failed", zap.String("addr", server.Addr), zap.Error(shutdownErr))
		}
	}
	return err
}

// newServers returns a plain http server in debug mode, otherwise an https
// server with certificates from Let's Encrypt and the port 80 challenge server.
func newServers(config *gradius.ServerConfig, handler http.Handler, listenAddr string, logger *zap.Logger) ([]*http.Server, error) {
	if config.IsDebug {
		return []*http.Server{
			{
				Addr:              listenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			},
		}, nil
	}

	hostname := config.HTTPHost.Hostname()
	dir, err := cacheDir(hostname, logger)
	if err != nil {
		return nil, err
	}
	certManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostname),
		Cache:      autocert.DirCache(dir),
	}

	tlsConfig := &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		CipherSuites: []uint16{
			// TLSv1.2, TLSv1.3 suites are not configurable
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}

	return []*http.Server{
		{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
			Addr:         listenAddr,
			TLSConfig:    tlsConfig,
			Handler:      handler,
		},
		{
			Addr:              ":http",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func cacheDir(hostname string, logger *zap.Logger) (string, error) {
	dir := filepath.Join(os.TempDir(), "cache-golang-autocert-"+hostname)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		logger.Info("found cert cache dir", zap.String("dir", dir))
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("couldn't create cert cache directory: %w", err)
	}
	return dir, nil
}

func validateIPs(rawIPs []string) ([]string, error) {
	ips := []string{}
	for _, rawIP := range rawIPs {
		ip := net.ParseIP(rawIP)
		if ip == nil {
			return nil, fmt.Errorf("%v is not a valid IP address", rawIP)
		}
		ips = append(ips, ip.String())
	}
	return ips, nil
}
