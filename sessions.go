package gradius

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// DefaultSessionTTL is how long an issued session stays valid.
	DefaultSessionTTL = 7 * 24 * time.Hour

	tokenIssuer  = "gradius"
	tokenIDBytes = 16
)

// SessionAuthorityConfig configures NewSessionAuthority.
type SessionAuthorityConfig struct {
	Database   Database
	SigningKey []byte
	TTL        time.Duration
	Logger     *zap.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// SessionAuthority issues, validates and revokes bearer tokens. The signed
// token proves integrity and expiry; the session row proves the token has
// not been revoked.
type SessionAuthority struct {
	database   Database
	signingKey []byte
	ttl        time.Duration
	logger     *zap.Logger
	metrics    *Metrics
	now        func() time.Time
	rand       io.Reader
}

func NewSessionAuthority(config SessionAuthorityConfig) (*SessionAuthority, error) {
	if config.Database == nil {
		return nil, errors.New("session authority requires a database")
	}
	if len(config.SigningKey) < 32 {
		return nil, errors.New("session signing key must be at least 32 bytes")
	}

	sa := &SessionAuthority{
		database:   config.Database,
		signingKey: config.SigningKey,
		ttl:        config.TTL,
		logger:     config.Logger,
		metrics:    config.Metrics,
		now:        config.Now,
		rand:       rand.Reader,
	}
	if sa.ttl <= 0 {
		sa.ttl = DefaultSessionTTL
	}
	if sa.logger == nil {
		sa.logger = zap.NewNop()
	}
	if sa.now == nil {
		sa.now = time.Now
	}
	return sa, nil
}

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// IssuedSession is returned to a client after a successful login.
type IssuedSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  Identity  `json:"user"`
}

// IssueSession signs a token for principal and records the session. Callers
// must have verified the principal's credentials first.
func (sa *SessionAuthority) IssueSession(ctx context.Context, principal Principal, client ClientMetadata) (IssuedSession, error) {
	const op = "sessions.issue"
	if principal.ID == 0 {
		return IssuedSession{}, errorf(KindInvalid, op, "principal has no identifier")
	}
	if principal.Status != StatusActive {
		return IssuedSession{}, newError(KindForbidden, op, ErrInactivePrincipal)
	}

	tokenID, err := sa.newTokenID()
	if err != nil {
		return IssuedSession{}, newError(KindUnavailable, op, err)
	}

	// NumericDate has second precision, keep the row consistent with the claims.
	now := sa.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(sa.ttl)
	claims := sessionClaims{
		Email: principal.Email,
		Role:  principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(uint64(principal.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sa.signingKey)
	if err != nil {
		return IssuedSession{}, newError(KindInternal, op, err)
	}

	session := Session{
		TokenHash:   hashToken(token),
		PrincipalID: principal.ID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		ClientIP:    truncate(client.IPAddress, 64),
		UserAgent:   truncate(client.UserAgent, 512),
	}
	err = sa.database.InsertSession(ctx, &session)
	if err != nil {
		return IssuedSession{}, err
	}

	sa.metrics.sessionIssued()
	sa.logger.Info("session issued",
		zap.Uint("principal_id", principal.ID),
		zap.String("client_ip", session.ClientIP),
		zap.Time("expires_at", expiresAt),
	)

	return IssuedSession{
		Token:     token,
		ExpiresAt: expiresAt,
		Identity:  principal.Identity(),
	}, nil
}

// ValidateSession checks the token signature and claims, then the stored
// session, then the owning principal's status, in that order.
func (sa *SessionAuthority) ValidateSession(ctx context.Context, token string) (Identity, error) {
	const op = "sessions.validate"
	token = strings.TrimSpace(token)
	claims, err := sa.parse(token)
	if err != nil {
		sa.metrics.sessionValidated("malformed")
		return Identity{}, newError(KindUnauthenticated, op, ErrInvalidToken)
	}

	session, principal, err := sa.database.FindSessionByToken(ctx, hashToken(token))
	if err != nil {
		if KindOf(err) == KindNotFound {
			sa.metrics.sessionValidated("revoked")
			return Identity{}, newError(KindUnauthenticated, op, ErrInvalidToken)
		}
		sa.metrics.sessionValidated("error")
		return Identity{}, err
	}

	if !sa.now().Before(session.ExpiresAt) {
		sa.metrics.sessionValidated("expired")
		return Identity{}, newError(KindUnauthenticated, op, ErrInvalidToken)
	}
	if claims.Subject != strconv.FormatUint(uint64(principal.ID), 10) {
		sa.metrics.sessionValidated("malformed")
		return Identity{}, newError(KindUnauthenticated, op, ErrInvalidToken)
	}
	if principal.Status != StatusActive {
		sa.metrics.sessionValidated("inactive")
		return Identity{}, newError(KindForbidden, op, ErrInactivePrincipal)
	}

	sa.metrics.sessionValidated("ok")
	return principal.Identity(), nil
}

// RevokeSession deletes the stored session for token. The token string
// stays well formed, ValidateSession rejects it from now on.
func (sa *SessionAuthority) RevokeSession(ctx context.Context, token string) error {
	err := sa.database.DeleteSessionByToken(ctx, hashToken(strings.TrimSpace(token)))
	if err != nil {
		return err
	}
	sa.logger.Info("session revoked")
	return nil
}

// SweepExpired removes session rows past their expiry.
func (sa *SessionAuthority) SweepExpired(ctx context.Context) (int64, error) {
	return sa.database.DeleteExpiredSessions(ctx, sa.now().UTC())
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (sa *SessionAuthority) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sa.SweepExpired(ctx)
			if err != nil {
				sa.logger.Warn("expired session sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				sa.logger.Info("expired sessions removed", zap.Int64("count", removed))
			}
		}
	}
}

// parse expects a trimmed token.
func (sa *SessionAuthority) parse(token string) (*sessionClaims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return sa.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(sa.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (sa *SessionAuthority) newTokenID() (string, error) {
	raw := make([]byte, tokenIDBytes)
	if _, err := io.ReadFull(sa.rand, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
