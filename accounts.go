package gradius

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the work factor for stored password hashes.
	DefaultBcryptCost = 12

	minPasswordLength = 8
	maxNameLength     = 255

	defaultPageSize = 10
	maxPageSize     = 100
)

// AccountServiceConfig configures NewAccountService.
type AccountServiceConfig struct {
	Database   Database
	Sessions   *SessionAuthority
	Federation *FederationBridge
	BcryptCost int
	Logger     *zap.Logger
}

// AccountService owns principals: registration, password and federated
// login, and the administrative user operations.
type AccountService struct {
	database   Database
	sessions   *SessionAuthority
	federation *FederationBridge
	cost       int
	logger     *zap.Logger

	// dummyHash is compared against when the email is unknown so that both
	// failure paths cost one bcrypt comparison.
	dummyHash []byte
}

func NewAccountService(config AccountServiceConfig) (*AccountService, error) {
	if config.Database == nil || config.Sessions == nil {
		return nil, errors.New("account service requires a database and a session authority")
	}

	cost := config.BcryptCost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("gradius-unknown-principal"), cost)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	federation := config.Federation
	if federation == nil {
		federation = &FederationBridge{}
	}

	return &AccountService{
		database:   config.Database,
		sessions:   config.Sessions,
		federation: federation,
		cost:       cost,
		logger:     logger,
		dummyHash:  dummyHash,
	}, nil
}

// Register creates an active principal with the user role.
func (a *AccountService) Register(ctx context.Context, email, password, name string) (Principal, error) {
	return a.createPrincipal(ctx, "accounts.register", email, password, name, RoleUser)
}

// CreatePrincipal creates an active principal with the given role.
func (a *AccountService) CreatePrincipal(ctx context.Context, email, password, name, role string) (Principal, error) {
	return a.createPrincipal(ctx, "accounts.create_principal", email, password, name, role)
}

func (a *AccountService) createPrincipal(ctx context.Context, op, email, password, name, role string) (Principal, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if err := validateEmail(email); err != nil {
		return Principal{}, newError(KindInvalid, op, err)
	}
	if len(password) < minPasswordLength {
		return Principal{}, errorf(KindInvalid, op, "password must be at least %d characters", minPasswordLength)
	}
	if err := validateName(name); err != nil {
		return Principal{}, newError(KindInvalid, op, err)
	}
	if !validRole(role) {
		return Principal{}, errorf(KindInvalid, op, "role must be %v or %v", RoleAdmin, RoleUser)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return Principal{}, newError(KindInternal, op, err)
	}
	passwordHash := string(hash)

	principal := Principal{
		Email:        email,
		PasswordHash: &passwordHash,
		Name:         name,
		Role:         role,
		Status:       StatusActive,
		AuthProvider: AuthProviderLocal,
	}
	err = a.database.InsertPrincipal(ctx, &principal)
	if err != nil {
		if KindOf(err) == KindConflict {
			return Principal{}, errorf(KindConflict, op, "email already registered")
		}
		return Principal{}, err
	}

	a.logger.Info("principal created",
		zap.Uint("principal_id", principal.ID),
		zap.String("role", principal.Role),
	)
	return principal, nil
}

// Login verifies an email and password and issues a session. Unknown
// emails and wrong passwords fail identically.
func (a *AccountService) Login(ctx context.Context, email, password string, client ClientMetadata) (IssuedSession, error) {
	const op = "accounts.login"
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return IssuedSession{}, errorf(KindInvalid, op, "email and password are required")
	}

	principal, err := a.database.FindPrincipalByEmail(ctx, email)
	hash := a.dummyHash
	switch {
	case err == nil && principal.PasswordHash != nil:
		hash = []byte(*principal.PasswordHash)
	case err == nil || KindOf(err) == KindNotFound:
		principal = Principal{}
	default:
		return IssuedSession{}, err
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil || principal.ID == 0 {
		a.logger.Info("login failed", zap.String("client_ip", client.IPAddress))
		return IssuedSession{}, newError(KindUnauthenticated, op, ErrInvalidCredentials)
	}
	if principal.Status != StatusActive {
		return IssuedSession{}, newError(KindForbidden, op, ErrInactivePrincipal)
	}

	return a.sessions.IssueSession(ctx, principal, client)
}

// LoginFederated exchanges an identity provider authorization code and
// issues a session for the matching principal, creating it on first login.
func (a *AccountService) LoginFederated(ctx context.Context, settings FederationSettings, code string, client ClientMetadata) (IssuedSession, error) {
	const op = "accounts.login_federated"
	identity, err := a.federation.Exchange(ctx, settings, code)
	if err != nil {
		return IssuedSession{}, err
	}

	principal, err := a.database.FindPrincipalByFederatedID(ctx, identity.Provider, identity.ID)
	switch {
	case err == nil:
		if identity.AvatarURL != "" && identity.AvatarURL != principal.AvatarURL {
			principal, err = a.database.UpdatePrincipal(ctx, principal.ID, PrincipalUpdate{AvatarURL: &identity.AvatarURL})
			if err != nil {
				return IssuedSession{}, err
			}
		}
	case KindOf(err) == KindNotFound:
		principal, err = a.createFederatedPrincipal(ctx, op, identity)
		if err != nil {
			return IssuedSession{}, err
		}
	default:
		return IssuedSession{}, err
	}

	if principal.Status != StatusActive {
		return IssuedSession{}, newError(KindForbidden, op, ErrInactivePrincipal)
	}
	return a.sessions.IssueSession(ctx, principal, client)
}

func (a *AccountService) createFederatedPrincipal(ctx context.Context, op string, identity FederatedIdentity) (Principal, error) {
	email := normalizeEmail(identity.Email)
	if err := validateEmail(email); err != nil {
		return Principal{}, newError(KindInvalid, op, err)
	}

	name := strings.TrimSpace(identity.Name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	federatedID := identity.ID
	principal := Principal{
		Email:        email,
		Name:         truncate(name, maxNameLength),
		Role:         RoleUser,
		Status:       StatusActive,
		AuthProvider: identity.Provider,
		FederatedID:  &federatedID,
		AvatarURL:    identity.AvatarURL,
	}
	err := a.database.InsertPrincipal(ctx, &principal)
	if err != nil {
		if KindOf(err) == KindConflict {
			return Principal{}, errorf(KindConflict, op, "email already registered with another sign-in method")
		}
		return Principal{}, err
	}

	a.logger.Info("federated principal created",
		zap.Uint("principal_id", principal.ID),
		zap.String("provider", identity.Provider),
	)
	return principal, nil
}

// PrincipalPage is one page of ListPrincipals, with the bounds actually used.
type PrincipalPage struct {
	Principals []Principal
	Total      int
	Page       int
	Limit      int
}

// ListPrincipals returns one page of principals and the total match count.
func (a *AccountService) ListPrincipals(ctx context.Context, filter PrincipalFilter) (PrincipalPage, error) {
	const op = "accounts.list_principals"
	if filter.Status != "" && !validStatus(filter.Status) {
		return PrincipalPage{}, errorf(KindInvalid, op, "unknown status %q", filter.Status)
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	filter.Search = strings.TrimSpace(filter.Search)

	principals, total, err := a.database.Principals(ctx, filter)
	if err != nil {
		return PrincipalPage{}, err
	}
	return PrincipalPage{
		Principals: principals,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
	}, nil
}

// GetPrincipal returns a principal and the peers it owns.
func (a *AccountService) GetPrincipal(ctx context.Context, id uint) (Principal, []Peer, error) {
	principal, err := a.database.Principal(ctx, id)
	if err != nil {
		return Principal{}, nil, err
	}

	peers, err := a.database.Peers(ctx, PeerFilter{OwnerID: &principal.ID})
	if err != nil {
		return Principal{}, nil, err
	}
	return principal, peers, nil
}

// UpdatePrincipal applies an administrative update.
func (a *AccountService) UpdatePrincipal(ctx context.Context, actor Identity, id uint, update PrincipalUpdate) (Principal, error) {
	const op = "accounts.update_principal"
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if err := validateName(name); err != nil {
			return Principal{}, newError(KindInvalid, op, err)
		}
		update.Name = &name
	}
	if update.Role != nil && !validRole(*update.Role) {
		return Principal{}, errorf(KindInvalid, op, "role must be %v or %v", RoleAdmin, RoleUser)
	}
	if update.Status != nil && !validStatus(*update.Status) {
		return Principal{}, errorf(KindInvalid, op, "status must be %v, %v or %v", StatusActive, StatusInactive, StatusSuspended)
	}

	principal, err := a.database.UpdatePrincipal(ctx, id, update)
	if err != nil {
		return Principal{}, err
	}

	a.logger.Info("principal updated",
		zap.Uint("principal_id", principal.ID),
		zap.Uint("actor_id", actor.ID),
	)
	return principal, nil
}

// DeletePrincipal removes a principal and its sessions. Its peers are kept
// and become unowned.
func (a *AccountService) DeletePrincipal(ctx context.Context, actor Identity, id uint) error {
	const op = "accounts.delete_principal"
	if actor.ID == id {
		return errorf(KindInvalid, op, "cannot delete your own account")
	}

	err := a.database.DeletePrincipal(ctx, id)
	if err != nil {
		return err
	}

	a.logger.Info("principal deleted",
		zap.Uint("principal_id", id),
		zap.Uint("actor_id", actor.ID),
	)
	return nil
}

// EnsureAdmin makes sure an administrator with email exists. It reports
// whether a new principal was created.
func (a *AccountService) EnsureAdmin(ctx context.Context, email, password, name string) (Principal, bool, error) {
	principal, err := a.database.FindPrincipalByEmail(ctx, normalizeEmail(email))
	switch {
	case err == nil:
		if principal.Role == RoleAdmin {
			return principal, false, nil
		}
		role := RoleAdmin
		principal, err = a.database.UpdatePrincipal(ctx, principal.ID, PrincipalUpdate{Role: &role})
		return principal, false, err
	case KindOf(err) == KindNotFound:
		principal, err = a.CreatePrincipal(ctx, email, password, name, RoleAdmin)
		return principal, err == nil, err
	default:
		return Principal{}, false, err
	}
}

// LoadFederationSettings returns the stored settings, or disabled zero
// settings when none were ever saved.
func (a *AccountService) LoadFederationSettings(ctx context.Context) (FederationSettings, error) {
	settings, err := a.database.FederationSettings(ctx)
	if err != nil && KindOf(err) == KindNotFound {
		return FederationSettings{}, nil
	}
	return settings, err
}

// FederationUpdate carries an administrative change to the federation
// settings. A nil ClientSecret keeps the stored secret.
type FederationUpdate struct {
	Enabled      bool
	ClientID     string
	ClientSecret *string
	CallbackURL  string
}

// SaveFederationSettings validates and stores new federation settings.
func (a *AccountService) SaveFederationSettings(ctx context.Context, actor Identity, update FederationUpdate) (FederationSettings, error) {
	const op = "accounts.save_federation_settings"
	current, err := a.LoadFederationSettings(ctx)
	if err != nil {
		return FederationSettings{}, err
	}

	settings := FederationSettings{
		Enabled:      update.Enabled,
		ClientID:     strings.TrimSpace(update.ClientID),
		ClientSecret: current.ClientSecret,
		CallbackURL:  strings.TrimSpace(update.CallbackURL),
		UpdatedBy:    &actor.ID,
	}
	if update.ClientSecret != nil {
		settings.ClientSecret = strings.TrimSpace(*update.ClientSecret)
	}
	if settings.Enabled && !settings.Configured() {
		return FederationSettings{}, errorf(KindInvalid, op, "client id, client secret and callback url are required when enabled")
	}

	settings, err = a.database.SaveFederationSettings(ctx, settings)
	if err != nil {
		return FederationSettings{}, err
	}

	a.logger.Info("federation settings saved",
		zap.Bool("enabled", settings.Enabled),
		zap.Uint("actor_id", actor.ID),
	)
	return settings, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	address, err := mail.ParseAddress(email)
	if err != nil || address.Address != email {
		return errors.New("email must be a valid address")
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > maxNameLength {
		return errors.New("name is too long")
	}
	return nil
}

func validRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

func validStatus(status string) bool {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}
