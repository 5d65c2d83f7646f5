package gradius

import (
	"time"
)

// Roles a principal may hold.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Principal statuses. Only active principals can authenticate.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Peer statuses.
const (
	PeerActive   = "active"
	PeerInactive = "inactive"
)

// AuthProviderLocal marks principals that log in with an email and password.
const AuthProviderLocal = "local"

// Principal is a user or administrator of the platform.
type Principal struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	Email        string    `gorm:"type:varchar(255);unique_index;not null" json:"email"`
	PasswordHash *string   `gorm:"type:varchar(255)" json:"-"`
	Name         string    `gorm:"type:varchar(255)" json:"name"`
	Role         string    `gorm:"type:varchar(16);not null" json:"role"`
	Status       string    `gorm:"type:varchar(16);not null" json:"status"`
	AuthProvider string    `gorm:"type:varchar(32);not null;unique_index:idx_users_federated_identity" json:"auth_provider"`
	FederatedID  *string   `gorm:"type:varchar(255);unique_index:idx_users_federated_identity" json:"-"`
	AvatarURL    string    `gorm:"type:varchar(1024)" json:"profile_picture,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Principal) TableName() string {
	return "users"
}

// Identity is the view of a principal attached to an authenticated request.
type Identity struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// IsAdmin reports whether the identity holds the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

func (p Principal) Identity() Identity {
	return Identity{
		ID:    p.ID,
		Email: p.Email,
		Name:  p.Name,
		Role:  p.Role,
	}
}

// Session binds a bearer token, stored as its SHA-256 digest, to a principal.
type Session struct {
	ID          uint      `gorm:"primary_key"`
	TokenHash   string    `gorm:"type:char(64);unique_index;not null"`
	PrincipalID uint      `gorm:"index;not null"`
	IssuedAt    time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	ClientIP    string    `gorm:"type:varchar(64)"`
	UserAgent   string    `gorm:"type:varchar(512)"`
}

func (Session) TableName() string {
	return "sessions"
}

// ClientMetadata is recorded with every session for audit.
type ClientMetadata struct {
	IPAddress string
	UserAgent string
}

// Peer is a provisioned WireGuard endpoint. Rows are hard deleted so that a
// deleted peer's address is immediately free again. Public keys are unique
// since the VPN server keys its peer table by them.
type Peer struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	OwnerID    *uint     `gorm:"index" json:"user_id"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	PublicKey  string    `gorm:"type:varchar(64);unique_index;not null" json:"public_key"`
	PrivateKey string    `gorm:"type:varchar(255);not null" json:"-"`
	Address    string    `gorm:"type:varchar(45);unique_index;not null" json:"ip_address"`
	Status     string    `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Peer) TableName() string {
	return "wireguard_peers"
}

// OwnedBy reports whether principalID owns the peer.
func (p Peer) OwnedBy(principalID uint) bool {
	return p.OwnerID != nil && *p.OwnerID == principalID
}

// FederationSettings configures the third-party identity provider. It is
// loaded from the store as a value and passed explicitly wherever it is used.
type FederationSettings struct {
	ID           uint      `gorm:"primary_key" json:"-"`
	Enabled      bool      `json:"enabled"`
	ClientID     string    `gorm:"type:varchar(255)" json:"client_id"`
	ClientSecret string    `gorm:"type:varchar(255)" json:"-"`
	CallbackURL  string    `gorm:"type:varchar(1024)" json:"callback_url"`
	UpdatedBy    *uint     `json:"updated_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (FederationSettings) TableName() string {
	return "federation_settings"
}

// Configured reports whether the settings are complete enough to reach the provider.
func (f FederationSettings) Configured() bool {
	return f.ClientID != "" && f.ClientSecret != "" && f.CallbackURL != ""
}

// Usable reports whether federated login may be attempted.
func (f FederationSettings) Usable() bool {
	return f.Enabled && f.Configured()
}

// AccountingRecord is a row of the RADIUS accounting table. It is only ever read.
type AccountingRecord struct {
	RadAcctID        uint64     `gorm:"column:radacctid;primary_key" json:"-"`
	AcctSessionID    string     `gorm:"column:acctsessionid" json:"acctsessionid"`
	Username         string     `gorm:"column:username;index" json:"username"`
	NASIPAddress     string     `gorm:"column:nasipaddress" json:"nasipaddress"`
	AcctStartTime    *time.Time `gorm:"column:acctstarttime" json:"acctstarttime"`
	AcctStopTime     *time.Time `gorm:"column:acctstoptime" json:"acctstoptime"`
	AcctSessionTime  int64      `gorm:"column:acctsessiontime" json:"acctsessiontime"`
	AcctInputOctets  int64      `gorm:"column:acctinputoctets" json:"acctinputoctets"`
	AcctOutputOctets int64      `gorm:"column:acctoutputoctets" json:"acctoutputoctets"`
}

func (AccountingRecord) TableName() string {
	return "radacct"
}

// RadCheck is a RADIUS check attribute row. It is only ever read.
type RadCheck struct {
	ID        uint   `gorm:"primary_key" json:"id"`
	Username  string `gorm:"column:username;type:varchar(64);index" json:"username"`
	Attribute string `gorm:"column:attribute;type:varchar(64)" json:"attribute"`
	Op        string `gorm:"column:op;type:char(2)" json:"op"`
	Value     string `gorm:"column:value;type:varchar(253)" json:"value"`
}

func (RadCheck) TableName() string {
	return "radcheck"
}

// PrincipalFilter narrows ListPrincipals.
type PrincipalFilter struct {
	Search string
	Status string
	Page   int
	Limit  int
}

// PrincipalUpdate carries the optional fields of an administrative update.
type PrincipalUpdate struct {
	Name      *string
	Role      *string
	Status    *string
	AvatarURL *string
}

// PeerFilter narrows ListPeers.
type PeerFilter struct {
	Status  string
	OwnerID *uint
}

// AccountingFilter narrows AccountingRecords.
type AccountingFilter struct {
	Username string
	Limit    int
}
