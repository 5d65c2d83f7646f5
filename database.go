package gradius

import (
	"context"
	"net"
	"time"
)

// Database is the credential store. It owns durability and the unique
// constraints on email and peer address; it never coordinates anything
// beyond single-statement atomicity.
type Database interface {
	Initialize() error
	Close() error

	FindPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	FindPrincipalByFederatedID(ctx context.Context, provider, federatedID string) (Principal, error)
	Principal(ctx context.Context, id uint) (Principal, error)
	Principals(ctx context.Context, filter PrincipalFilter) ([]Principal, int, error)
	InsertPrincipal(ctx context.Context, principal *Principal) error
	UpdatePrincipal(ctx context.Context, id uint, update PrincipalUpdate) (Principal, error)
	// DeletePrincipal removes the principal and its sessions and leaves its peers unowned.
	DeletePrincipal(ctx context.Context, id uint) error

	// FindSessionByToken returns the session stored under tokenHash together with its owner.
	FindSessionByToken(ctx context.Context, tokenHash string) (Session, Principal, error)
	InsertSession(ctx context.Context, session *Session) error
	DeleteSessionByToken(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	ListPeerAddresses(ctx context.Context) ([]net.IP, error)
	// InsertPeer fails with KindConflict when the address is already held.
	InsertPeer(ctx context.Context, peer *Peer) error
	Peer(ctx context.Context, id uint) (Peer, error)
	Peers(ctx context.Context, filter PeerFilter) ([]Peer, error)
	UpdatePeerStatus(ctx context.Context, id uint, status string) error
	DeletePeer(ctx context.Context, id uint) error

	FederationSettings(ctx context.Context) (FederationSettings, error)
	SaveFederationSettings(ctx context.Context, settings FederationSettings) (FederationSettings, error)

	AccountingRecords(ctx context.Context, filter AccountingFilter) ([]AccountingRecord, error)
	ActiveAccountingSessions(ctx context.Context) ([]AccountingRecord, error)
	RadiusUsers(ctx context.Context) ([]RadCheck, error)
}
