package gradius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// DefaultMaxAllocationAttempts bounds how many address conflicts CreatePeer
// absorbs before giving up.
const DefaultMaxAllocationAttempts = 5

const qrCodeSize = 512

// PeerServiceConfig configures NewPeerService. Registry is optional; without
// it peers are only recorded.
type PeerServiceConfig struct {
	Database              Database
	Keys                  KeyGenerator
	Sealer                *KeySealer
	Pool                  *AddressPool
	Registry              PeerRegistry
	PeerConfig            PeerConfigSettings
	MaxAllocationAttempts int
	Logger                *zap.Logger
	Metrics               *Metrics
}

// PeerService provisions and retires VPN peers.
type PeerService struct {
	database    Database
	keys        KeyGenerator
	sealer      *KeySealer
	pool        *AddressPool
	registry    PeerRegistry
	peerConfig  PeerConfigSettings
	maxAttempts int
	logger      *zap.Logger
	metrics     *Metrics
}

func NewPeerService(config PeerServiceConfig) (*PeerService, error) {
	if config.Database == nil || config.Sealer == nil {
		return nil, errors.New("peer service requires a database and a key sealer")
	}

	s := &PeerService{
		database:    config.Database,
		keys:        config.Keys,
		sealer:      config.Sealer,
		pool:        config.Pool,
		registry:    config.Registry,
		peerConfig:  config.PeerConfig,
		maxAttempts: config.MaxAllocationAttempts,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}
	if s.keys == nil {
		s.keys = WireguardKeyGenerator{}
	}
	if s.pool == nil {
		s.pool = DefaultAddressPool()
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = DefaultMaxAllocationAttempts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// CreatePeer generates keys, allocates the lowest free address and records
// the peer. A peer created by a non-admin is always owned by that principal.
// The returned peer carries no private key.
func (s *PeerService) CreatePeer(ctx context.Context, actor Identity, name string, owner *uint) (Peer, error) {
	const op = "peers.create"
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return Peer{}, newError(KindInvalid, op, err)
	}

	switch {
	case owner == nil && !actor.IsAdmin():
		owner = &actor.ID
	case owner != nil && !actor.IsAdmin() && *owner != actor.ID:
		return Peer{}, errorf(KindForbidden, op, "only administrators can provision peers for other users")
	case owner != nil && *owner != actor.ID:
		if _, err := s.database.Principal(ctx, *owner); err != nil {
			if KindOf(err) == KindNotFound {
				return Peer{}, errorf(KindInvalid, op, "user %d does not exist", *owner)
			}
			return Peer{}, err
		}
	}

	keys, err := s.keys.GenerateKeyPair()
	if err != nil {
		return Peer{}, err
	}
	sealed, err := s.sealer.Seal(keys.PrivateKey)
	if err != nil {
		return Peer{}, err
	}

	peer, err := s.insertWithFreshAddress(ctx, op, Peer{
		OwnerID:    owner,
		Name:       name,
		PublicKey:  keys.PublicKey,
		PrivateKey: sealed,
		Status:     PeerActive,
	})
	if err != nil {
		return Peer{}, err
	}

	if err := s.register(ctx, peer); err != nil {
		// The peer never reached the server, so it must not exist here either.
		if deleteErr := s.database.DeletePeer(context.WithoutCancel(ctx), peer.ID); deleteErr != nil {
			s.logger.Error("failed to roll back unregistered peer",
				zap.Uint("peer_id", peer.ID),
				zap.Error(deleteErr),
			)
		}
		return Peer{}, newError(KindUnavailable, op, err)
	}

	s.logger.Info("peer created",
		zap.Uint("peer_id", peer.ID),
		zap.String("address", peer.Address),
		zap.Uint("principal_id", actor.ID),
	)
	peer.PrivateKey = ""
	return peer, nil
}

// insertWithFreshAddress lists the addresses in use, allocates and inserts,
// starting over with a new listing whenever the insert loses a race.
func (s *PeerService) insertWithFreshAddress(ctx context.Context, op string, peer Peer) (Peer, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		existing, err := s.database.ListPeerAddresses(ctx)
		if err != nil {
			return Peer{}, err
		}

		address, err := s.pool.Allocate(existing)
		if err != nil {
			s.metrics.allocationAttempt("exhausted")
			s.logger.Warn("no available ip addresses in vpn subnet",
				zap.String("subnet", s.pool.Range.Network.String()),
			)
			return Peer{}, err
		}

		candidate := peer
		candidate.Address = address.String()
		err = s.database.InsertPeer(ctx, &candidate)
		switch {
		case err == nil:
			s.metrics.allocationAttempt("ok")
			return candidate, nil
		case KindOf(err) == KindConflict:
			s.metrics.allocationAttempt("conflict")
			s.logger.Debug("ip address conflict, retrying",
				zap.String("address", candidate.Address),
				zap.Int("attempt", attempt),
			)
		default:
			return Peer{}, err
		}
	}

	s.metrics.allocationAttempt("contention")
	return Peer{}, newError(KindConflict, op, ErrAllocationContention)
}

func (s *PeerService) register(ctx context.Context, peer Peer) error {
	if s.registry == nil {
		return nil
	}

	allowedIPs, err := s.allowedIPs(peer)
	if err != nil {
		return err
	}
	err = s.registry.AddPeer(ctx, peer.PublicKey, allowedIPs)
	if err != nil {
		s.metrics.registryFailed("add")
		s.logger.Error("failed to add peer to vpn server",
			zap.Uint("peer_id", peer.ID),
			zap.Strings("allowed_ips", ipNetsToStrings(allowedIPs)),
			zap.Error(err),
		)
	}
	return err
}

func (s *PeerService) allowedIPs(peer Peer) ([]net.IPNet, error) {
	address := net.ParseIP(peer.Address)
	secondary, err := SecondaryAddress(s.secondaryPrefix(), address)
	if err != nil {
		return nil, err
	}
	return peerAllowedIPs(address, secondary)
}

func (s *PeerService) secondaryPrefix() string {
	if s.peerConfig.SecondaryPrefix == "" {
		return DefaultSecondaryPrefix
	}
	return s.peerConfig.SecondaryPrefix
}

// authorizedPeer loads a peer the actor may act on. Peers the actor may
// not see are reported exactly like missing ones.
func (s *PeerService) authorizedPeer(ctx context.Context, op string, actor Identity, id uint) (Peer, error) {
	peer, err := s.database.Peer(ctx, id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return Peer{}, errorf(KindNotFound, op, "peer not found")
		}
		return Peer{}, err
	}
	if !actor.IsAdmin() && !peer.OwnedBy(actor.ID) {
		return Peer{}, errorf(KindNotFound, op, "peer not found")
	}
	return peer, nil
}

// ListPeers returns the peers visible to actor, without private keys.
func (s *PeerService) ListPeers(ctx context.Context, actor Identity, filter PeerFilter) ([]Peer, error) {
	const op = "peers.list"
	if filter.Status != "" && !validPeerStatus(filter.Status) {
		return nil, errorf(KindInvalid, op, "status must be %v or %v", PeerActive, PeerInactive)
	}
	if !actor.IsAdmin() {
		filter.OwnerID = &actor.ID
	}
	return s.database.Peers(ctx, filter)
}

// GetPeer returns one peer without its private key.
func (s *PeerService) GetPeer(ctx context.Context, actor Identity, id uint) (Peer, error) {
	peer, err := s.authorizedPeer(ctx, "peers.get", actor, id)
	if err != nil {
		return Peer{}, err
	}
	peer.PrivateKey = ""
	return peer, nil
}

// RenderConfig returns the peer's configuration file. It is the only way a
// private key leaves the store, and every call is audit logged.
func (s *PeerService) RenderConfig(ctx context.Context, actor Identity, id uint) ([]byte, error) {
	config, err := s.renderConfig(ctx, "peers.render_config", actor, id, "text")
	if err != nil {
		return nil, err
	}
	s.metrics.configRendered("text")
	return config, nil
}

// RenderConfigImage returns the peer's configuration file as a PNG QR code.
func (s *PeerService) RenderConfigImage(ctx context.Context, actor Identity, id uint) ([]byte, error) {
	const op = "peers.render_config_image"
	config, err := s.renderConfig(ctx, op, actor, id, "qr")
	if err != nil {
		return nil, err
	}

	image, err := qrcode.Encode(string(config), qrcode.Medium, qrCodeSize)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	s.metrics.configRendered("qr")
	return image, nil
}

func (s *PeerService) renderConfig(ctx context.Context, op string, actor Identity, id uint, format string) ([]byte, error) {
	peer, err := s.authorizedPeer(ctx, op, actor, id)
	if err != nil {
		return nil, err
	}

	privateKey, err := s.sealer.Open(peer.PrivateKey)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	config, err := RenderPeerConfig(s.peerConfig, privateKey, net.ParseIP(peer.Address))
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}

	s.logger.Info("peer configuration rendered",
		zap.Uint("peer_id", peer.ID),
		zap.Uint("principal_id", actor.ID),
		zap.String("format", format),
	)
	return config, nil
}

// SetPeerStatus toggles a peer between active and inactive.
func (s *PeerService) SetPeerStatus(ctx context.Context, actor Identity, id uint, status string) error {
	const op = "peers.set_status"
	if !validPeerStatus(status) {
		return errorf(KindInvalid, op, "status must be %v or %v", PeerActive, PeerInactive)
	}

	peer, err := s.authorizedPeer(ctx, op, actor, id)
	if err != nil {
		return err
	}
	err = s.database.UpdatePeerStatus(ctx, peer.ID, status)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return errorf(KindNotFound, op, "peer not found")
		}
		return err
	}

	s.logger.Info("peer status updated",
		zap.Uint("peer_id", peer.ID),
		zap.String("status", status),
		zap.Uint("principal_id", actor.ID),
	)
	return nil
}

// DeletePeer removes the peer, which frees its address, then removes it
// from the live VPN server. A server failure is returned as Unavailable
// after the record is already gone.
func (s *PeerService) DeletePeer(ctx context.Context, actor Identity, id uint) error {
	const op = "peers.delete"
	peer, err := s.authorizedPeer(ctx, op, actor, id)
	if err != nil {
		return err
	}

	err = s.database.DeletePeer(ctx, peer.ID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return errorf(KindNotFound, op, "peer not found")
		}
		return err
	}
	s.logger.Info("peer deleted",
		zap.Uint("peer_id", peer.ID),
		zap.String("address", peer.Address),
		zap.Uint("principal_id", actor.ID),
	)

	if s.registry == nil {
		return nil
	}
	err = s.registry.RemovePeer(context.WithoutCancel(ctx), peer.PublicKey)
	if err != nil {
		s.metrics.registryFailed("remove")
		s.logger.Error("peer deleted but vpn server deregistration failed",
			zap.Uint("peer_id", peer.ID),
			zap.String("public_key", peer.PublicKey),
			zap.Error(err),
		)
		return newError(KindUnavailable, op, fmt.Errorf("peer deleted, removing it from the vpn server failed: %w", err))
	}
	return nil
}

func validPeerStatus(status string) bool {
	return status == PeerActive || status == PeerInactive
}
