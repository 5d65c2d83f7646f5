package gradius

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

const (
	testServerPublicKey = "2Qb8dPZJFx9ZWwIyXmzUvb0MGBjldQ/k3j0bG3J4bD0="
	testEndpoint        = "vpn.example.com:51820"
	testPassword        = "correct horse battery"
)

func newTestDatabase(t *testing.T) Database {
	t.Helper()
	database, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("Error opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Initialize(); err != nil {
		t.Fatalf("Error migrating database: %v", err)
	}
	return database
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fixedKeys hands out its key pairs in order, one per peer.
type fixedKeys struct {
	mu   sync.Mutex
	keys []KeyPair
}

func (f *fixedKeys) GenerateKeyPair() (KeyPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return KeyPair{}, errors.New("no key pairs left")
	}
	keys := f.keys[0]
	f.keys = f.keys[1:]
	return keys, nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	peers     map[string][]net.IPNet
	addErr    error
	removeErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{peers: map[string][]net.IPNet{}}
}

func (f *fakeRegistry) AddPeer(ctx context.Context, publicKey string, allowedIPs []net.IPNet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.peers[publicKey] = allowedIPs
	return nil
}

func (f *fakeRegistry) RemovePeer(ctx context.Context, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.peers, publicKey)
	return nil
}

func (f *fakeRegistry) registered(publicKey string) ([]net.IPNet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed, ok := f.peers[publicKey]
	return allowed, ok
}

// testEnv wires every service against one in-memory database.
type testEnv struct {
	database Database
	clock    *fakeClock
	sessions *SessionAuthority
	accounts *AccountService
	peers    *PeerService
	registry *fakeRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, PeerServiceConfig{})
}

// newTestEnvWith fills in the database, sealer, registry and peer config of
// peerConfig unless they are already set.
func newTestEnvWith(t *testing.T, peerConfig PeerServiceConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		database: newTestDatabase(t),
		clock:    newFakeClock(),
		registry: newFakeRegistry(),
	}

	var err error
	env.sessions, err = NewSessionAuthority(SessionAuthorityConfig{
		Database:   env.database,
		SigningKey: testSigningKey,
		TTL:        time.Hour,
		Logger:     zap.NewNop(),
		Now:        env.clock.Now,
	})
	if err != nil {
		t.Fatalf("Error creating session authority: %v", err)
	}

	env.accounts, err = NewAccountService(AccountServiceConfig{
		Database:   env.database,
		Sessions:   env.sessions,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("Error creating account service: %v", err)
	}

	peerConfig.Database = env.database
	if peerConfig.Sealer == nil {
		peerConfig.Sealer, err = NewKeySealer([]byte("test peer key secret"))
		if err != nil {
			t.Fatalf("Error creating key sealer: %v", err)
		}
	}
	if peerConfig.Registry == nil {
		peerConfig.Registry = env.registry
	}
	if peerConfig.PeerConfig.ServerPublicKey == "" {
		peerConfig.PeerConfig = PeerConfigSettings{
			ServerPublicKey: testServerPublicKey,
			Endpoint:        testEndpoint,
			DNSServers:      DefaultDNSServers,
			AllowedIPs:      DefaultAllowedIPs,
			SecondaryPrefix: DefaultSecondaryPrefix,
		}
	}
	env.peers, err = NewPeerService(peerConfig)
	if err != nil {
		t.Fatalf("Error creating peer service: %v", err)
	}
	return env
}

func (env *testEnv) mustRegister(t *testing.T, email string) Principal {
	t.Helper()
	principal, err := env.accounts.Register(context.Background(), email, testPassword, "Test User")
	if err != nil {
		t.Fatalf("Error registering %v: %v", email, err)
	}
	return principal
}

func (env *testEnv) mustCreateAdmin(t *testing.T, email string) Principal {
	t.Helper()
	principal, err := env.accounts.CreatePrincipal(context.Background(), email, testPassword, "Test Admin", RoleAdmin)
	if err != nil {
		t.Fatalf("Error creating admin %v: %v", email, err)
	}
	return principal
}

func expectKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %v error, got nil", kind)
	}
	if KindOf(err) != kind {
		t.Fatalf("Expected %v error, got %v: %v", kind, KindOf(err), err)
	}
}
