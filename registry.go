package gradius

import (
	"context"
	"fmt"
	"net"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerRegistry is the live VPN server's peer table.
type PeerRegistry interface {
	AddPeer(ctx context.Context, publicKey string, allowedIPs []net.IPNet) error
	RemovePeer(ctx context.Context, publicKey string) error
}

// wireguardDevice is the part of *wgctrl.Client the registry uses.
type wireguardDevice interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// WireguardRegistry configures a WireGuard interface on this host.
type WireguardRegistry struct {
	DeviceName string
	client     wireguardDevice
}

// NewWireguardRegistry opens the kernel or userspace WireGuard interface
// deviceName. It fails if no such device exists.
func NewWireguardRegistry(deviceName string) (*WireguardRegistry, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, err
	}

	registry, err := newWireguardRegistry(deviceName, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return registry, nil
}

func newWireguardRegistry(deviceName string, client wireguardDevice) (*WireguardRegistry, error) {
	if _, err := client.Device(deviceName); err != nil {
		return nil, fmt.Errorf("%v is not a Wireguard device: %w", deviceName, err)
	}
	return &WireguardRegistry{DeviceName: deviceName, client: client}, nil
}

// ServerPublicKey returns the public key of the device, which peers use as
// their [Peer] PublicKey.
func (w *WireguardRegistry) ServerPublicKey() (string, error) {
	device, err := w.client.Device(w.DeviceName)
	if err != nil {
		return "", err
	}
	return device.PublicKey.String(), nil
}

func (w *WireguardRegistry) AddPeer(ctx context.Context, publicKey string, allowedIPs []net.IPNet) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.client.ConfigureDevice(w.DeviceName, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{
			{
				PublicKey:         key,
				ReplaceAllowedIPs: true,
				AllowedIPs:        allowedIPs,
			},
		},
	})
}

func (w *WireguardRegistry) RemovePeer(ctx context.Context, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.client.ConfigureDevice(w.DeviceName, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{
			{
				PublicKey: key,
				Remove:    true,
			},
		},
	})
}

func (w *WireguardRegistry) Close() error {
	return w.client.Close()
}

func peerAllowedIPs(address net.IP, secondary string) ([]net.IPNet, error) {
	allowed := []net.IPNet{
		{IP: address.To4(), Mask: net.CIDRMask(32, 32)},
	}
	ip := net.ParseIP(secondary)
	if ip == nil {
		return nil, fmt.Errorf("%v is not a valid IP address", secondary)
	}
	allowed = append(allowed, net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
	return allowed, nil
}
