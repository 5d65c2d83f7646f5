package gradius

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"text/template"
)

// DefaultSecondaryPrefix is the IPv6 network a peer's last IPv4 octet is
// appended to. Deployed peers depend on this exact derivation.
const DefaultSecondaryPrefix = "fd00:192:168:55::"

var (
	DefaultDNSServers = []string{"192.168.55.1", "fd00:192:168:55::2"}
	DefaultAllowedIPs = []string{"192.168.55.0/24", "10.0.0.0/24", "fd00:192:168:55::/64", "fd00:10::/64"}
)

const peerConfigTemplate = `[Interface]
PrivateKey = {{.PrivateKey}}
Address = {{.Address}}/32, {{.SecondaryAddress}}/128
DNS = {{StringsJoin .DNSServers ", "}}

[Peer]
PublicKey = {{.ServerPublicKey}}
Endpoint = {{.Endpoint}}
AllowedIPs = {{StringsJoin .AllowedIPs ", "}}
PersistentKeepalive = 25`

var peerConfigTmpl = template.Must(
	template.New("peerconfig.tmpl").
		Funcs(map[string]interface{}{"StringsJoin": strings.Join}).
		Parse(peerConfigTemplate),
)

// PeerConfigSettings is the deployment side of every rendered peer config.
type PeerConfigSettings struct {
	ServerPublicKey string
	Endpoint        string
	DNSServers      []string
	AllowedIPs      []string
	SecondaryPrefix string
}

// DefaultPeerConfigSettings returns the settings of the reference deployment
// with placeholder server values.
func DefaultPeerConfigSettings() PeerConfigSettings {
	return PeerConfigSettings{
		ServerPublicKey: "<server_public_key>",
		Endpoint:        "your.server.ip:51820",
		DNSServers:      append([]string(nil), DefaultDNSServers...),
		AllowedIPs:      append([]string(nil), DefaultAllowedIPs...),
		SecondaryPrefix: DefaultSecondaryPrefix,
	}
}

// PeerConfigINI is the data the peer config template is executed with.
type PeerConfigINI struct {
	PrivateKey       string
	Address          string
	SecondaryAddress string
	DNSServers       []string
	ServerPublicKey  string
	Endpoint         string
	AllowedIPs       []string
}

// SecondaryAddress returns prefix followed by the decimal last octet of the
// IPv4 address primary, so 192.168.55.12 becomes fd00:192:168:55::12.
func SecondaryAddress(prefix string, primary net.IP) (string, error) {
	ip4 := primary.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%v is not an IPv4 address", primary)
	}
	return fmt.Sprintf("%v%d", prefix, ip4[3]), nil
}

// RenderPeerConfig renders the configuration file for a peer. The output
// depends only on its arguments.
func RenderPeerConfig(settings PeerConfigSettings, privateKey string, address net.IP) ([]byte, error) {
	if privateKey == "" {
		return nil, errors.New("peer private key is required")
	}
	prefix := settings.SecondaryPrefix
	if prefix == "" {
		prefix = DefaultSecondaryPrefix
	}
	secondary, err := SecondaryAddress(prefix, address)
	if err != nil {
		return nil, err
	}

	peerConfigINI := &PeerConfigINI{
		PrivateKey:       privateKey,
		Address:          address.To4().String(),
		SecondaryAddress: secondary,
		DNSServers:       settings.DNSServers,
		ServerPublicKey:  settings.ServerPublicKey,
		Endpoint:         settings.Endpoint,
		AllowedIPs:       settings.AllowedIPs,
	}
	buffer := &bytes.Buffer{}
	err = peerConfigTmpl.Execute(buffer, peerConfigINI)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
