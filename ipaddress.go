package gradius

import (
	"encoding/binary"
	"fmt"
	"net"
)

type IPNotInSubnetError struct {
	Network net.IPNet
	IP      net.IP
}

func (i *IPNotInSubnetError) Error() string {
	return fmt.Sprintf("%v is not in subnet %v", i.IP, i.Network.String())
}

type IPsExhaustedError struct {
	Network net.IPNet
}

func (i *IPsExhaustedError) Error() string {
	return fmt.Sprintf("%v is out of IP addresses", i.Network.String())
}

// AddressRange provides methods for walking the IPv4 addresses of a subnet.
type AddressRange struct {
	Network net.IPNet
}

func (a *AddressRange) Start() net.IP {
	return a.Network.IP.Mask(a.Network.Mask).To4()
}

// Next returns the address following current within the subnet.
// It fails if current is outside the subnet or is the last address in it.
func (a *AddressRange) Next(current net.IP) (net.IP, error) {
	if !a.Network.Contains(current) {
		return nil, &IPNotInSubnetError{
			Network: a.Network,
			IP:      current,
		}
	}

	if current.Equal(a.Finish()) {
		return nil, &IPsExhaustedError{
			Network: a.Network,
		}
	}

	ip := make(net.IP, 4)
	next := binary.BigEndian.Uint32(current.To4()) + 1
	binary.BigEndian.PutUint32(ip, next)
	return ip, nil
}

func (a *AddressRange) Finish() net.IP {
	mask := binary.BigEndian.Uint32(net.IP(a.Network.Mask).To4())
	start := binary.BigEndian.Uint32(a.Start())
	finish := (start & mask) | (mask ^ 0xffffffff)
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, finish)
	return ip
}

// Offset returns the address offset hosts past the network address.
func (a *AddressRange) Offset(hosts uint32) (net.IP, error) {
	start := binary.BigEndian.Uint32(a.Start())
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, start+hosts)
	if hosts > 0 && binary.BigEndian.Uint32(ip) < start || !a.Network.Contains(ip) {
		return nil, &IPNotInSubnetError{Network: a.Network, IP: ip}
	}
	return ip, nil
}

// AddressPool is the block of a subnet handed out to peers. Hosts below
// FirstHost are reserved for infrastructure.
type AddressPool struct {
	Range     AddressRange
	FirstHost uint32
	LastHost  uint32
}

// NewAddressPool validates a pool of the hosts firstHost..lastHost, both
// counted from the network address of cidr.
func NewAddressPool(cidr string, firstHost, lastHost uint32) (*AddressPool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("pool subnet must be valid CIDR notation, got %v", cidr)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("pool subnet must be IPv4, got %v", cidr)
	}
	if firstHost == 0 || firstHost > lastHost {
		return nil, fmt.Errorf("pool host range %v-%v is empty", firstHost, lastHost)
	}

	pool := &AddressPool{
		Range:     AddressRange{Network: *network},
		FirstHost: firstHost,
		LastHost:  lastHost,
	}
	if _, err := pool.Range.Offset(lastHost); err != nil {
		return nil, fmt.Errorf("pool host range %v-%v does not fit in %v", firstHost, lastHost, network)
	}
	if last := pool.last(); last.Equal(pool.Range.Finish()) {
		return nil, fmt.Errorf("pool host range must not include the broadcast address %v", last)
	}
	return pool, nil
}

// DefaultAddressPool is 192.168.55.10 through 192.168.55.253.
func DefaultAddressPool() *AddressPool {
	pool, err := NewAddressPool("192.168.55.0/24", 10, 253)
	if err != nil {
		panic(err)
	}
	return pool
}

func (p *AddressPool) first() net.IP {
	ip, _ := p.Range.Offset(p.FirstHost)
	return ip
}

func (p *AddressPool) last() net.IP {
	ip, _ := p.Range.Offset(p.LastHost)
	return ip
}

// Size is the number of allocatable addresses.
func (p *AddressPool) Size() int {
	return int(p.LastHost-p.FirstHost) + 1
}

// Contains reports whether ip is an allocatable address of the pool.
func (p *AddressPool) Contains(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil || !p.Range.Network.Contains(ip4) {
		return false
	}
	value := binary.BigEndian.Uint32(ip4)
	return value >= binary.BigEndian.Uint32(p.first()) && value <= binary.BigEndian.Uint32(p.last())
}

// Allocate returns the lowest address of the pool that is not in existing.
// It only reads existing; the store decides whether the address is still free.
func (p *AddressPool) Allocate(existing []net.IP) (net.IP, error) {
	used := make(map[string]struct{}, len(existing))
	for _, ip := range existing {
		if ip4 := ip.To4(); ip4 != nil {
			used[ip4.String()] = struct{}{}
		}
	}

	last := p.last()
	candidate := p.first()
	for {
		if _, taken := used[candidate.String()]; !taken {
			return candidate, nil
		}
		if candidate.Equal(last) {
			break
		}

		next, err := p.Range.Next(candidate)
		if err != nil {
			break
		}
		candidate = next
	}

	return nil, newError(KindPoolExhausted, "pool.allocate", &IPsExhaustedError{Network: p.Range.Network})
}
