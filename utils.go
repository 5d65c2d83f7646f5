package gradius

import (
	"net"
)

func ipNetsToStrings(nets []net.IPNet) []string {
	rv := []string{}
	for _, n := range nets {
		rv = append(rv, n.String())
	}

	return rv
}
