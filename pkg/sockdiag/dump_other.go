//go:build !linux

package sockdiag

import "github.com/easzlab/ezsocklb/pkg/lbmap"

func dumpSockets(_ string) ([]Endpoint, error) {
	return nil, lbmap.ErrUnsupported
}
