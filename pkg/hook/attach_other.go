//go:build !linux

package hook

import (
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

const (
	ProgramName       = "sock4_connect"
	DefaultCgroupPath = "/sys/fs/cgroup/user.slice"
)

// Attacher is unavailable off linux.
type Attacher struct{}

func Attach(_, _ string, _ *lbmap.BPFStore, _ *zap.Logger) (*Attacher, error) {
	return nil, lbmap.ErrUnsupported
}

func (a *Attacher) Close() error { return nil }
