//go:build linux

package hook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// ProgramName is the cgroup/connect4 program expected in the hook object.
const ProgramName = "sock4_connect"

// DefaultCgroupPath is where the hook is attached when no path is configured.
const DefaultCgroupPath = "/sys/fs/cgroup/user.slice"

// Attacher holds a connect4 program attached to a cgroup.
type Attacher struct {
	coll   *ebpf.Collection
	link   link.Link
	logger *zap.Logger
}

// Attach loads the BPF object at objectPath, points its service and backend
// maps at the store's pinned maps and attaches its connect4 program to the
// cgroup at cgroupPath.
func Attach(objectPath, cgroupPath string, store *lbmap.BPFStore, logger *zap.Logger) (*Attacher, error) {
	if cgroupPath == "" {
		cgroupPath = DefaultCgroupPath
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load hook object %s: %w", objectPath, err)
	}

	replacements, err := mapReplacements(spec, map[string]*ebpf.Map{
		lbmap.ServiceMapName: store.ServiceMap(),
		lbmap.BackendMapName: store.BackendMap(),
	})
	if err != nil {
		return nil, err
	}
	// The replaced maps are already pinned by the store.
	for name := range replacements {
		spec.Maps[name].Pinning = ebpf.PinNone
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load hook collection: %w", err)
	}

	prog, ok := coll.Programs[ProgramName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("program %q not found in %s", ProgramName, objectPath)
	}

	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  ebpf.AttachCGroupInet4Connect,
		Program: prog,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to attach %s to cgroup %s: %w", ProgramName, cgroupPath, err)
	}

	logger.Info("connect hook attached",
		zap.String("object", objectPath),
		zap.String("cgroup", cgroupPath),
	)
	return &Attacher{coll: coll, link: l, logger: logger}, nil
}

// mapReplacements matches the object's map declarations to the store maps
// by name, ignoring case so that both v4_svc_map and V4_SVC_MAP resolve.
func mapReplacements(spec *ebpf.CollectionSpec, maps map[string]*ebpf.Map) (map[string]*ebpf.Map, error) {
	replacements := make(map[string]*ebpf.Map, len(maps))
	for want, m := range maps {
		name, ok := findMap(spec, want)
		if !ok {
			return nil, fmt.Errorf("hook object declares no map named %s", want)
		}
		replacements[name] = m
	}
	return replacements, nil
}

func findMap(spec *ebpf.CollectionSpec, want string) (string, bool) {
	if _, ok := spec.Maps[want]; ok {
		return want, true
	}
	for name := range spec.Maps {
		if strings.EqualFold(name, want) {
			return name, true
		}
	}
	return "", false
}

// Close detaches the program and releases the collection. The store maps
// stay pinned.
func (a *Attacher) Close() error {
	var errs []error
	if err := a.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to detach hook: %w", err))
	}
	a.coll.Close()
	a.logger.Info("connect hook detached")
	return errors.Join(errs...)
}
