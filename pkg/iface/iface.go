// Package iface resolves interface indexes reported with queued packets to
// link names.
package iface

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// DefaultRefresh bounds how often a miss triggers a fresh link dump.
const DefaultRefresh = time.Second

// Lister dumps the links of a namespace. *netlink.Handle implements it.
type Lister interface {
	LinkList() ([]netlink.Link, error)
}

// Resolver caches index to name mappings. It is safe for concurrent use.
type Resolver struct {
	lister  Lister
	refresh time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	names  map[uint32]string
	loaded time.Time
}

// NewResolver opens a netlink handle in the named namespace, or in the
// current one when ns is empty.
func NewResolver(ns string) (*Resolver, error) {
	h, err := openHandle(ns)
	if err != nil {
		return nil, err
	}
	return NewResolverWith(h), nil
}

func openHandle(ns string) (*netlink.Handle, error) {
	if ns == "" {
		return netlink.NewHandle()
	}
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		return nil, fmt.Errorf("open netns %s: %w", ns, err)
	}
	defer nsh.Close()
	return netlink.NewHandleAt(nsh)
}

func NewResolverWith(l Lister) *Resolver {
	return &Resolver{
		lister:  l,
		refresh: DefaultRefresh,
		now:     time.Now,
		names:   make(map[uint32]string),
	}
}

// Name returns the link name for index. Unknown indexes resolve to their
// decimal form so callers always get something printable.
func (r *Resolver) Name(index uint32) string {
	if index == 0 {
		return ""
	}
	r.mu.RLock()
	name, ok := r.names[index]
	r.mu.RUnlock()
	if ok {
		return name
	}
	if err := r.reload(); err == nil {
		r.mu.RLock()
		name, ok = r.names[index]
		r.mu.RUnlock()
		if ok {
			return name
		}
	}
	return strconv.FormatUint(uint64(index), 10)
}

func (r *Resolver) reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded.IsZero() && r.now().Sub(r.loaded) < r.refresh {
		return nil
	}
	links, err := r.lister.LinkList()
	r.loaded = r.now()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	names := make(map[uint32]string, len(links))
	for _, l := range links {
		a := l.Attrs()
		names[uint32(a.Index)] = a.Name
	}
	r.names = names
	return nil
}

// Close releases the netlink handle if the resolver owns one.
func (r *Resolver) Close() {
	if h, ok := r.lister.(*netlink.Handle); ok {
		h.Close()
	}
}
