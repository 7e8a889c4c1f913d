package iface

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

type fakeLister struct {
	links []netlink.Link
	err   error
	calls int
}

func (f *fakeLister) LinkList() ([]netlink.Link, error) {
	f.calls++
	return f.links, f.err
}

func dummy(index int, name string) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: index, Name: name}}
}

func TestResolverName(t *testing.T) {
	l := &fakeLister{links: []netlink.Link{dummy(1, "lo"), dummy(2, "eth0")}}
	r := NewResolverWith(l)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	assert.Equal(t, "eth0", r.Name(2))
	assert.Equal(t, "lo", r.Name(1))
	assert.Equal(t, 1, l.calls)

	// Misses inside the refresh window do not dump again.
	assert.Equal(t, "7", r.Name(7))
	assert.Equal(t, 1, l.calls)

	l.links = append(l.links, dummy(7, "wg0"))
	now = now.Add(2 * DefaultRefresh)
	assert.Equal(t, "wg0", r.Name(7))
	assert.Equal(t, 2, l.calls)

	assert.Equal(t, "", r.Name(0))
}

func TestResolverListError(t *testing.T) {
	r := NewResolverWith(&fakeLister{err: errors.New("permission denied")})
	assert.Equal(t, "3", r.Name(3))
}
