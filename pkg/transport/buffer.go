package transport

// Room for the netlink and nfgenmsg headers plus every non-payload packet
// attribute the kernel may attach (conntrack nest, security context, L2
// header, ...).
const frameOverhead = 4096

const maxCopyRange = 0xffff

// BufferSize returns the user receive buffer needed to hold one packet
// message for copyRange payload bytes. A zero copy range, or GSO (where the
// kernel hands over unsegmented packets), sizes for the largest payload.
func BufferSize(copyRange uint32, gso bool) int {
	if copyRange == 0 || copyRange > maxCopyRange || gso {
		copyRange = maxCopyRange
	}
	return int(copyRange) + frameOverhead
}

// Config configures Open.
type Config struct {
	// NetNS names a network namespace (as created by `ip netns add`) to open
	// the socket in. Empty means the current namespace.
	NetNS string
	// ReceiveBuffer is the kernel socket receive buffer in bytes. Zero keeps
	// the system default.
	ReceiveBuffer int
}
