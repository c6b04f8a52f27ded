package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPorts is returned when every port in the range is in use.
var ErrNoPorts = errors.New("no ports available")

// PortPool hands out capture ports from a fixed range.
// Ports are allocated in pairs (even for RTP, odd reserved for RTCP) so a
// capture endpoint never collides with a neighbour's control port.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	free      []int        // ascending, lowest handed out first
	allocated map[int]bool // port -> allocated
}

// NewPortPool creates a pool covering [minPort, maxPort].
// minPort is rounded up to the next even port.
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}

	var free []int
	for port := minPort; port < maxPort; port += 2 {
		free = append(free, port)
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		free:      free,
		allocated: make(map[int]bool),
	}
}

// Allocate returns the lowest free pair (RTP, RTCP).
func (p *PortPool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, 0, fmt.Errorf("%w in range %d-%d", ErrNoPorts, p.minPort, p.maxPort)
	}

	rtpPort = p.free[0]
	p.free = p.free[1:]
	p.allocated[rtpPort] = true
	return rtpPort, rtpPort + 1, nil
}

// Release returns a pair to the pool. Unknown ports are ignored.
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[rtpPort] {
		return
	}
	delete(p.allocated, rtpPort)

	i := 0
	for i < len(p.free) && p.free[i] < rtpPort {
		i++
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = rtpPort
}

// Available returns the number of free port pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated returns the number of allocated port pairs.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
