// Package udp receives and decodes the exchange multicast broadcast: raw
// datagrams off a multicast group, framed as compression-prefixed messages
// with a broadcast header per message.
package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// readBufBytes is the kernel receive buffer requested per socket. Broadcast
// bursts at market open overflow the default buffer and drop packets.
const readBufBytes = 8 << 20

// Receiver joins one multicast group and hands raw datagrams to the pipeline.
// Close is safe to call concurrently with a blocked Receive.
type Receiver struct {
	name  string
	group string // "233.1.2.5:34330"
	iface string // interface name, "" for OS default

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool

	buf []byte
}

// NewReceiver creates a receiver for one multicast group. iface may be empty.
func NewReceiver(name, group, iface string) *Receiver {
	return &Receiver{
		name:  name,
		group: group,
		iface: iface,
		buf:   make([]byte, 64*1024),
	}
}

func (r *Receiver) Name() string { return r.name }

// Connect joins the multicast group. Safe to call again after a socket error.
func (r *Receiver) Connect(_ context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", r.group)
	if err != nil {
		return fmt.Errorf("udp %s: resolve %q: %w", r.name, r.group, err)
	}

	var ifi *net.Interface
	if r.iface != "" {
		ifi, err = net.InterfaceByName(r.iface)
		if err != nil {
			return fmt.Errorf("udp %s: interface %q: %w", r.name, r.iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, addr)
	if err != nil {
		return fmt.Errorf("udp %s: join %q: %w", r.name, r.group, err)
	}
	if err := conn.SetReadBuffer(readBufBytes); err != nil {
		// Not fatal: the kernel caps this by rmem_max anyway.
		conn.SetReadBuffer(readBufBytes / 8)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close()
		return net.ErrClosed
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = conn
	return nil
}

// Receive blocks for the next datagram. The returned slice is reused on the
// next call.
func (r *Receiver) Receive() ([]byte, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, net.ErrClosed
	}

	n, _, err := conn.ReadFromUDP(r.buf)
	if err != nil {
		return nil, err
	}
	return r.buf[:n], nil
}

// Close leaves the group and unblocks a pending Receive.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
