package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// dataRequest is a data connection set up by PORT/EPRT or PASV/EPSV and not
// yet used. open yields exactly one connection; close releases whatever the
// request holds and is safe to call more than once.
type dataRequest interface {
	open(ctx context.Context) (net.Conn, error)
	close() error
	String() string
}

// dataNegotiator creates data requests. It owns no per-session state; the
// port pool is shared by every session of the server.
type dataNegotiator struct {
	ports      *PortAllocator
	timeout    time.Duration
	publicHost string
	strictIP   bool
	logger     Logger
}

// activeRequest dials the client (PORT, EPRT).
type activeRequest struct {
	addr    string
	timeout time.Duration
}

func (n *dataNegotiator) active(ip net.IP, port int) *activeRequest {
	return &activeRequest{
		addr:    net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		timeout: n.timeout,
	}
}

func (r *activeRequest) open(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTransferAborted
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("dial %s: %w", r.addr, ErrDataConnTimeout)
		}
		return nil, fmt.Errorf("dial %s: %w", r.addr, err)
	}
	return conn, nil
}

func (r *activeRequest) close() error { return nil }

func (r *activeRequest) String() string { return "active " + r.addr }

// passiveRequest waits for the client on a listener opened at PASV time.
type passiveRequest struct {
	ln      net.Listener
	port    int // reserved port, 0 when the OS chose it
	ports   *PortAllocator
	peer    net.IP // accepted peer, nil for any
	timeout time.Duration
	logger  Logger

	once sync.Once
}

// listen opens a passive listener on localIP. Ports are taken from the
// pool; a port that cannot be bound (held by another process) is returned
// and the next one tried.
func (n *dataNegotiator) listen(localIP, peer net.IP) (*passiveRequest, error) {
	if !n.strictIP {
		peer = nil
	}

	attempts := max(n.ports.Size(), 1)
	for range attempts {
		port, err := n.ports.Acquire()
		if err != nil {
			return nil, err
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(localIP.String(), strconv.Itoa(port)))
		if err != nil {
			n.ports.Release(port)
			if n.ports.Ephemeral() {
				return nil, err
			}
			n.logger.Debug("passive_port_busy", "port", port, "error", err)
			continue
		}

		if port == 0 {
			port = ln.Addr().(*net.TCPAddr).Port
		}
		r := &passiveRequest{
			ln:      ln,
			ports:   n.ports,
			peer:    peer,
			timeout: n.timeout,
			logger:  n.logger,
		}
		if !n.ports.Ephemeral() {
			r.port = port
		}
		return r, nil
	}
	return nil, ErrNoPortsAvailable
}

// Port returns the listening port.
func (r *passiveRequest) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *passiveRequest) open(ctx context.Context) (net.Conn, error) {
	defer r.close()

	if tl, ok := r.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(r.timeout))
	}
	stop := context.AfterFunc(ctx, func() { r.ln.Close() })
	defer stop()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrTransferAborted
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrDataConnTimeout
			}
			return nil, err
		}

		if r.peer != nil && !sameHost(conn.RemoteAddr(), r.peer) {
			r.logger.Warn("data_connection_rejected",
				"remote_addr", conn.RemoteAddr().String(),
				"expected_ip", r.peer.String(),
			)
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func (r *passiveRequest) close() error {
	var err error
	r.once.Do(func() {
		err = r.ln.Close()
		if !r.ports.Release(r.port) {
			r.logger.Error("passive_port_double_release", "port", r.port)
		}
	})
	return err
}

func (r *passiveRequest) String() string {
	return "passive " + r.ln.Addr().String()
}

// advertisedIP is the IPv4 address announced in a 227 reply: the public
// host when configured, otherwise the control connection's local address.
// It returns nil when no IPv4 address is available.
func (n *dataNegotiator) advertisedIP(localIP net.IP) net.IP {
	if n.publicHost != "" {
		if ip := net.ParseIP(n.publicHost); ip != nil {
			return ip.To4()
		}
		ips, err := net.LookupIP(n.publicHost)
		if err == nil {
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil {
					return v4
				}
			}
		}
		n.logger.Warn("public_host_unresolved", "host", n.publicHost)
	}
	return localIP.To4()
}

func sameHost(addr net.Addr, ip net.IP) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.Equal(ip)
}

// formatPASV renders the (h1,h2,h3,h4,p1,p2) tuple of a 227 reply.
func formatPASV(ip net.IP, port int) string {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], port>>8, port&0xff)
}
