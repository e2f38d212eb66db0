package tftp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// AcceptConfig controls the server's listen socket and per-session
// handoff behavior.
type AcceptConfig struct {
	// Addr is the local address to bind, e.g. "[::]:69". An empty Addr
	// binds the wildcard address on Port.
	Addr string
	// Port is used only when Addr is empty.
	Port int
	// AcceptV4Mapped controls IPV6_V6ONLY: when true, the listener also
	// accepts IPv4 clients via their IPv4-mapped IPv6 address.
	AcceptV4Mapped bool
	Session        SessionConfig
}

// Serve binds the listen socket described by cfg and runs the accept loop
// until ctx is canceled or a fatal socket error occurs. Each accepted WRQ
// is handed off to a freshly bound, peer-connected socket (bound to the
// local address the client targeted, recovered via the kernel's PKTINFO
// ancillary data, on the listener's own port) and served by its own
// goroutine.
func Serve(ctx context.Context, cfg AcceptConfig, log zerolog.Logger) error {
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf("[::]:%d", cfg.Port)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlSetListenOpts(c, cfg.AcceptV4Mapped)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp6", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	listener := pc.(*net.UDPConn)
	defer listener.Close()

	// Closing the listener unblocks ReadFrom once ctx is canceled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	p6 := ipv6.NewPacketConn(listener)
	if err := p6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
		return fmt.Errorf("enable pktinfo: %w", err)
	}

	localPort := listener.LocalAddr().(*net.UDPAddr).Port
	log.Info().Str("addr", listener.LocalAddr().String()).Msg("tftp daemon listening")

	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, cm, src, err := p6.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("dropping malformed initial datagram")
			continue
		}
		req, ok := pkt.(*RequestPacket)
		if !ok || req.Op != OpWRQ {
			log.Debug().Stringer("opcode", pkt.Opcode()).Msg("dropping non-WRQ initial datagram")
			continue
		}
		if cm == nil {
			log.Warn().Msg("missing pktinfo control message, dropping request")
			continue
		}

		peer := src.(*net.UDPAddr)
		localIP := cm.Dst

		log.Info().Str("peer", peer.String()).Str("file", req.Filename).Msg("accepted WRQ")
		if log.GetLevel() <= zerolog.DebugLevel {
			log.Debug().Msg(spew.Sdump(req))
		}

		conn, err := handoff(ctx, localIP, cm.IfIndex, localPort, peer)
		if err != nil {
			log.Error().Err(err).Str("peer", peer.String()).Msg("handoff socket failed")
			continue
		}

		sessionLog := log.With().Str("peer", peer.String()).Str("file", req.Filename).Logger()
		go func(conn *net.UDPConn, req *RequestPacket) {
			defer conn.Close()
			res := ServeSession(conn, req, cfg.Session, sessionLog)
			if res.Err != nil {
				sessionLog.Error().Err(res.Err).Msg("upload failed")
				return
			}
			sessionLog.Info().
				Int("bytes", res.Bytes).
				Dur("duration", res.Duration).
				Str("md5", res.Digest).
				Msg("upload complete")
		}(conn, req)
	}
}

// handoff binds a new UDP socket to localIP:localPort (SO_REUSEADDR lets
// it share the port with the still-open listener) and connects it to
// peer, giving the session worker an exclusively-owned, already-filtered
// socket.
func handoff(ctx context.Context, localIP net.IP, ifIndex int, localPort int, peer *net.UDPAddr) (*net.UDPConn, error) {
	zone := ""
	if localIP.IsLinkLocalUnicast() && ifIndex != 0 {
		if iface, err := net.InterfaceByIndex(ifIndex); err == nil {
			zone = iface.Name
		}
	}

	dialer := net.Dialer{
		LocalAddr: &net.UDPAddr{IP: localIP, Port: localPort, Zone: zone},
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlSetReuseAddr(c)
		},
	}

	raw, err := dialer.DialContext(ctx, "udp6", peer.String())
	if err != nil {
		return nil, err
	}
	return raw.(*net.UDPConn), nil
}

func controlSetListenOpts(c syscall.RawConn, acceptV4Mapped bool) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		v6only := 1
		if acceptV4Mapped {
			v6only = 0
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func controlSetReuseAddr(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
