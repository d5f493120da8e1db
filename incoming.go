package torrent

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// IncomingConnection is an accepted peer connection that passed admission:
// the handshake has been read and answered, and the torrent it addresses is
// live. Remainder holds any bytes the peer sent after its handshake; they are
// the front of its message stream and must be processed before reading from
// Conn again.
type IncomingConnection struct {
	Conn      net.Conn
	Handshake Handshake
	Remainder []byte
	Addr      net.Addr
}

// Accepts are smoothed out so a connect flood cannot pin the session.
var acceptRateLimit = rate.Limit(100)

const acceptRateBurst = 32

// taskListener accepts peer connections for the session's lifetime. Each
// accepted connection is admitted on its own goroutine so one slow handshake
// cannot stall the accept loop.
func (s *Session) taskListener(ctx context.Context) error {
	limiter := rate.NewLimiter(acceptRateLimit, acceptRateBurst)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.logger.Levelf(log.Warning, "error accepting connection: %v", err)
			continue
		}
		go func() {
			if err := s.checkIncomingConnection(ctx, conn); err != nil {
				s.logger.Levelf(log.Debug, "dropping connection from %v: %v", conn.RemoteAddr(), err)
				conn.Close()
			}
		}()
	}
}

// Room for trailing stream bytes a peer may send right behind its handshake.
const incomingReadBufferLen = handshakeLen + 512

// checkIncomingConnection reads and validates the remote handshake, answers
// it, and hands the connection to the owning live torrent. On error the
// caller closes the connection.
func (s *Session) checkIncomingConnection(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()
	conn.SetDeadline(time.Now().Add(s.peerOpts.ReadWriteTimeout))

	buf := make([]byte, incomingReadBufferLen)
	n, err := io.ReadAtLeast(conn, buf, handshakeLen)
	if err != nil {
		return fmt.Errorf("error reading handshake: %w", err)
	}
	h, consumed, err := parseHandshake(buf[:n])
	if err != nil {
		return err
	}
	if h.PeerID == s.peerID {
		return fmt.Errorf("peer id is our own, dropping self connection")
	}
	t := s.registry.byInfoHash(h.InfoHash)
	if t == nil {
		return fmt.Errorf("no torrent with info hash %v", h.InfoHash)
	}
	live := t.Live()
	if live == nil {
		return fmt.Errorf("torrent %v is not live", t.Name())
	}

	reply := Handshake{InfoHash: h.InfoHash, PeerID: s.peerID}
	reply.Reserved[5] |= extensionBitExtended
	if _, err := conn.Write(reply.Bytes()); err != nil {
		return fmt.Errorf("error writing handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})

	ic := IncomingConnection{
		Conn:      conn,
		Handshake: h,
		Remainder: buf[consumed:n],
		Addr:      conn.RemoteAddr(),
	}
	// The torrent may have paused while we were reading; its driver rejects
	// the hand off in that case and we just drop the connection.
	if err := live.addIncoming(ic); err != nil {
		return err
	}
	return nil
}
