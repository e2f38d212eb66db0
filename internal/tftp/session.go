package tftp

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrPathRejected is returned by sanitizePath when filename escapes the
// upload directory via an absolute path or a ".." segment.
var ErrPathRejected = errors.New("tftp: rejected unsafe path")

// sanitizePath rejects absolute paths and any ".." segment, returning a
// clean relative path safe to join under the upload root.
func sanitizePath(filename string) (string, error) {
	clean := path.Clean(filename)
	if path.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathRejected, filename)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes upload root", ErrPathRejected, filename)
		}
	}
	return clean, nil
}

// SessionConfig controls how a server session persists an incoming
// upload.
type SessionConfig struct {
	// Root is the directory uploaded files are written beneath.
	Root string
	// Discard, when set, accepts the upload but writes to io.Discard
	// instead of a file.
	Discard bool
	// ReadOnly rejects every WRQ outright.
	ReadOnly bool
}

// SessionResult mirrors UploadResult for the receiving side, logged by the
// accept loop once a session's worker goroutine finishes.
type SessionResult struct {
	Filename string
	Bytes    int
	Duration time.Duration
	Digest   string
	Err      error
}

// ServeSession drives the server-side receive state machine on a
// connected, per-client handoff socket: it expects req to be the WRQ that
// triggered the handoff, ACKs block 0, then loops AWAIT_DATA/ack until a
// short or empty DATA block is acknowledged.
//
// Duplicate blocks (block == lastBlock) are re-acknowledged without being
// rewritten. A read timeout resends ACK(lastBlock) and keeps waiting, up
// to maxRetransmits attempts. A block number outside {lastBlock,
// lastBlock+1} is a protocol violation: the session sends
// ERROR(illegal-op) and closes.
func ServeSession(conn *net.UDPConn, req *RequestPacket, cfg SessionConfig, log zerolog.Logger) SessionResult {
	res := SessionResult{Filename: req.Filename}
	start := time.Now()

	if cfg.ReadOnly {
		sendSessionError(conn, ErrAccessViolation, "server is read-only")
		res.Err = fmt.Errorf("rejected WRQ for %q: server is read-only", req.Filename)
		return res
	}

	var dest io.Writer
	var file *os.File
	if cfg.Discard {
		dest = io.Discard
	} else {
		clean, err := sanitizePath(req.Filename)
		if err != nil {
			sendSessionError(conn, ErrAccessViolation, err.Error())
			res.Err = err
			return res
		}
		full := path.Join(cfg.Root, clean)
		if _, statErr := os.Stat(full); statErr == nil {
			sendSessionError(conn, ErrFileExists, "file already exists")
			res.Err = fmt.Errorf("%s already exists", full)
			return res
		}
		f, err := os.Create(full)
		if err != nil {
			sendSessionError(conn, ErrAccessViolation, err.Error())
			res.Err = fmt.Errorf("create %s: %w", full, err)
			return res
		}
		defer f.Close()
		file = f
		dest = f
	}

	hash := md5.New()
	writer := io.MultiWriter(dest, hash)

	if err := sendAck(conn, 0); err != nil {
		res.Err = fmt.Errorf("ack WRQ: %w", err)
		return res
	}

	var lastBlock uint16 = 0
	var buf [MaxPacketSize]byte
	retries := 0

	for {
		conn.SetReadDeadline(time.Now().Add(ackTimeout))
		n, err := conn.Read(buf[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if retries >= maxRetransmits {
					res.Err = fmt.Errorf("timed out waiting for block %d of %s after %d retransmits", lastBlock+1, req.Filename, maxRetransmits)
					return res
				}
				retries++
				log.Debug().Uint16("block", lastBlock).Int("attempt", retries).Msg("resending ack after data timeout")
				if err := sendAck(conn, lastBlock); err != nil {
					res.Err = fmt.Errorf("resend ack %d: %w", lastBlock, err)
					return res
				}
				continue
			}
			res.Err = fmt.Errorf("read: %w", err)
			return res
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("discarding malformed datagram")
			continue
		}

		data, ok := pkt.(*DataPacket)
		if !ok {
			log.Debug().Stringer("opcode", pkt.Opcode()).Msg("discarding unexpected packet")
			continue
		}

		retries = 0

		if data.Block == lastBlock {
			// Retransmit of an already-written block: re-ack, don't rewrite.
			if err := sendAck(conn, data.Block); err != nil {
				res.Err = fmt.Errorf("re-ack block %d: %w", data.Block, err)
				return res
			}
			continue
		}

		if data.Block != lastBlock+1 {
			sendSessionError(conn, ErrIllegalOp, fmt.Sprintf("block %d out of sequence, expected %d or %d", data.Block, lastBlock, lastBlock+1))
			res.Err = fmt.Errorf("block %d out of sequence (expected %d or %d), closing", data.Block, lastBlock, lastBlock+1)
			return res
		}

		if _, err := writer.Write(data.Data); err != nil {
			sendSessionError(conn, ErrDiskFull, err.Error())
			res.Err = fmt.Errorf("write block %d: %w", data.Block, err)
			return res
		}

		if err := sendAck(conn, data.Block); err != nil {
			res.Err = fmt.Errorf("ack block %d: %w", data.Block, err)
			return res
		}

		lastBlock = data.Block
		res.Bytes += len(data.Data)

		if len(data.Data) < BlockSize {
			break
		}
	}

	if file != nil {
		if err := file.Sync(); err != nil {
			res.Err = fmt.Errorf("sync %s: %w", req.Filename, err)
			return res
		}
	}

	res.Duration = time.Since(start)
	res.Digest = hex.EncodeToString(hash.Sum(nil))
	return res
}

func sendAck(conn *net.UDPConn, block uint16) error {
	var buf [4]byte
	n, err := EncodeACK(buf[:], block)
	if err != nil {
		return err
	}
	_, err = conn.Write(buf[:n])
	return err
}

func sendSessionError(conn *net.UDPConn, code ErrorCode, message string) {
	var buf [MaxPacketSize]byte
	n, err := EncodeError(buf[:], code, message)
	if err != nil {
		return
	}
	conn.Write(buf[:n])
}
