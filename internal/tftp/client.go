package tftp

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// maxRetransmits bounds how many times the client resends a block after a
// read timeout before giving up.
const maxRetransmits = 6

// ackTimeout is how long the client waits for an ACK before retransmitting.
const ackTimeout = 5 * time.Second

// UploadResult summarizes a completed (or failed) upload, enough for the
// supervisor to report per-file progress and a final tally.
type UploadResult struct {
	Filename string
	Bytes    int
	Duration time.Duration
	Digest   string
	Err      error
}

// Upload runs the client transfer state machine: it sends a WRQ for
// remoteName, then drives the SEND_DATA/AWAIT_ACK lockstep loop reading
// from src until a short (or empty) final block is acknowledged.
func Upload(conn *net.UDPConn, remoteName string, mode Mode, src io.Reader, log zerolog.Logger) UploadResult {
	res := UploadResult{Filename: remoteName}
	start := time.Now()

	var wrqBuf [MaxPacketSize]byte
	n, err := EncodeWRQ(wrqBuf[:], remoteName, mode)
	if err != nil {
		res.Err = fmt.Errorf("encode WRQ: %w", err)
		return res
	}
	if _, err := conn.Write(wrqBuf[:n]); err != nil {
		res.Err = fmt.Errorf("send WRQ: %w", err)
		return res
	}

	if err := awaitAck(conn, 0, log); err != nil {
		res.Err = err
		return res
	}

	hash := md5.New()
	block := uint16(1)
	chunk := make([]byte, BlockSize)
	var dataBuf [MaxPacketSize]byte

	for {
		nr, readErr := io.ReadFull(src, chunk)
		if readErr == io.ErrUnexpectedEOF {
			readErr = nil
		}
		if readErr != nil && readErr != io.EOF {
			res.Err = fmt.Errorf("read %s: %w", remoteName, readErr)
			return res
		}

		hash.Write(chunk[:nr])
		n, err := EncodeData(dataBuf[:], block, chunk[:nr])
		if err != nil {
			res.Err = fmt.Errorf("encode DATA block %d: %w", block, err)
			return res
		}

		if err := sendAndAwaitAck(conn, dataBuf[:n], block, log); err != nil {
			res.Err = err
			return res
		}

		res.Bytes += nr
		isFinal := nr < BlockSize
		// Ordinary uint16 arithmetic: after block 65535 the next block is 0.
		block++
		if isFinal {
			break
		}
	}

	res.Duration = time.Since(start)
	res.Digest = hex.EncodeToString(hash.Sum(nil))
	return res
}

// sendAndAwaitAck writes packet and retries up to maxRetransmits times on
// read timeout or a duplicate ACK of the prior block (both are
// retransmit triggers), succeeding once the matching ACK arrives. An ACK
// for a block ahead of the one just sent is a protocol violation and
// fails immediately without consuming a retry.
func sendAndAwaitAck(conn *net.UDPConn, packet []byte, block uint16, log zerolog.Logger) error {
	for attempt := 0; ; attempt++ {
		if _, err := conn.Write(packet); err != nil {
			return fmt.Errorf("send DATA block %d: %w", block, err)
		}
		err := awaitAck(conn, block, log)
		if err == nil {
			return nil
		}
		switch e := err.(type) {
		case timeoutError:
			if attempt >= maxRetransmits {
				return fmt.Errorf("block %d: %w after %d retransmits", block, err, maxRetransmits)
			}
			log.Debug().Uint16("block", block).Int("attempt", attempt+1).Msg("retransmitting after ack timeout")
			continue
		case dupAckError:
			if attempt >= maxRetransmits {
				return fmt.Errorf("block %d: %w after %d retransmits", block, err, maxRetransmits)
			}
			log.Debug().Uint16("block", block).Int("attempt", attempt+1).Msg("retransmitting after duplicate ack")
			continue
		case protocolViolationError:
			return fmt.Errorf("block %d: %w", block, e.error)
		default:
			return err
		}
	}
}

type timeoutError struct{ error }

// dupAckError signals that the peer re-acknowledged the previous block
// (block-1), which per lockstep semantics is itself a retransmit trigger
// for the block currently in flight.
type dupAckError struct{ block uint16 }

func (d dupAckError) Error() string {
	return fmt.Sprintf("duplicate ack for block %d", d.block)
}

// protocolViolationError signals an ACK for a block ahead of the one in
// flight, which cannot happen under lockstep and is treated as an
// unrecoverable protocol violation rather than ordinary packet loss.
type protocolViolationError struct{ error }

// awaitAck reads one packet expecting an ACK for block. ERROR packets
// abort the transfer immediately; a duplicate ACK of block-1 is reported
// as a retransmit trigger; an ACK ahead of block is a protocol violation;
// any other stray/unexpected reply is discarded and waited past.
func awaitAck(conn *net.UDPConn, block uint16, log zerolog.Logger) error {
	var buf [MaxPacketSize]byte
	for {
		conn.SetReadDeadline(time.Now().Add(ackTimeout))
		n, err := conn.Read(buf[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return timeoutError{fmt.Errorf("timed out waiting for ack of block %d", block)}
			}
			return fmt.Errorf("read ack: %w", err)
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("discarding malformed reply")
			continue
		}
		switch p := pkt.(type) {
		case *AckPacket:
			switch {
			case p.Block == block:
				return nil
			case p.Block == block-1:
				return dupAckError{block: p.Block}
			case p.Block > block:
				return protocolViolationError{fmt.Errorf("ack for block %d exceeds block %d in flight", p.Block, block)}
			default:
				log.Debug().Uint16("got", p.Block).Uint16("want", block).Msg("discarding stray ack")
			}
		case *ErrorPacket:
			return p
		default:
			log.Debug().Stringer("opcode", pkt.Opcode()).Msg("discarding unexpected reply")
		}
	}
}
