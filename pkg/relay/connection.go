package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/C12AK/TCP-chat/pkg/crypto"
	"github.com/C12AK/TCP-chat/pkg/frame"
	"github.com/C12AK/TCP-chat/pkg/registry"
)

const (
	sendMaxRetries = 100
	sendRetryDelay = time.Millisecond
)

// route implements the routing task described in spec.md §4.3: parse the
// frame, open the recipient field under the sender's key, look the
// recipient up, and either bounce a "no such user" notice back to the
// sender or re-seal the message for the recipient and queue it for
// delivery.
func (p *pool) route(rt routeTask) {
	toCT, msgCT, err := frame.Decode(rt.raw)
	if err != nil {
		p.logger.Debug().Err(err).Str("from", rt.from.Name).Msg("dropping malformed frame")
		if p.metrics != nil {
			p.metrics.init().framesDroppedTotal.malformed.Inc()
		}
		return
	}

	senderKey := rt.from.AESKey()
	if senderKey == nil {
		// connection was evicted between extraction and routing.
		return
	}

	plainTo, err := crypto.Open(toCT, senderKey)
	if err != nil {
		p.logger.Debug().Err(err).Str("from", rt.from.Name).Msg("dropping frame with unopenable recipient field")
		if p.metrics != nil {
			p.metrics.init().framesDroppedTotal.decryptFailed.Inc()
		}
		return
	}
	recipientName := string(plainTo)

	recipient, ok := p.registry.LookupByName(recipientName)
	if !ok {
		p.logger.Info().Str("from", rt.from.Name).Str("to", recipientName).Msg("no such user")
		if p.metrics != nil {
			p.metrics.init().noSuchUserTotal.Inc()
		}
		p.replyServerNotice(rt.from, senderKey, "No such user.")
		return
	}

	plainMsg, err := crypto.Open(msgCT, senderKey)
	if err != nil {
		p.logger.Debug().Err(err).Str("from", rt.from.Name).Msg("dropping frame with unopenable message field")
		if p.metrics != nil {
			p.metrics.init().framesDroppedTotal.decryptFailed.Inc()
		}
		return
	}

	recipientKey := recipient.AESKey()
	if recipientKey == nil {
		// recipient was evicted concurrently; nothing to deliver to.
		return
	}

	sealedFrom, err := crypto.Seal([]byte(rt.from.Name), recipientKey)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to re-seal sender name")
		return
	}
	sealedMsg, err := crypto.Seal(plainMsg, recipientKey)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to re-seal message")
		return
	}

	p.logger.Info().Str("from", rt.from.Name).Str("to", recipientName).Msg("routing message")
	if p.metrics != nil {
		p.metrics.init().framesRoutedTotal.Inc()
	}

	p.submit(task{kind: taskSend, send: sendTask{
		to:   recipient,
		wire: frame.Encode(sealedFrom, sealedMsg),
	}})
}

// replyServerNotice seals msg (from "Server") under key and queues it for
// delivery back to e.
func (p *pool) replyServerNotice(e *registry.Entry, key []byte, msg string) {
	sealedFrom, err := crypto.Seal([]byte("Server"), key)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to seal server notice sender field")
		return
	}
	sealedMsg, err := crypto.Seal([]byte(msg), key)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to seal server notice message field")
		return
	}
	p.submit(task{kind: taskSend, send: sendTask{
		to:   e,
		wire: frame.Encode(sealedFrom, sealedMsg),
	}})
}

// sendOne performs the send task's write under the recipient's per-socket
// write lock, so concurrent workers delivering to the same connection
// never interleave bytes.
func (p *pool) sendOne(st sendTask) {
	st.to.WriteMu.Lock()
	defer st.to.WriteMu.Unlock()

	if err := writeAll(st.to.Conn, st.wire); err != nil {
		if isBrokenPipe(err) {
			// The reactor's read loop will observe the peer-closed
			// event and evict; nothing more to do here.
			return
		}
		p.logger.Warn().Err(err).Str("to", st.to.Name).Msg("send failed")
		if p.metrics != nil {
			p.metrics.init().sendErrorsTotal.Inc()
		}
	}
}

// writeAll writes buf in full, retrying on transient timeouts the way
// spec.md §4.4 (and the original project's common/Send.cpp) retries on
// EAGAIN/EWOULDBLOCK: up to sendMaxRetries attempts, ~1ms apart. Go's
// net.Conn.Write blocks until the kernel accepts the data or the
// connection errors, so there's no EAGAIN a caller can see directly; a
// short write deadline is used here to recreate the same bounded-retry
// shape instead of blocking indefinitely on a slow reader.
func writeAll(conn net.Conn, buf []byte) error {
	defer conn.SetWriteDeadline(time.Time{})

	sent := 0
	retries := 0
	for sent < len(buf) {
		conn.SetWriteDeadline(time.Now().Add(sendRetryDelay))
		n, err := conn.Write(buf[sent:])
		sent += n
		if err == nil {
			retries = 0
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			retries++
			if retries >= sendMaxRetries {
				return fmt.Errorf("write: exhausted %d retries: %w", sendMaxRetries, err)
			}
			continue
		}
		if isBrokenPipe(err) {
			return err
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// isBrokenPipe reports whether err indicates the peer has gone away
// (EPIPE/ECONNRESET, a closed net.Conn, or EOF), i.e. a condition the
// reactor's read loop will independently notice and evict for.
func isBrokenPipe(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EBADF) {
		return true
	}
	return false
}
