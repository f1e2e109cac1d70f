// Package client implements the relay's client half: the handshake, and
// the single cooperative loop that multiplexes the socket and stdin the
// way the original client multiplexed them with select(2).
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/C12AK/TCP-chat/pkg/crypto"
	"github.com/C12AK/TCP-chat/pkg/frame"
)

// Client holds one connected session's state.
type Client struct {
	Logger zerolog.Logger
	conn   net.Conn
	aesKey []byte

	// to is the pending recipient: empty means the next stdin line names
	// a recipient rather than a message, mirroring cli.cpp's empty-"to"
	// state machine.
	to string
}

// Dial connects to addr and performs the client side of the handshake:
// send the username, receive the server's RSA public key, generate an AES
// key and send it back RSA-encrypted. The startup banner is printed to
// out as soon as the connection is established, before the handshake
// runs, matching the original client's behavior of announcing itself
// before sending its username.
func Dial(addr, username string, logger zerolog.Logger, out io.Writer) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	fmt.Fprintln(out, "Initializing, plz wait...")
	fmt.Fprintln(out)

	if _, err := conn.Write([]byte(username)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send username: %w", err)
	}

	der := make([]byte, 1024)
	n, err := conn.Read(der)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read public key: %w", err)
	}

	// A duplicate-username rejection lands in this same read as a
	// plaintext-framed frame (see relay's handshake sendRejection), not a
	// raw DER public key, since no AES key exists yet to seal it under.
	// Recognize that case before attempting to parse the bytes as a key,
	// so the user sees the server's own message instead of an opaque
	// DER-parse failure.
	if from, msg, ferr := frame.Decode(der[:n]); ferr == nil && string(from) == "Server" {
		fmt.Fprintf(out, "\n> %s:\n> %s\n", from, msg)
		conn.Close()
		return nil, fmt.Errorf("server rejected connection: %s", msg)
	}

	pub, err := crypto.ImportPublicDER(der[:n])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("import public key: %w", err)
	}

	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate aes key: %w", err)
	}
	enc, err := pub.Encrypt(aesKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rsa encrypt aes key: %w", err)
	}
	if _, err := conn.Write(enc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send encrypted aes key: %w", err)
	}

	return &Client{Logger: logger, conn: conn, aesKey: aesKey}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// incoming is one decrypted message received from the server.
type incoming struct {
	from string
	msg  string
	err  error
}

// Run drives the client's cooperative loop: it prints server messages to
// out and reads recipient/message lines from in, until in reaches EOF, a
// ".exit" line is read, or the server closes the connection. It blocks
// until the session ends or ctx is canceled.
//
// The original client used select(2) over the socket fd and stdin fd on
// one thread; Go has no single primitive that waits on an arbitrary
// reader plus a socket, so this instead runs one goroutine per input
// source, each feeding a channel, and multiplexes those channels on a
// single select statement — the same cooperative, single-consumer shape,
// built from channels instead of an fd_set.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	msgs := make(chan incoming)
	go c.readLoop(msgs)

	lines := make(chan string)
	lineErrs := make(chan error, 1)
	go readLines(in, lines, lineErrs)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Exited.")
			return ctx.Err()

		case m, ok := <-msgs:
			if !ok {
				fmt.Fprintln(out, "Server closed.")
				return nil
			}
			if m.err != nil {
				return m.err
			}
			fmt.Fprintf(out, "\n> %s:\n> %s\n", m.from, m.msg)

		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out, "Exited.")
				return nil
			}
			if line == ".exit" {
				fmt.Fprintln(out, "Exited.")
				return nil
			}
			if c.to == "" {
				c.to = line
				continue
			}
			if err := c.send(c.to, line); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			c.to = ""
			fmt.Fprintln(out, "- SENT")
			fmt.Fprintln(out)

		case err := <-lineErrs:
			if err != nil && err != io.EOF {
				return err
			}
			fmt.Fprintln(out, "Exited.")
			return nil
		}
	}
}

// send seals to and msg under the client's AES key and writes the framed,
// sealed message to the server in one write.
func (c *Client) send(to, msg string) error {
	sealedTo, err := crypto.Seal([]byte(to), c.aesKey)
	if err != nil {
		return err
	}
	sealedMsg, err := crypto.Seal([]byte(msg), c.aesKey)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame.Encode(sealedTo, sealedMsg))
	return err
}

// readLoop is the connection's sole reader: it reassembles frames off the
// socket, opens both sealed fields under the client's AES key, and
// delivers each as an incoming message. It closes msgs when the server
// closes the connection.
func (c *Client) readLoop(msgs chan<- incoming) {
	defer close(msgs)

	reasm := frame.NewReassembler(frame.DefaultMaxFrameSize)
	buf := make([]byte, 1024)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			reasm.Feed(buf[:n])
			for {
				raw, ok, ferr := reasm.Next()
				if ferr != nil {
					msgs <- incoming{err: ferr}
					return
				}
				if !ok {
					break
				}
				toCT, msgCT, derr := frame.Decode(raw)
				if derr != nil {
					c.Logger.Debug().Err(derr).Msg("dropping malformed frame from server")
					continue
				}
				from, oerr := crypto.Open(toCT, c.aesKey)
				if oerr != nil {
					c.Logger.Debug().Err(oerr).Msg("dropping unopenable frame from server")
					continue
				}
				plain, oerr := crypto.Open(msgCT, c.aesKey)
				if oerr != nil {
					c.Logger.Debug().Err(oerr).Msg("dropping unopenable frame from server")
					continue
				}
				msgs <- incoming{from: string(from), msg: string(plain)}
			}
		}
		if err != nil {
			return
		}
	}
}

// readLines reads newline-delimited input from in and sends each line
// (without its trailing newline) to lines, closing lines at EOF. A
// read/scan error other than EOF is sent once on errs.
func readLines(in io.Reader, lines chan<- string, errs chan<- error) {
	defer close(lines)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), bytes.MinRead*256)
	for sc.Scan() {
		lines <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		errs <- err
	}
}
