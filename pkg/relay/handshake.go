package relay

import (
	"errors"
	"fmt"
	"net"

	"github.com/C12AK/TCP-chat/pkg/crypto"
	"github.com/C12AK/TCP-chat/pkg/frame"
	"github.com/C12AK/TCP-chat/pkg/registry"
)

// errDuplicateUsername signals that the handshake ended because the
// requested username was already claimed; the rejection frame has already
// been written to the connection by the time this is returned.
var errDuplicateUsername = errors.New("relay: duplicate username")

// maxUsernameRead bounds the first read on a freshly accepted connection,
// the same role BUFSZ played in the original accept-time recv.
const maxUsernameRead = 1024

// handshake drives one connection from accept through "secured": read the
// claimed username, reserve it in the registry, exchange RSA keys, and
// install the resulting AES key on e. On any failure it returns a non-nil
// error; the caller closes the connection without further registry
// mutation (the registry entry, if any, is cleaned up here before
// returning).
//
// The username is reserved via registry.TryRegister immediately after it
// is read, before the RSA/AES exchange runs, rather than checked-then-
// registered at the very end the way spec.md's prose describes step by
// step. Performing the duplicate check and the reservation as a single
// atomic registry operation closes a TOCTOU window that would otherwise
// let two connections racing to claim the same name both pass the check
// under Go's goroutine-per-connection model; any failure past this point
// evicts the reservation.
func handshake(conn net.Conn, reg *registry.Registry) (*registry.Entry, error) {
	nameBuf := make([]byte, maxUsernameRead)
	n, err := conn.Read(nameBuf)
	if err != nil {
		return nil, fmt.Errorf("read username: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("read username: empty read")
	}
	name := string(nameBuf[:n])

	e := &registry.Entry{
		ID:   reg.NextID(),
		Conn: conn,
	}

	if !reg.TryRegister(name, e) {
		if err := sendRejection(conn, name); err != nil {
			return nil, fmt.Errorf("send duplicate-username rejection: %w", err)
		}
		return nil, errDuplicateUsername
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		reg.Evict(e.ID)
		return nil, fmt.Errorf("generate rsa keypair: %w", err)
	}

	der := kp.PublicDER()
	if err := writeAll(conn, der); err != nil {
		reg.Evict(e.ID)
		return nil, fmt.Errorf("send public key: %w", err)
	}

	encKey := make([]byte, 1024)
	kn, err := conn.Read(encKey)
	if err != nil {
		reg.Evict(e.ID)
		return nil, fmt.Errorf("read encrypted aes key: %w", err)
	}

	aesKey, err := kp.Decrypt(encKey[:kn])
	if err != nil {
		reg.Evict(e.ID)
		return nil, fmt.Errorf("decrypt aes key: %w", err)
	}
	if len(aesKey) != crypto.KeySize {
		reg.Evict(e.ID)
		return nil, fmt.Errorf("decrypt aes key: got %d bytes, want %d", len(aesKey), crypto.KeySize)
	}

	e.SetAESKey(aesKey)
	return e, nil
}

// sendRejection writes the plaintext-framed "username already in use"
// notice. Per spec.md §9's Open Questions resolution, this frame precedes
// any AES key, so it is sent as a bare frame with unsealed fields rather
// than through the normal sealed-field path.
func sendRejection(conn net.Conn, name string) error {
	wire := frame.Encode([]byte("Server"), []byte(fmt.Sprintf("Username %s already in use.", name)))
	return writeAll(conn, wire)
}
