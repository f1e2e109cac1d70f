package relay

import (
	"bufio"
	"context"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/C12AK/TCP-chat/pkg/crypto"
	"github.com/C12AK/TCP-chat/pkg/frame"
)

// dialAndHandshake performs the client side of the handshake against a
// live Server and returns the connection and the negotiated AES key.
func dialAndHandshake(t *testing.T, addr, username string) (net.Conn, []byte) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte(username)); err != nil {
		t.Fatalf("send username: %v", err)
	}

	r := bufio.NewReader(conn)
	der := make([]byte, 1024)
	n, err := r.Read(der)
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	pub, err := crypto.ImportPublicDER(der[:n])
	if err != nil {
		t.Fatalf("import public key: %v", err)
	}

	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		t.Fatalf("generate aes key: %v", err)
	}
	enc, err := pub.Encrypt(aesKey)
	if err != nil {
		t.Fatalf("rsa encrypt: %v", err)
	}
	if _, err := conn.Write(enc); err != nil {
		t.Fatalf("send encrypted aes key: %v", err)
	}

	return conn, aesKey
}

func startServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := NewServer(discardLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Serve(ctx, ln)
		close(done)
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestServerEndToEndMessageDelivery(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	aliceConn, aliceKey := dialAndHandshake(t, addr, "alice")
	defer aliceConn.Close()
	bobConn, bobKey := dialAndHandshake(t, addr, "bob")
	defer bobConn.Close()

	sealedTo, _ := crypto.Seal([]byte("bob"), aliceKey)
	sealedMsg, _ := crypto.Seal([]byte("hello"), aliceKey)
	if _, err := aliceConn.Write(frame.Encode(sealedTo, sealedMsg)); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	bobConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	n, err := bobConn.Read(buf)
	if err != nil {
		t.Fatalf("bob did not receive: %v", err)
	}

	gotFrom, gotMsg, err := frame.Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	plainFrom, err := crypto.Open(gotFrom, bobKey)
	if err != nil {
		t.Fatal(err)
	}
	plainMsg, err := crypto.Open(gotMsg, bobKey)
	if err != nil {
		t.Fatal(err)
	}
	if string(plainFrom) != "alice" || string(plainMsg) != "hello" {
		t.Fatalf("got (%q, %q), want (alice, hello)", plainFrom, plainMsg)
	}
}

func TestServerRejectsDuplicateUsernamePlaintext(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	first, _ := dialAndHandshake(t, addr, "alice")
	defer first.Close()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("alice")); err != nil {
		t.Fatalf("send username: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("did not receive rejection: %v", err)
	}

	gotFrom, gotMsg, err := frame.Decode(buf[:n])
	if err != nil {
		t.Fatalf("rejection was not a valid frame (should be plaintext): %v", err)
	}
	if string(gotFrom) != "Server" {
		t.Fatalf("got from %q, want Server", gotFrom)
	}
	if string(gotMsg) != "Username alice already in use." {
		t.Fatalf("got message %q", gotMsg)
	}

	// Confirm it really was plaintext: x509 parsing a public key DER out
	// of it should fail, since this path never runs the RSA exchange.
	if _, err := x509.ParsePKCS1PublicKey(gotMsg); err == nil {
		t.Fatal("rejection field parsed as an RSA public key; should be plaintext text")
	}
}

func TestServerEvictsOnDisconnectAndNameBecomesReclaimable(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	conn, _ := dialAndHandshake(t, addr, "alice")
	conn.Close()

	// Give the server a moment to observe the close and evict.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		second, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		second.Write([]byte("alice"))
		second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 1024)
		n, err := second.Read(buf)
		second.Close()
		if err == nil {
			if _, derr := crypto.ImportPublicDER(buf[:n]); derr == nil {
				return // reclaimed successfully
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("username was never reclaimable after disconnect")
}
