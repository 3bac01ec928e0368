package systemd

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNotifierWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	var n Notifier
	n.Ready()
	n.Status("posting")
	n.Stopping()
	if n.Active() {
		t.Fatal("Active() = true without NOTIFY_SOCKET")
	}
}

func TestNotifierSendsToSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "sdn")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "notify")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	var n Notifier
	n.Status("12/40 articles\nposted")
	if !n.Active() {
		t.Fatal("Active() = false after a successful send")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 256)
	nr, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(buf[:nr]), "STATUS=12/40 articles posted"; got != want {
		t.Fatalf("datagram = %q, want %q", got, want)
	}
}
