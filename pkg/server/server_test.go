package server

import (
	"bufio"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tdalabs/tda/pkg/agent"
	"github.com/tdalabs/tda/pkg/event"
	"github.com/tdalabs/tda/pkg/identifier"
)

func testServer(t *testing.T) (*Server, *agent.LogState) {
	t.Helper()
	logState := agent.New()
	if _, err := logState.Incept(); err != nil {
		t.Fatalf("incept: %v", err)
	}
	logger := log.New(testWriter{t}, "[Server] ", 0)
	return New(logState, logger), logState
}

// testWriter routes *log.Logger output into t.Log so test failures carry
// server-side diagnostics without polluting normal test output.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestIsAdminTag(t *testing.T) {
	for _, tag := range []string{"IDS", "LSE", "LSR", "SEN", "ROT", "IXN"} {
		if !isAdminTag(tag) {
			t.Errorf("expected %q to be recognized as an admin tag", tag)
		}
	}
	if isAdminTag("XXX") {
		t.Errorf("did not expect XXX to be recognized as an admin tag")
	}
}

func TestParseSendArgs(t *testing.T) {
	host, port, ok := parseSendArgs("127.0.0.1 9000")
	if !ok || host != "127.0.0.1" || port != "9000" {
		t.Fatalf("unexpected parse result: host=%q port=%q ok=%v", host, port, ok)
	}
	if _, _, ok := parseSendArgs("not-enough-fields"); ok {
		t.Fatalf("expected parseSendArgs to reject a single-field argument")
	}
	if _, _, ok := parseSendArgs("host not-a-port"); ok {
		t.Fatalf("expected parseSendArgs to reject a non-numeric port")
	}
}

func TestHandleAdminIDSReportsSequenceNumber(t *testing.T) {
	srv, logState := testServer(t)
	if _, err := logState.Interact([]byte("x")); err != nil {
		t.Fatalf("interact: %v", err)
	}

	client, conn := net.Pipe()
	defer client.Close()
	go srv.handleAdmin(conn, "IDS")

	client.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read admin reply: %v", err)
	}
	if strings.TrimSpace(line) != "SN: 1" {
		t.Fatalf("unexpected IDS reply: %q", line)
	}
}

func TestApplyIncomingOnFreshMirrorRepliesWithEstablishmentAndReceipt(t *testing.T) {
	srv, _ := testServer(t)

	remote := agent.New()
	remoteIcp, err := remote.Incept()
	if err != nil {
		t.Fatalf("remote incept: %v", err)
	}

	client, conn := net.Pipe()
	defer client.Close()

	done := make(chan identifier.State, 1)
	go func() {
		next := srv.applyIncoming(conn, identifier.State{}, remoteIcp)
		done <- next
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	dec := event.NewDecoder(client)

	first, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode first reply: %v", err)
	}
	if _, ok := first.Message.Event.Data.(event.IcpData); !ok {
		t.Fatalf("expected the first reply to be our own establishment event, got %T", first.Message.Event.Data)
	}

	second, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode second reply: %v", err)
	}
	if _, ok := second.Message.Event.Data.(event.VrcData); !ok {
		t.Fatalf("expected the second reply to be a receipt, got %T", second.Message.Event.Data)
	}

	next := <-done
	if next.Prefix != remoteIcp.Message.Event.Prefix {
		t.Fatalf("expected the mirror to advance to the remote's prefix")
	}
}

func TestApplyIncomingRejectsMalformedEventLeavesMirrorUnchanged(t *testing.T) {
	srv, _ := testServer(t)

	bogus := event.SignedMessage{Message: event.Message{Event: event.Event{
		Prefix: "Enonexistent",
		Sn:     0,
		Data: event.IcpData{
			KeyConfig:              event.KeyConfig{},
			WitnessConfig:          []string{},
			InceptionConfiguration: []string{},
		},
	}}}

	client, conn := net.Pipe()
	defer client.Close()

	mirror := identifier.State{}
	done := make(chan identifier.State, 1)
	go func() { done <- srv.applyIncoming(conn, mirror, bogus) }()

	// A rejected event writes no reply, so applyIncoming returns without
	// blocking on the pipe and the client never reads from it.
	next := <-done
	if !next.IsZero() {
		t.Fatalf("expected the mirror to remain at the zero state after a rejected event")
	}
}
