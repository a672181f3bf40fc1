// Package server implements the agent's TCP surface: one task per accepted
// connection, the admin command protocol (IDS/LSE/LSR/SEN/ROT/IXN), and the
// KERI event protocol handler that applies incoming signed events to a
// per-connection mirror of the remote identifier and replies with
// receipts.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tdalabs/tda/pkg/agent"
	"github.com/tdalabs/tda/pkg/event"
	"github.com/tdalabs/tda/pkg/identifier"
)

// maxMessageSize bounds a single read per spec.md §6: "Maximum message
// size in this core: 1024 bytes per read, extensible by the implementation."
const maxMessageSize = 1024

// Server owns the shared LogState and the TCP listener. All connections
// share one LogState behind its own internal mutex (spec.md §5): the
// server itself holds no lock of its own.
type Server struct {
	log    *agent.LogState
	logger *log.Logger
}

// New returns a Server over logState, logging through logger.
func New(logState *agent.LogState, logger *log.Logger) *Server {
	return &Server{log: logState, logger: logger}
}

// Serve accepts connections on ln until ctx is cancelled or ln.Accept
// fails. Each connection runs in its own goroutine with its own mirror of
// the remote identifier's state, dropped when the connection ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn services one connection end-to-end: each incoming payload is
// either an admin command or a stream of signed KERI events, dispatched on
// the first three bytes per spec.md §6.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Per-connection mirror of the remote identifier; starts at the zero
	// state and is discarded with the connection (spec.md §5).
	mirror := identifier.State{}

	buf := make([]byte, maxMessageSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := buf[:n]
			if n >= 3 && isAdminTag(string(payload[:3])) {
				s.handleAdmin(conn, string(payload))
			} else if n > 4 {
				mirror = s.handleEventPayload(conn, mirror, payload)
			}
			// Partial reads shorter than the minimum event bytes are
			// discarded per spec.md §5.
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("connection read error: %v", err)
			}
			return
		}
	}
}

func isAdminTag(tag string) bool {
	switch tag {
	case "IDS", "LSE", "LSR", "SEN", "ROT", "IXN":
		return true
	}
	return false
}

// handleAdmin dispatches the line-oriented admin command protocol
// (spec.md §6's command table).
func (s *Server) handleAdmin(conn net.Conn, msg string) {
	tag := msg[:3]
	rest := strings.TrimSpace(msg[3:])

	switch tag {
	case "IDS":
		fmt.Fprintf(conn, "SN: %d\n", s.log.State().Sn)

	case "LSE":
		for _, m := range s.log.Log() {
			fmt.Fprintf(conn, "%s\n", debugEventData(m))
		}

	case "LSR":
		st := s.log.State()
		for sn := uint64(0); sn <= st.Sn; sn++ {
			rs := s.log.Receipts(sn)
			if len(rs) == 0 {
				continue
			}
			fmt.Fprintf(conn, "%d: %d receipt(s)\n", sn, len(rs))
		}

	case "SEN":
		host, port, ok := parseSendArgs(rest)
		if !ok {
			fmt.Fprintf(conn, "error: usage SEN <host> <port>\n")
			return
		}
		if err := s.sendLastEvent(host, port); err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
		}

	case "ROT":
		if _, err := s.log.Rotate(); err != nil {
			s.logger.Printf("rotate failed: %v", err)
		}

	case "IXN":
		if _, err := s.log.Interact([]byte(rest)); err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
		}
	}
}

func parseSendArgs(rest string) (host, port string, ok bool) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// sendLastEvent dials peer, sends our last event, and ingests whatever
// signed messages come back (spec.md §4.6's outgoing side).
func (s *Server) sendLastEvent(host, port string) error {
	last, err := s.log.Last()
	if err != nil {
		return fmt.Errorf("no event to send: %w", err)
	}
	addr := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	enc := event.NewEncoder(conn)
	if err := enc.Encode(last); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	dec := event.NewDecoder(conn)
	mirror := identifier.State{}
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode reply: %w", err)
		}
		switch msg.Message.Event.Data.(type) {
		case event.VrcData:
			if err := s.log.IngestReceipt(mirror, msg); err != nil {
				s.logger.Printf("ingest receipt from %s: %v", addr, err)
			}
		default:
			next, err := identifier.VerifyAndApply(mirror, msg)
			if err != nil {
				s.logger.Printf("apply event from %s: %v", addr, err)
				continue
			}
			mirror = next
			rct, err := s.log.MakeReceipt(msg.Message)
			if err != nil {
				s.logger.Printf("make_receipt failed for %s: %v", addr, err)
				continue
			}
			if err := enc.Encode(rct); err != nil {
				s.logger.Printf("write receipt to %s: %v", addr, err)
			}
			s.log.ReevaluateEscrow(mirror.Prefix, mirror)
		}
	}
}

// handleEventPayload parses payload as a stream of concatenated signed
// KERI events and applies the protocol handler semantics of spec.md §4.6.
// Returns the (possibly advanced) mirror.
func (s *Server) handleEventPayload(conn net.Conn, mirror identifier.State, payload []byte) identifier.State {
	dec := event.NewDecoder(bytes.NewReader(payload))
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("malformed event payload: %v", err)
			}
			return mirror
		}
		mirror = s.applyIncoming(conn, mirror, msg)
	}
}

// applyIncoming implements spec.md §4.6 for a single incoming signed
// message and returns the (possibly unchanged) mirror.
func (s *Server) applyIncoming(conn net.Conn, mirror identifier.State, msg event.SignedMessage) identifier.State {
	if _, ok := msg.Message.Event.Data.(event.VrcData); ok {
		if err := s.log.IngestReceipt(mirror, msg); err != nil {
			s.logger.Printf("ingest receipt: %v", err)
		}
		// Response: empty.
		return mirror
	}

	wasZero := mirror.IsZero()
	next, err := identifier.VerifyAndApply(mirror, msg)
	if err != nil {
		// No state mutation, reply empty.
		s.logger.Printf("verify_and_apply failed: %v", err)
		return mirror
	}

	rct, err := s.log.MakeReceipt(msg.Message)
	if err != nil {
		s.logger.Printf("make_receipt failed: %v", err)
		return next
	}

	enc := event.NewEncoder(conn)
	if wasZero {
		// Inception on a fresh mirror: reply with the latest event in our
		// log (of whatever kind) followed by our receipt.
		if last, err := s.log.Last(); err == nil {
			if err := enc.Encode(last); err != nil {
				s.logger.Printf("write reply: %v", err)
			}
		}
	}
	if err := enc.Encode(rct); err != nil {
		s.logger.Printf("write receipt: %v", err)
	}

	s.log.ReevaluateEscrow(next.Prefix, next)
	return next
}

func debugEventData(m event.SignedMessage) string {
	return fmt.Sprintf("%s sn=%d %T", m.Message.Event.Prefix, m.Message.Event.Sn, m.Message.Event.Data)
}
