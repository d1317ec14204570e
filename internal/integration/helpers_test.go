package integration

import (
	"testing"

	"github.com/jra3/filesyncd/internal/fanout"
	"github.com/jra3/filesyncd/internal/pathvalidator"
	"github.com/jra3/filesyncd/internal/protocol"
	"github.com/jra3/filesyncd/internal/registry"
	"github.com/jra3/filesyncd/internal/session"
	"github.com/jra3/filesyncd/internal/testutil"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

// recordingConn is a session.Sender test double that records every
// event sent to it, in order.
type recordingConn struct {
	events []any
}

func (c *recordingConn) Send(v any) error {
	c.events = append(c.events, v)
	return nil
}

func (c *recordingConn) last() any {
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

// harness wires a Registry, Gateway, and Hub over one temporary git
// repository, matching the production wiring in internal/cmd/serve.go.
type harness struct {
	root    string
	gateway *vcsgateway.Gateway
	reg     *registry.Registry
	hub     *fanout.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root, gw := testutil.NewTestRepo(t)
	v := pathvalidator.New(root)
	hub := fanout.NewHub()
	return &harness{
		root:    root,
		gateway: gw,
		reg:     registry.New(v, gw, hub),
		hub:     hub,
	}
}

func (h *harness) newSession(t *testing.T) (*session.Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	sess := session.New(conn, h.reg, h.gateway, h.hub, nil, nil, false)
	t.Cleanup(sess.Close)
	return sess, conn
}

func openFile(t *testing.T, sess *session.Session, path, handle string) protocol.FileOpened {
	t.Helper()
	reply := sess.Handle(protocol.Command{Type: protocol.TypeOpenFile, Path: path, Handle: handle})
	opened, ok := reply.(protocol.FileOpened)
	if !ok {
		t.Fatalf("expected FileOpened, got %#v", reply)
	}
	return opened
}

// writeFile issues a write_file command and returns the FileWritten
// reply. The reply is sent directly to conn (ahead of any peer
// fan-out the write triggers), so Handle itself returns nil for this
// command — see serve.go's nil-reply convention.
func writeFile(t *testing.T, sess *session.Session, conn *recordingConn, handle, last, desired string) protocol.FileWritten {
	t.Helper()
	reply := sess.Handle(protocol.Command{Type: protocol.TypeWriteFile, Handle: handle, LastContent: last, NewContent: desired})
	if reply != nil {
		t.Fatalf("expected write_file's reply to be sent directly, got a non-nil Handle return %#v", reply)
	}
	written, ok := conn.last().(protocol.FileWritten)
	if !ok {
		t.Fatalf("expected FileWritten sent to the session, got %#v", conn.last())
	}
	return written
}
