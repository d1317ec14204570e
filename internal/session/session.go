// Package session implements the Session Multiplexer (spec §4.H): the
// per-connection state machine that dispatches client commands to the
// File Registry and fans peer/external changes back out over the
// transport.
package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jra3/filesyncd/internal/apperr"
	"github.com/jra3/filesyncd/internal/audit"
	"github.com/jra3/filesyncd/internal/fanout"
	"github.com/jra3/filesyncd/internal/protocol"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

// Registry is the subset of *registry.Registry a Session needs.
type Registry interface {
	Open(name string) (string, error)
	Close(name string)
	// Write reconciles and persists a write, invoking onWritten with the
	// merged content (and whether reconciling it required an actual
	// three-way merge) after it is persisted but before fan-out to other
	// subscribers, so a caller can guarantee its own direct reply reaches
	// the wire first (spec §5's ordering guarantee).
	Write(name, base, desired string, source *fanout.Source, onWritten func(content string, merged bool)) (string, error)
}

// Sender delivers one outbound event over the underlying transport.
// Implemented by *transport.Conn; kept as an interface here so the
// multiplexer can be tested without a real websocket.
type Sender interface {
	Send(v any) error
}

// Session is one client connection: a handle table, the reverse name
// index the Registry's fan-out hook needs, and the dependencies every
// command touches.
type Session struct {
	conn    Sender
	reg     Registry
	gateway *vcsgateway.Gateway
	hub     *fanout.Hub
	logger  *log.Logger
	audit   *audit.Log
	debug   bool

	// Outbound sends are throttled per-session so one slow or noisy
	// peer cannot starve the transport loop for everyone else sharing
	// the engine's single logical thread of execution.
	limiter *rate.Limiter

	mu      sync.Mutex
	handles map[string]string            // handle -> name
	names   map[string]map[string]struct{} // name -> set<handle>
}

// New returns a Session bound to conn, registered as a subscriber of
// hub so that peer and external changes reach it via Deliver. debug
// gates verbose per-command tracing (the teacher's "if n.debug {
// log.Printf(...) }" habit, see pkg/fuse/file.go). auditLog may be nil;
// *audit.Log's methods are nil-safe.
func New(conn Sender, reg Registry, gateway *vcsgateway.Gateway, hub *fanout.Hub, logger *log.Logger, auditLog *audit.Log, debug bool) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		conn:    conn,
		reg:     reg,
		gateway: gateway,
		hub:     hub,
		logger:  logger,
		audit:   auditLog,
		debug:   debug,
		// Paced at 50/sec with a burst of 100: steady background
		// chatter shouldn't be throttled, but a flood of peer updates
		// after a large external change should smooth out.
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		handles: make(map[string]string),
		names:   make(map[string]map[string]struct{}),
	}
	hub.Register(s)
	return s
}

// Handle dispatches one decoded command and returns the reply (or
// error event) to send. A successful write_file returns nil: its
// file_written reply has already been sent from inside the Registry
// write, ahead of any fan-out. It never returns an error itself — every
// failure is converted to a protocol.ErrorEvent per spec §7's policy
// that no command handler tears down the session.
func (s *Session) Handle(cmd protocol.Command) any {
	if s.debug {
		s.logger.Printf("session: dispatching %s (handle=%s path=%s)", cmd.Type, cmd.Handle, cmd.Path)
	}
	switch cmd.Type {
	case protocol.TypeOpenFile:
		return s.handleOpenFile(cmd)
	case protocol.TypeCloseFile:
		return s.handleCloseFile(cmd)
	case protocol.TypeWriteFile:
		return s.handleWriteFile(cmd)
	case protocol.TypeCommit:
		return s.handleCommit(cmd)
	default:
		return protocol.NewErrorEvent("unknown command: "+cmd.Type, "")
	}
}

func (s *Session) handleOpenFile(cmd protocol.Command) any {
	if cmd.Path == "" || cmd.Handle == "" {
		return protocol.NewErrorEvent("open_file requires path and handle", "")
	}

	s.mu.Lock()
	if _, inUse := s.handles[cmd.Handle]; inUse {
		s.mu.Unlock()
		return errorEvent(apperr.New(apperr.HandleInUse, "handle already in use"))
	}
	s.mu.Unlock()

	content, err := s.reg.Open(cmd.Path)
	if err != nil {
		return errorEvent(err)
	}

	s.mu.Lock()
	s.handles[cmd.Handle] = cmd.Path
	if s.names[cmd.Path] == nil {
		s.names[cmd.Path] = make(map[string]struct{})
	}
	s.names[cmd.Path][cmd.Handle] = struct{}{}
	s.mu.Unlock()

	return protocol.NewFileOpened(cmd.Path, cmd.Handle, content)
}

func (s *Session) handleCloseFile(cmd protocol.Command) any {
	if cmd.Handle == "" {
		return protocol.NewErrorEvent("close_file requires handle", "")
	}

	name, ok := s.releaseHandle(cmd.Handle)
	if !ok {
		return errorEvent(apperr.New(apperr.UnknownHandle, "unknown handle"))
	}

	s.reg.Close(name)
	return protocol.NewFileClosed(cmd.Handle)
}

func (s *Session) handleWriteFile(cmd protocol.Command) any {
	if cmd.Handle == "" {
		return protocol.NewErrorEvent("write_file requires handle", "")
	}

	s.mu.Lock()
	name, ok := s.handles[cmd.Handle]
	s.mu.Unlock()
	if !ok {
		return errorEvent(apperr.New(apperr.UnknownHandle, "unknown handle"))
	}

	// onWritten fires inside the Registry, after the write is persisted
	// but before the Registry notifies any other subscriber of it, so
	// the writer's own reply is guaranteed to reach the wire before any
	// file_updated this write triggers for co-open handles elsewhere.
	_, err := s.reg.Write(name, cmd.LastContent, cmd.NewContent, &fanout.Source{Subscriber: s, Handle: cmd.Handle}, func(content string, merged bool) {
		s.send(protocol.NewFileWritten(cmd.Handle, content))
		if merged {
			s.audit.Record(context.Background(), audit.KindMerge, name, "")
		}
	})
	if err != nil {
		return errorEvent(err)
	}

	return nil
}

func (s *Session) handleCommit(cmd protocol.Command) any {
	if cmd.Message == "" {
		return errorEvent(apperr.New(apperr.MissingField, "commit requires a non-empty message"))
	}

	if err := s.gateway.StageAllAndCommit(cmd.Message); err != nil {
		return errorEvent(err)
	}

	return protocol.NewCommitted()
}

// Deliver implements fanout.Subscriber: it looks up name's locally
// subscribed handles and sends file_updated to every one of them
// except excludeHandle.
func (s *Session) Deliver(name, content, excludeHandle string, hasExclude bool) {
	s.mu.Lock()
	handleSet := s.names[name]
	handlesCopy := make([]string, 0, len(handleSet))
	for h := range handleSet {
		if hasExclude && h == excludeHandle {
			continue
		}
		handlesCopy = append(handlesCopy, h)
	}
	s.mu.Unlock()

	for _, h := range handlesCopy {
		s.send(protocol.NewFileUpdated(h, content))
	}
}

// send applies the per-session outbound throttle before writing to
// the transport, logging (never blocking the caller's correctness)
// on failure.
func (s *Session) send(v any) {
	if err := s.limiter.Wait(context.Background()); err != nil {
		s.logger.Printf("session: rate limiter wait: %v", err)
	}
	if err := s.conn.Send(v); err != nil {
		s.logger.Printf("session: send failed: %v", err)
	}
}

// Send exposes the throttled send path to callers outside command
// dispatch (e.g. a transport loop relaying a reply).
func (s *Session) Send(v any) {
	s.send(v)
}

func (s *Session) releaseHandle(handle string) (name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok = s.handles[handle]
	if !ok {
		return "", false
	}
	delete(s.handles, handle)
	if set, exists := s.names[name]; exists {
		delete(set, handle)
		if len(set) == 0 {
			delete(s.names, name)
		}
	}
	return name, true
}

// Close tears down the session: every held handle is released through
// the Registry exactly once, then the session unregisters from the
// fan-out hub. Per spec §4.H this must run on every exit path —
// normal disconnect, protocol error, or internal exception — so
// callers should defer it immediately after New.
func (s *Session) Close() {
	s.mu.Lock()
	names := make([]string, 0, len(s.handles))
	for _, name := range s.handles {
		names = append(names, name)
	}
	s.handles = make(map[string]string)
	s.names = make(map[string]map[string]struct{})
	s.mu.Unlock()

	for _, name := range names {
		s.reg.Close(name)
	}

	s.hub.Unregister(s)
}

func errorEvent(err error) protocol.ErrorEvent {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return protocol.NewErrorEvent(ae.Error(), ae.Path)
	}
	return protocol.NewErrorEvent(err.Error(), "")
}
