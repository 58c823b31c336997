package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MsgFlags modify a single [Socket.Send] or [Socket.Recv] call.
type MsgFlags uint8

const (
	// MsgPeek returns received data without consuming it.
	MsgPeek MsgFlags = 1 << iota
	// MsgDontWait makes the call non-blocking.
	MsgDontWait
)

// Events is a poll event mask using the unix POLL* bit values.
type Events int16

const (
	PollIn  Events = unix.POLLIN
	PollOut Events = unix.POLLOUT
	PollErr Events = unix.POLLERR
	PollHup Events = unix.POLLHUP
)

// Socket is the application handle of a TCB. Its methods are safe for concurrent use.
// Errors returned are [unix.Errno] values, [io.EOF] at end of stream, or
// [unix.EINTR] wrapping the context error when a blocking call is interrupted.
type Socket struct {
	eng      *Engine
	t        *tcb
	closed   atomic.Bool
	nonblock bool // Guarded by t.mu.
}

// interrupted is returned when ctx ends a blocking wait.
func interrupted(err error) error {
	return fmt.Errorf("%w: %w", unix.EINTR, err)
}

// wait blocks until the TCB is signaled or ctx is done. Must be called with t.mu held.
func (t *tcb) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	t.cond.Wait()
	stop()
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	return nil
}

// SetNonblocking sets whether calls return [unix.EAGAIN] or [unix.EINPROGRESS] instead of waiting.
func (s *Socket) SetNonblocking(nonblock bool) {
	s.t.mu.Lock()
	s.nonblock = nonblock
	s.t.mu.Unlock()
}

// OnBrokenPipe sets a hook called when Send fails with [unix.EPIPE].
func (s *Socket) OnBrokenPipe(fn func()) {
	s.t.mu.Lock()
	s.t.onBrokenPipe = fn
	s.t.mu.Unlock()
}

// State returns the connection state.
func (s *Socket) State() State {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.state
}

// LocalPort returns the bound port or 0.
func (s *Socket) LocalPort() uint16 {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.key.lport
}

// RemoteAddr returns the peer address, invalid for unconnected and listening sockets.
func (s *Socket) RemoteAddr() netip.AddrPort {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.key.isWildcard() {
		return netip.AddrPort{}
	}
	return s.t.key.remote()
}

// Bind assigns local port, or an ephemeral one if port is 0.
func (s *Socket) Bind(port uint16) error {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed.Load() {
		return unix.EBADF
	}
	if t.bound || t.state != StateClosed {
		return unix.EINVAL
	}
	return t.bind(port)
}

func (t *tcb) bind(port uint16) error {
	port, err := t.eng.ports.Allocate(port)
	if err != nil {
		return err
	}
	t.key.lport = port
	t.bound = true
	t.ownsPort = true
	return nil
}

// Connect starts an active open to raddr. A nonblocking socket returns
// [unix.EINPROGRESS]: completion is observed through [Socket.Poll].
func (s *Socket) Connect(ctx context.Context, raddr netip.AddrPort) error {
	dst := raddr.Addr()
	if !dst.Is4() || raddr.Port() == 0 {
		return unix.EINVAL
	}
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case s.closed.Load():
		return unix.EBADF
	case t.state == StateSynSent:
		return unix.EALREADY
	case t.state == StateListen:
		return unix.EINVAL
	case t.state != StateClosed:
		return unix.EISCONN
	case t.everOpen:
		return unix.EINVAL // Sockets are not reused after a connection.
	}
	mss := mssFromMTU(t.eng.net.MTU(dst))
	local := t.eng.net.LocalAddr(dst)
	if mss == 0 || !local.Is4() {
		return unix.ENETUNREACH
	}
	if !t.bound {
		if err := t.bind(0); err != nil {
			return err
		}
	}
	t.key.raddr = dst.As4()
	t.key.rport = raddr.Port()
	t.laddr = local.As4()
	if err := t.eng.table.insert(t); err != nil {
		t.key.raddr, t.key.rport = [4]byte{}, 0
		return err
	}
	t.rcvmss = mss
	t.sndmss = mss
	t.resetSnd(t.eng.iss.next(t.laddr, t.key.raddr, t.key.lport, t.key.rport), 0)
	t.rcv.WND = t.maxRecvWindow()
	t.setState(StateSynSent)
	t.debug("sock:connect", slog.String("remote", raddr.String()), slog.Uint64("lport", uint64(t.key.lport)))
	t.transmit(FlagSYN, nil, true)
	if s.nonblock {
		return unix.EINPROGRESS
	}
	for t.state == StateSynSent {
		if err := t.wait(ctx); err != nil {
			return err
		}
	}
	if t.reset {
		return t.softErr
	}
	return nil
}

// Listen marks the socket as passive with room for backlog established
// connections, capped by the engine's MaxBacklog.
func (s *Socket) Listen(backlog int) error {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed.Load() {
		return unix.EBADF
	}
	if t.state != StateClosed || t.everOpen {
		return unix.EINVAL
	}
	backlog = min(max(backlog, 1), t.eng.cfg.MaxBacklog)
	if !t.bound {
		if err := t.bind(0); err != nil {
			return err
		}
	}
	t.key = connKey{lport: t.key.lport}
	if err := t.eng.table.insert(t); err != nil {
		return err
	}
	t.backlog = make([]*tcb, 0, backlog)
	t.backlogFree = backlog
	t.setState(StateListen)
	t.debug("sock:listen", slog.Uint64("lport", uint64(t.key.lport)), slog.Int("backlog", backlog))
	return nil
}

// Accept returns the next established connection of a listening socket.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	t := s.t
	t.mu.Lock()
	var child *tcb
	for child == nil {
		if s.closed.Load() {
			t.mu.Unlock()
			return nil, unix.EBADF
		} else if t.state != StateListen {
			t.mu.Unlock()
			return nil, unix.EINVAL
		}
		child = t.popBacklog()
		if child != nil {
			break
		} else if s.nonblock {
			t.mu.Unlock()
			return nil, unix.EAGAIN
		}
		if err := t.wait(ctx); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	t.mu.Unlock()

	child.mu.Lock()
	aborted := child.state == StateAbort
	child.mu.Unlock()
	if aborted {
		child.unref()
		return nil, unix.ECONNABORTED
	}
	return &Socket{eng: s.eng, t: child}, nil
}

// Send queues b for transmission and returns the amount of bytes queued.
// A blocking send waits until all of b is queued.
func (s *Socket) Send(ctx context.Context, b []byte, flags MsgFlags) (n int, err error) {
	t := s.t
	var brokenPipe func()
	defer func() {
		if brokenPipe != nil {
			brokenPipe()
		}
	}()
	t.mu.Lock()
	defer t.mu.Unlock()
	nonblock := s.nonblock || flags&MsgDontWait != 0
	for {
		if s.closed.Load() {
			return n, unix.EBADF
		} else if t.reset {
			return n, t.softErr
		}
		switch t.state {
		case StateEstablished, StateCloseWait:
			if t.shouldClose || t.finSent {
				brokenPipe = t.onBrokenPipe
				return n, unix.EPIPE
			}
			if n < len(b) {
				written, _ := t.txbuf.Write(b[n:])
				n += written
				if written > 0 {
					t.sendNext()
				}
			}
			if n == len(b) {
				return n, nil
			}
		case StateSynSent, StateSynRcvd:
			// Data is queued once the handshake completes.
		case StateClosed, StateListen:
			if !t.everOpen || t.state == StateListen {
				return n, unix.ENOTCONN
			}
			brokenPipe = t.onBrokenPipe
			return n, unix.EPIPE
		default:
			brokenPipe = t.onBrokenPipe
			return n, unix.EPIPE
		}
		if nonblock {
			if n > 0 {
				return n, nil
			}
			return 0, unix.EAGAIN
		}
		if err := t.wait(ctx); err != nil {
			return n, err
		}
	}
}

// Recv reads received data into b. It returns [io.EOF] once the peer has
// finished sending and all its data has been read.
func (s *Socket) Recv(ctx context.Context, b []byte, flags MsgFlags) (int, error) {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	nonblock := s.nonblock || flags&MsgDontWait != 0
	for {
		if s.closed.Load() {
			return 0, unix.EBADF
		}
		if t.rxbuf.Buffered() > 0 {
			if flags&MsgPeek != 0 {
				return t.rxbuf.ReadPeek(b)
			}
			n, err := t.rxbuf.Read(b)
			t.consumed(n)
			return n, err
		}
		switch {
		case t.reset:
			return 0, t.softErr
		case t.finRcvd:
			return 0, io.EOF
		case t.state == StateListen, t.state == StateClosed:
			return 0, unix.ENOTCONN
		case len(b) == 0:
			return 0, nil
		case nonblock:
			return 0, unix.EAGAIN
		}
		if err := t.wait(ctx); err != nil {
			return 0, err
		}
	}
}

// Poll returns the subset of events ready on the socket. PollErr and PollHup
// are always reported.
func (s *Socket) Poll(events Events) Events {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	var ready Events
	if t.reset {
		ready |= PollErr | PollHup
	}
	switch t.state {
	case StateListen:
		if len(t.backlog) > 0 {
			ready |= PollIn
		}
	case StateEstablished, StateCloseWait:
		if t.txbuf.Free() > 0 && !t.shouldClose && !t.finSent {
			ready |= PollOut
		}
	}
	if t.rxbuf.Buffered() > 0 {
		ready |= PollIn
	}
	if t.finRcvd {
		ready |= PollIn | PollHup
	}
	if t.state == StateClosed && t.everOpen {
		ready |= PollHup
	}
	return ready & (events | PollErr | PollHup)
}

// Close runs the local close sequence and releases the socket. The
// connection finishes in the background.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return unix.EBADF
	}
	t := s.t
	t.mu.Lock()
	children := t.closeLocal()
	t.cond.Broadcast()
	t.mu.Unlock()
	s.eng.closeChildren(children)
	t.unref()
	return nil
}

// Read implements [io.Reader] as a blocking [Socket.Recv].
func (s *Socket) Read(b []byte) (int, error) {
	return s.Recv(context.Background(), b, 0)
}

// Write implements [io.Writer] as a blocking [Socket.Send].
func (s *Socket) Write(b []byte) (int, error) {
	return s.Send(context.Background(), b, 0)
}
