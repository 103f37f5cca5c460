// Package transport implements framed, unreliable delivery of opaque byte
// payloads between nodes over UDP (spec.md §4.1). It carries no
// cryptographic trust of its own — PQSecure sits above it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// MaxFrameSize is the logical MTU; larger payloads must be fragmented by
// the caller (PQSecure layer).
const MaxFrameSize = 64 * 1024

// ErrUnreachable is returned when a destination cannot currently be reached.
var ErrUnreachable = errors.New("transport: unreachable")

// ErrBackpressure is returned when the local send path is saturated.
var ErrBackpressure = errors.New("transport: backpressure")

// ErrFrameTooLarge is returned by Send when bytes exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame exceeds MTU")

// Frame is one received datagram, tagged with its source address.
type Frame struct {
	Src  *net.UDPAddr
	Data []byte
}

// Transport is a UDP-framed packet transport. One read loop fans received
// frames into a buffered channel; Send writes directly to the socket.
type Transport struct {
	conn   *net.UDPConn
	logger *slog.Logger

	recvCh chan Frame
	stopCh chan struct{}
	wg     sync.WaitGroup

	sendSem chan struct{} // bounds concurrent in-flight sends (backpressure)
}

// Options configures a Transport.
type Options struct {
	BindAddr      string // default "0.0.0.0"
	ListenPort    int
	RecvQueueSize int // default 256
	MaxInFlight   int // default 64; concurrent sends before ErrBackpressure
	Logger        *slog.Logger
}

// Listen opens a UDP socket per opts and starts the background read loop.
func Listen(opts Options) (*Transport, error) {
	if opts.RecvQueueSize <= 0 {
		opts.RecvQueueSize = 256
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bind := opts.BindAddr
	if bind == "" {
		bind = "0.0.0.0"
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bind, opts.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	t := &Transport{
		conn:    conn,
		logger:  opts.Logger.With("component", "transport"),
		recvCh:  make(chan Frame, opts.RecvQueueSize),
		stopCh:  make(chan struct{}),
		sendSem: make(chan struct{}, opts.MaxInFlight),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes bytes to dest, failing with ErrUnreachable or ErrBackpressure
// per spec.md §4.1's contract. Never blocks past MaxInFlight saturation.
func (t *Transport) Send(dest *net.UDPAddr, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	select {
	case t.sendSem <- struct{}{}:
		defer func() { <-t.sendSem }()
	default:
		return ErrBackpressure
	}

	if _, err := t.conn.WriteToUDP(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Recv returns the channel of received frames. recv() in spec.md §4.1 is a
// lazy, infinite sequence; here that's a channel closed on Close.
func (t *Transport) Recv() <-chan Frame {
	return t.recvCh
}

// RecvCtx blocks for a single frame or until ctx is done.
func (t *Transport) RecvCtx(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-t.recvCh:
		if !ok {
			return Frame{}, fmt.Errorf("transport: closed")
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops the read loop and closes the underlying socket.
func (t *Transport) Close() error {
	close(t.stopCh)
	err := t.conn.Close()
	t.wg.Wait()
	close(t.recvCh)
	return err
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, MaxFrameSize)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.recvCh <- Frame{Src: src, Data: data}:
		default:
			t.logger.Warn("recv queue full, dropping frame", "src", src)
		}
	}
}
