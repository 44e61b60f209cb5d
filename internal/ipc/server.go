package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const streamWriteTimeout = 2 * time.Second

// Handler processes one IPC command request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Streamer is implemented by handlers that keep a connection open and push
// JSON lines to the client. Stream must block until ctx is done; ctx ends
// when the client disconnects or the server shuts down.
type Streamer interface {
	Streams(command string) bool
	Stream(ctx context.Context, req Request, send func(any) error) error
}

// Serve accepts unix-socket clients until context cancellation or listener close.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept IPC connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, handler)
		}(conn)
	}
}

func serveConn(ctx context.Context, c net.Conn, handler Handler) {
	reader := bufio.NewReader(c)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	if streamer, ok := handler.(Streamer); ok && streamer.Streams(req.Command) {
		serveStream(ctx, c, reader, streamer, req)
		return
	}

	resp := handler.Handle(ctx, req)
	_ = json.NewEncoder(c).Encode(resp)
}

func serveStream(ctx context.Context, c net.Conn, reader *bufio.Reader, streamer Streamer, req Request) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Any read completing means the client hung up or misbehaved.
	go func() {
		_, _ = reader.ReadByte()
		cancel()
	}()

	var mu sync.Mutex
	enc := json.NewEncoder(c)
	send := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		if err := c.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return err
		}
		if err := enc.Encode(v); err != nil {
			cancel()
			return err
		}
		return nil
	}

	if err := streamer.Stream(streamCtx, req, send); err != nil {
		_ = send(Response{OK: false, Error: err.Error()})
	}
}
