package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const realtimeWriteTimeout = 10 * time.Second

// realtimeConn multiplexes subscriptions over one websocket.
//
// A single reader goroutine dispatches events, so handlers observe events in
// the order the server wrote them.
type realtimeConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan frame
	handlers map[string]chatsync.EventHandler

	closed    chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newRealtimeConn(conn *websocket.Conn, logger *slog.Logger) *realtimeConn {
	realtime := &realtimeConn{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan frame),
		handlers: make(map[string]chatsync.EventHandler),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go realtime.readLoop()

	return realtime
}

func (r *realtimeConn) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *realtimeConn) subscribe(
	ctx context.Context,
	collection string,
	topic string,
	handler chatsync.EventHandler,
) (string, error) {
	id := strings.ToLower(ulid.Make().String())

	r.mu.Lock()
	r.handlers[id] = handler
	r.mu.Unlock()

	reply, err := r.request(ctx, frame{
		Type:       frameSubscribe,
		ID:         id,
		Collection: collection,
		Topic:      topic,
	})
	if err != nil {
		r.dropHandler(id)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The server may still acknowledge; tell it to forget the request.
			_ = r.write(frame{Type: frameUnsubscribe, ID: id})
		}
		return "", err
	}
	if reply.Type == frameError {
		r.dropHandler(id)
		return "", fmt.Errorf("server rejected subscription: %s", reply.Message)
	}

	return id, nil
}

func (r *realtimeConn) unsubscribe(ctx context.Context, id string) error {
	r.dropHandler(id)

	reply, err := r.request(ctx, frame{Type: frameUnsubscribe, ID: id})
	if err != nil {
		return err
	}
	if reply.Type == frameError {
		return fmt.Errorf("server rejected unsubscribe: %s", reply.Message)
	}

	return nil
}

// request writes one frame and waits for the ack or error carrying its id.
func (r *realtimeConn) request(ctx context.Context, request frame) (frame, error) {
	reply := make(chan frame, 1)

	r.mu.Lock()
	r.pending[request.ID] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, request.ID)
		r.mu.Unlock()
	}()

	if err := r.write(request); err != nil {
		return frame{}, err
	}

	select {
	case response := <-reply:
		return response, nil
	case <-r.closed:
		return frame{}, fmt.Errorf("%w: realtime connection closed", chatsync.ErrClosed)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (r *realtimeConn) write(message frame) error {
	if r.isClosed() {
		return fmt.Errorf("%w: realtime connection closed", chatsync.ErrClosed)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", chatsync.ErrNetwork, err)
	}
	if err := r.conn.WriteJSON(message); err != nil {
		return fmt.Errorf("%w: write %s frame: %w", chatsync.ErrNetwork, message.Type, err)
	}

	return nil
}

func (r *realtimeConn) dropHandler(id string) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

func (r *realtimeConn) readLoop() {
	defer close(r.readDone)
	defer func() {
		r.markClosed()
		_ = r.conn.Close()
	}()

	for {
		var message frame
		if err := r.conn.ReadJSON(&message); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !r.isClosed() {
				r.logger.Warn("realtime connection lost", "error", err)
			}
			return
		}

		switch message.Type {
		case frameAck, frameError:
			r.mu.Lock()
			reply, ok := r.pending[message.ID]
			r.mu.Unlock()
			if ok {
				select {
				case reply <- message:
				default:
				}
			}
		case frameEvent:
			r.dispatch(message)
		default:
			r.logger.Debug("realtime frame ignored", "type", message.Type, "id", message.ID)
		}
	}
}

func (r *realtimeConn) dispatch(message frame) {
	r.mu.Lock()
	handler, ok := r.handlers[message.ID]
	r.mu.Unlock()
	if !ok {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("realtime handler panic",
				"subscription", message.ID,
				"collection", message.Collection,
				"panic", recovered,
			)
		}
	}()

	handler(chatsync.RecordEvent{Action: message.Action, Record: message.Record})
}

func (r *realtimeConn) markClosed() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

func (r *realtimeConn) close() error {
	alreadyClosed := r.isClosed()
	r.markClosed()

	if !alreadyClosed {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		r.writeMu.Unlock()
	}

	if err := r.conn.Close(); err != nil && !alreadyClosed {
		r.closeErr = err
	}
	<-r.readDone

	return r.closeErr
}
