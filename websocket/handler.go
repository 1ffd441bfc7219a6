package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/models"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize = 512
)

// Handler represents a spatial grid WebSocket handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to join a space and receive its body events.
	HandleJoin(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to add a body to the joined space.
	HandleBodyAdd(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to change the bounds of a body.
	HandleBodyMove(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to remove a body.
	HandleBodyRemove(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to list the bodies of a cell.
	HandleQueryCell(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to list the bodies of the cell containing a world
	// position.
	HandleQueryPosition(ctx context.Context, respond ResponseSender, msg Msg) error

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender used to send outgoing messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	// The currently joined space.
	CurrentSpace() *models.Space

	// The id of the connected client.
	ClientID() string
}

// Handle runs the given handler on a WebSocket connection until the client
// disconnects or ctx is canceled.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The spatial grid handler.
	Handler Handler

	sendChan       chan Msg
	msgChan        chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.msgChan = make(chan Msg)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	responder := responseSender{
		send: h.send,
	}

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			h.handleDisconnect(ctx.Err())

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case msg := <-h.msgChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			h.handleMessage(ctx, msg, responder)

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			// cancel context so go routines can cleanly exit
			cancel()
		}
	}

	wg.Wait()
}

// send queues a message without blocking. Messages are dropped when the
// client does not keep up.
func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:

	default:
		logs.WithClientID(h.Handler.ClientID()).
			WithTag("msg_type", msg.TypeString()).
			WithTag("queue_size", sendChanSize).
			Warn(errors.New("send queue is full, dropping message"))
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		msg, _, err := h.receiver()
		if errors.IsType(err, ErrTypeMalformedMsg) {
			h.send(newErrorMsg(0, err))
			continue
		}
		if err != nil {
			h.disconnect(errors.New("receiving message failed").Wrap(err))
			return
		}

		select {
		case <-ctx.Done():
			return

		case h.msgChan <- msg:
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) {
	var err error

	switch msg.Type {
	case MsgTypePing:
		err = h.Handler.HandlePing(ctx, responder, msg)

	case MsgTypeJoin:
		err = h.Handler.HandleJoin(ctx, responder, msg)

	case MsgTypeBodyAdd:
		err = h.Handler.HandleBodyAdd(ctx, responder, msg)

	case MsgTypeBodyMove:
		err = h.Handler.HandleBodyMove(ctx, responder, msg)

	case MsgTypeBodyRemove:
		err = h.Handler.HandleBodyRemove(ctx, responder, msg)

	case MsgTypeQueryCell:
		err = h.Handler.HandleQueryCell(ctx, responder, msg)

	case MsgTypeQueryPosition:
		err = h.Handler.HandleQueryPosition(ctx, responder, msg)

	default:
		err = errors.New("unknown message type").
			WithType(ErrTypeUnknownMsgType).
			WithTag("msg_type", msg.Type)
	}

	if err != nil {
		responder.Send(newErrorMsg(msg.RequestID, err))
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

type responseSender struct {
	send func(Msg)
}

func (r responseSender) Send(msg Msg) {
	r.send(msg)
}
