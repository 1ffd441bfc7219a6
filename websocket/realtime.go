package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// HeaderClientID is the HTTP header that carries the id a client identifies
// itself with. A random id is assigned when it is missing.
const HeaderClientID = "X-Spatialgrid-Client-Id"

// RealtimeHandler represents a service that lets a client edit the bodies of
// a space and relays the changes made by other clients in realtime.
type RealtimeHandler struct {
	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The store that contains all the server spaces.
	Spaces *models.SpaceStore

	conn        *websocket.Conn
	clientID    string
	space       *models.Space
	unsubscribe func()
}

func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	h.clientID = conn.Request().Header.Get(HeaderClientID)
	if h.clientID == "" {
		h.clientID = uuid.NewString()
	}

	h.conn = conn
}

func (h *RealtimeHandler) HandleDisconnect(_ error) {
	h.leaveSpace()
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	return h.respond(respond, MsgTypePingResponse, msg.RequestID, nil)
}

func (h *RealtimeHandler) HandleJoin(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req JoinRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if h.space != nil && h.space.ID == req.SpaceID {
		return errors.New("space already joined").
			WithType(ErrTypeAlreadyJoined).
			WithTag("space_id", req.SpaceID)
	}

	space, err := h.Spaces.Lookup(req.SpaceID)
	if err != nil {
		return err
	}

	h.leaveSpace()
	h.space = space
	h.unsubscribe = space.Subscribe(func(e models.BodyEvent) {
		event, err := NewMsg(MsgTypeBodyEvent, 0, e)
		if err != nil {
			logs.WithClientID(h.clientID).Warn(err)
			return
		}
		respond.Send(event)
	})

	return h.respond(respond, MsgTypeJoinResponse, msg.RequestID, JoinResponse{
		Space:  space.View(),
		Bodies: models.BodiesToViews(space.Bodies()),
	})
}

func (h *RealtimeHandler) HandleBodyAdd(ctx context.Context, respond ResponseSender, msg Msg) error {
	space, err := h.joinedSpace()
	if err != nil {
		return err
	}

	var req BodyAddRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	body, err := space.AddBody(req.Label, req.Bounds)
	if err != nil {
		return err
	}

	return h.respond(respond, MsgTypeBodyAddResponse, msg.RequestID, BodyResponse{
		Body: body.View(),
	})
}

func (h *RealtimeHandler) HandleBodyMove(ctx context.Context, respond ResponseSender, msg Msg) error {
	space, err := h.joinedSpace()
	if err != nil {
		return err
	}

	var req BodyMoveRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	body, err := space.MoveBody(req.BodyID, req.Bounds)
	if err != nil {
		return err
	}

	return h.respond(respond, MsgTypeBodyMoveResponse, msg.RequestID, BodyResponse{
		Body: body.View(),
	})
}

func (h *RealtimeHandler) HandleBodyRemove(ctx context.Context, respond ResponseSender, msg Msg) error {
	space, err := h.joinedSpace()
	if err != nil {
		return err
	}

	var req BodyRemoveRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if err := space.RemoveBody(req.BodyID); err != nil {
		return err
	}
	return h.respond(respond, MsgTypeBodyRemoveResponse, msg.RequestID, nil)
}

func (h *RealtimeHandler) HandleQueryCell(ctx context.Context, respond ResponseSender, msg Msg) error {
	space, err := h.joinedSpace()
	if err != nil {
		return err
	}

	var req QueryCellRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	return h.respond(respond, MsgTypeQueryCellResponse, msg.RequestID, QueryResponse{
		CellX:  req.X,
		CellY:  req.Y,
		Bodies: models.BodiesToViews(space.BodiesAtCell(req.X, req.Y)),
	})
}

func (h *RealtimeHandler) HandleQueryPosition(ctx context.Context, respond ResponseSender, msg Msg) error {
	space, err := h.joinedSpace()
	if err != nil {
		return err
	}

	var req QueryPositionRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	cellX, cellY, bodies := space.BodiesAtPosition(req.X, req.Y)
	return h.respond(respond, MsgTypeQueryPositionResponse, msg.RequestID, QueryResponse{
		CellX:  cellX,
		CellY:  cellY,
		Bodies: models.BodiesToViews(bodies),
	})
}

func (h *RealtimeHandler) Receiver() Receiver {
	return func() (Msg, int, error) {
		var b []byte
		if err := websocket.Message.Receive(h.conn, &b); err != nil {
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(b, &msg); err != nil {
			return Msg{}, len(b), errors.New("decoding message failed").
				WithType(ErrTypeMalformedMsg).
				Wrap(err)
		}
		return msg, len(b), nil
	}
}

func (h *RealtimeHandler) Sender() Sender {
	return func(msg Msg) (int, error) {
		b, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").
				WithTag("msg_type", msg.Type).
				Wrap(err)
		}

		if err := websocket.Message.Send(h.conn, string(b)); err != nil {
			return 0, err
		}
		return len(b), nil
	}
}

func (h *RealtimeHandler) Close() {
	h.leaveSpace()
}

func (h *RealtimeHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *RealtimeHandler) CurrentSpace() *models.Space {
	return h.space
}

func (h *RealtimeHandler) ClientID() string {
	return h.clientID
}

func (h *RealtimeHandler) joinedSpace() (*models.Space, error) {
	if h.space == nil {
		return nil, errors.New("no space joined").WithType(ErrTypeNotJoined)
	}
	return h.space, nil
}

func (h *RealtimeHandler) leaveSpace() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.space = nil
}

func (h *RealtimeHandler) respond(respond ResponseSender, t MsgType, requestID uint32, data any) error {
	msg, err := NewMsg(t, requestID, data)
	if err != nil {
		return err
	}

	respond.Send(msg)
	return nil
}
