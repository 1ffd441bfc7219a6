package websocket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeMalformedMsg   = "ws_malformed_msg"
	ErrTypeUnknownMsgType = "ws_unknown_msg_type"
	ErrTypeNotJoined      = "ws_not_joined"
	ErrTypeAlreadyJoined  = "ws_already_joined"
)

// MsgType is the type of a message exchanged over a WebSocket connection.
type MsgType string

const (
	MsgTypePing          MsgType = "ping"
	MsgTypeJoin          MsgType = "join"
	MsgTypeBodyAdd       MsgType = "body_add"
	MsgTypeBodyMove      MsgType = "body_move"
	MsgTypeBodyRemove    MsgType = "body_remove"
	MsgTypeQueryCell     MsgType = "query_cell"
	MsgTypeQueryPosition MsgType = "query_position"

	MsgTypePingResponse          MsgType = "ping_response"
	MsgTypeJoinResponse          MsgType = "join_response"
	MsgTypeBodyAddResponse       MsgType = "body_add_response"
	MsgTypeBodyMoveResponse      MsgType = "body_move_response"
	MsgTypeBodyRemoveResponse    MsgType = "body_remove_response"
	MsgTypeQueryCellResponse     MsgType = "query_cell_response"
	MsgTypeQueryPositionResponse MsgType = "query_position_response"

	MsgTypeBodyEvent MsgType = "body_event"
	MsgTypeError     MsgType = "error"
)

// Msg is a JSON message exchanged over a WebSocket connection. Responses
// carry the request id of the message they answer.
type Msg struct {
	Type      MsgType         `json:"type"`
	RequestID uint32          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMsg creates a message with the given data encoded as JSON.
func NewMsg(t MsgType, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      t,
		RequestID: requestID,
	}
	if data == nil {
		return msg, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithTag("msg_type", t).
			Wrap(err)
	}
	msg.Data = b
	return msg, nil
}

// DataTo decodes the message data into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data").
			WithType(ErrTypeMalformedMsg).
			WithTag("msg_type", m.Type)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeMalformedMsg).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

func (m Msg) TypeString() string {
	if m.Type == "" {
		return "unknown"
	}
	return string(m.Type)
}

type JoinRequest struct {
	SpaceID uint32 `json:"space_id"`
}

type JoinResponse struct {
	Space  models.SpaceView  `json:"space"`
	Bodies []models.BodyView `json:"bodies"`
}

type BodyAddRequest struct {
	Label  string      `json:"label"`
	Bounds models.Rect `json:"bounds"`
}

type BodyMoveRequest struct {
	BodyID uint32      `json:"body_id"`
	Bounds models.Rect `json:"bounds"`
}

type BodyRemoveRequest struct {
	BodyID uint32 `json:"body_id"`
}

type BodyResponse struct {
	Body models.BodyView `json:"body"`
}

type QueryCellRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type QueryPositionRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type QueryResponse struct {
	CellX  int               `json:"cell_x"`
	CellY  int               `json:"cell_y"`
	Bodies []models.BodyView `json:"bodies"`
}

type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// newErrorMsg creates an error message answering the given request.
func newErrorMsg(requestID uint32, err error) Msg {
	msg, _ := NewMsg(MsgTypeError, requestID, ErrorResponse{
		Type:    errors.Type(err),
		Message: err.Error(),
	})
	return msg
}

// Receiver returns the next message received from a connection and the
// number of bytes read.
type Receiver func() (Msg, int, error)

// Sender sends a message to a connection and returns the number of bytes
// written.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to be sent to the connected client.
type ResponseSender interface {
	Send(Msg)
}
