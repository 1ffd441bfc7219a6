package websocket

import (
	"testing"
	"time"

	"github.com/aukilabs/spatialgrid/models"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestHandler(spaces *models.SpaceStore, idleTimeout time.Duration) func() Handler {
	return func() Handler {
		var h Handler = &RealtimeHandler{
			ClientIdleTimeout: idleTimeout,
			Spaces:            spaces,
		}

		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://spatialgrid-test.com")
		return h
	}
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType MsgType, requestID uint32, data any) {
	msg, err := NewMsg(msgType, requestID, data)
	require.NoError(t, err)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, websocket.Message.Send(conn, string(b)))
}

func receiveMsg(t *testing.T, conn *websocket.Conn) Msg {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))

	var b []byte
	require.NoError(t, websocket.Message.Receive(conn, &b))

	var msg Msg
	require.NoError(t, json.Unmarshal(b, &msg))
	return msg
}

// receiveMsgOfType skips the messages that are not of the given type.
func receiveMsgOfType(t *testing.T, conn *websocket.Conn, msgType MsgType) Msg {
	for {
		msg := receiveMsg(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
}

func requireErrorMsg(t *testing.T, msg Msg, requestID uint32, errType string) {
	require.Equal(t, MsgTypeError, msg.Type)
	require.Equal(t, requestID, msg.RequestID)

	var res ErrorResponse
	require.NoError(t, msg.DataTo(&res))
	require.Equal(t, errType, res.Type)
	require.NotEmpty(t, res.Message)
}

func TestHandlerPing(t *testing.T) {
	var spaces models.SpaceStore
	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Minute))
	conn := dial()

	sendMsg(t, conn, MsgTypePing, 7, nil)

	msg := receiveMsg(t, conn)
	require.Equal(t, MsgTypePingResponse, msg.Type)
	require.Equal(t, uint32(7), msg.RequestID)
}

func TestHandlerInvalidMessages(t *testing.T) {
	var spaces models.SpaceStore
	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Minute))

	t.Run("unknown message type", func(t *testing.T) {
		conn := dial()
		sendMsg(t, conn, "teleport", 1, nil)
		requireErrorMsg(t, receiveMsg(t, conn), 1, ErrTypeUnknownMsgType)
	})

	t.Run("malformed frame keeps the connection open", func(t *testing.T) {
		conn := dial()
		require.NoError(t, websocket.Message.Send(conn, "{"))
		requireErrorMsg(t, receiveMsg(t, conn), 0, ErrTypeMalformedMsg)

		sendMsg(t, conn, MsgTypePing, 2, nil)
		require.Equal(t, MsgTypePingResponse, receiveMsg(t, conn).Type)
	})

	t.Run("missing data", func(t *testing.T) {
		conn := dial()
		sendMsg(t, conn, MsgTypeJoin, 3, nil)
		requireErrorMsg(t, receiveMsg(t, conn), 3, ErrTypeMalformedMsg)
	})

	t.Run("not joined", func(t *testing.T) {
		conn := dial()
		for i, msgType := range []MsgType{
			MsgTypeBodyAdd,
			MsgTypeBodyMove,
			MsgTypeBodyRemove,
			MsgTypeQueryCell,
			MsgTypeQueryPosition,
		} {
			sendMsg(t, conn, msgType, uint32(i+1), struct{}{})
			requireErrorMsg(t, receiveMsg(t, conn), uint32(i+1), ErrTypeNotJoined)
		}
	})
}

func TestHandlerJoin(t *testing.T) {
	var spaces models.SpaceStore
	space, err := spaces.Create("arena", 10, 10)
	require.NoError(t, err)
	body, err := space.AddBody("wall", models.Rect{MinX: 0, MinY: 0, MaxX: 30, MaxY: 1})
	require.NoError(t, err)

	other, err := spaces.Create("other", 1, 1)
	require.NoError(t, err)

	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Minute))

	t.Run("unknown space", func(t *testing.T) {
		conn := dial()
		sendMsg(t, conn, MsgTypeJoin, 1, JoinRequest{SpaceID: 42})
		requireErrorMsg(t, receiveMsg(t, conn), 1, models.ErrTypeSpaceNotFound)
	})

	t.Run("join returns the space and its bodies", func(t *testing.T) {
		conn := dial()
		sendMsg(t, conn, MsgTypeJoin, 1, JoinRequest{SpaceID: space.ID})

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeJoinResponse, msg.Type)
		require.Equal(t, uint32(1), msg.RequestID)

		var res JoinResponse
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, space.ID, res.Space.ID)
		require.Equal(t, "arena", res.Space.Name)
		require.Len(t, res.Bodies, 1)
		require.Equal(t, body.ID, res.Bodies[0].ID)

		sendMsg(t, conn, MsgTypeJoin, 2, JoinRequest{SpaceID: space.ID})
		requireErrorMsg(t, receiveMsg(t, conn), 2, ErrTypeAlreadyJoined)
	})

	t.Run("joining another space leaves the previous one", func(t *testing.T) {
		conn := dial()
		sendMsg(t, conn, MsgTypeJoin, 1, JoinRequest{SpaceID: space.ID})
		receiveMsgOfType(t, conn, MsgTypeJoinResponse)

		sendMsg(t, conn, MsgTypeJoin, 2, JoinRequest{SpaceID: other.ID})
		receiveMsgOfType(t, conn, MsgTypeJoinResponse)

		sendMsg(t, conn, MsgTypeQueryCell, 3, QueryCellRequest{X: 0, Y: 0})
		msg := receiveMsgOfType(t, conn, MsgTypeQueryCellResponse)

		var res QueryResponse
		require.NoError(t, msg.DataTo(&res))
		require.Empty(t, res.Bodies)
	})
}

func TestHandlerBodies(t *testing.T) {
	var spaces models.SpaceStore
	space, err := spaces.Create("arena", 10, 10)
	require.NoError(t, err)

	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Minute))
	clientA := dial()
	clientB := dial()

	for _, conn := range []*websocket.Conn{clientA, clientB} {
		sendMsg(t, conn, MsgTypeJoin, 1, JoinRequest{SpaceID: space.ID})
		receiveMsgOfType(t, conn, MsgTypeJoinResponse)
	}

	receiveEvent := func(t *testing.T, conn *websocket.Conn) models.BodyEvent {
		msg := receiveMsgOfType(t, conn, MsgTypeBodyEvent)

		var event models.BodyEvent
		require.NoError(t, msg.DataTo(&event))
		require.Equal(t, space.ID, event.SpaceID)
		return event
	}

	var body models.BodyView

	t.Run("add body", func(t *testing.T) {
		sendMsg(t, clientA, MsgTypeBodyAdd, 2, BodyAddRequest{
			Label:  "crate",
			Bounds: models.Rect{MinX: 2, MinY: 2, MaxX: 12, MaxY: 2},
		})

		msg := receiveMsgOfType(t, clientA, MsgTypeBodyAddResponse)
		require.Equal(t, uint32(2), msg.RequestID)

		var res BodyResponse
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, "crate", res.Body.Label)
		body = res.Body

		event := receiveEvent(t, clientB)
		require.Equal(t, models.BodyEventAdd, event.Type)
		require.Equal(t, body.ID, event.Body.ID)
	})

	t.Run("add invalid body", func(t *testing.T) {
		sendMsg(t, clientA, MsgTypeBodyAdd, 3, BodyAddRequest{
			Bounds: models.Rect{MinX: 5, MaxX: 0},
		})
		requireErrorMsg(t, receiveMsgOfType(t, clientA, MsgTypeError), 3, models.ErrTypeInvalidBounds)
	})

	t.Run("query cell", func(t *testing.T) {
		sendMsg(t, clientB, MsgTypeQueryCell, 4, QueryCellRequest{X: 1, Y: 0})

		msg := receiveMsgOfType(t, clientB, MsgTypeQueryCellResponse)
		require.Equal(t, uint32(4), msg.RequestID)

		var res QueryResponse
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, 1, res.CellX)
		require.Equal(t, 0, res.CellY)
		require.Len(t, res.Bodies, 1)
		require.Equal(t, body.ID, res.Bodies[0].ID)
	})

	t.Run("move body", func(t *testing.T) {
		sendMsg(t, clientB, MsgTypeBodyMove, 5, BodyMoveRequest{
			BodyID: body.ID,
			Bounds: models.Rect{MinX: -15, MinY: -15, MaxX: -12, MaxY: -12},
		})
		receiveMsgOfType(t, clientB, MsgTypeBodyMoveResponse)

		event := receiveEvent(t, clientA)
		require.Equal(t, models.BodyEventMove, event.Type)
		require.Equal(t, -15.0, event.Body.Bounds.MinX)
	})

	t.Run("query position", func(t *testing.T) {
		sendMsg(t, clientA, MsgTypeQueryPosition, 6, QueryPositionRequest{X: -13, Y: -13})

		msg := receiveMsgOfType(t, clientA, MsgTypeQueryPositionResponse)

		var res QueryResponse
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, -2, res.CellX)
		require.Equal(t, -2, res.CellY)
		require.Len(t, res.Bodies, 1)

		sendMsg(t, clientA, MsgTypeQueryPosition, 7, QueryPositionRequest{X: 5, Y: 5})
		msg = receiveMsgOfType(t, clientA, MsgTypeQueryPositionResponse)
		require.NoError(t, msg.DataTo(&res))
		require.Empty(t, res.Bodies)
	})

	t.Run("remove body", func(t *testing.T) {
		sendMsg(t, clientA, MsgTypeBodyRemove, 8, BodyRemoveRequest{BodyID: body.ID})
		msg := receiveMsgOfType(t, clientA, MsgTypeBodyRemoveResponse)
		require.Equal(t, uint32(8), msg.RequestID)

		event := receiveEvent(t, clientB)
		require.Equal(t, models.BodyEventRemove, event.Type)
		require.Zero(t, space.BodyCount())

		sendMsg(t, clientA, MsgTypeBodyRemove, 9, BodyRemoveRequest{BodyID: body.ID})
		requireErrorMsg(t, receiveMsgOfType(t, clientA, MsgTypeError), 9, models.ErrTypeBodyNotFound)
	})

	t.Run("clear space", func(t *testing.T) {
		space.Clear()

		event := receiveEvent(t, clientA)
		require.Equal(t, models.BodyEventClear, event.Type)
		require.Nil(t, event.Body)
	})
}

func TestHandlerIdleTimeout(t *testing.T) {
	var spaces models.SpaceStore
	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Millisecond*100))
	conn := dial()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))

	var b []byte
	err := websocket.Message.Receive(conn, &b)
	require.Error(t, err)
}

func TestHandlerDisconnectUnsubscribes(t *testing.T) {
	var spaces models.SpaceStore
	space, err := spaces.Create("arena", 1, 1)
	require.NoError(t, err)

	dial := NewTestingEnv(t, newTestHandler(&spaces, time.Minute))
	conn := dial()

	sendMsg(t, conn, MsgTypeJoin, 1, JoinRequest{SpaceID: space.ID})
	receiveMsgOfType(t, conn, MsgTypeJoinResponse)
	conn.Close()

	// Body events must not block once the client is gone.
	for i := 0; i < sendChanSize*2; i++ {
		_, err := space.AddBody("", models.Rect{})
		require.NoError(t, err)
	}
	require.Equal(t, sendChanSize*2, space.BodyCount())
}
