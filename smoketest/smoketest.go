package smoketest

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/models"
	sgwebsocket "github.com/aukilabs/spatialgrid/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeSmokeTestFailed = "smoke_test_failed"

	defaultTimeout = time.Second * 10
	spaceName      = "smoke-test"
)

type Options struct {
	// The WebSocket endpoint to test.
	Endpoint string

	// The store where the temporary smoke test space is created.
	Spaces *models.SpaceStore

	// The maximum duration of a smoke test.
	Timeout time.Duration

	UserAgent string
}

// Result is the outcome of a smoke test.
type Result struct {
	Endpoint   string  `json:"endpoint"`
	Success    bool    `json:"success"`
	ErrorType  string  `json:"error_type,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
	Steps      []Step  `json:"steps"`
}

type Step struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
}

// WebSocketURL returns the WebSocket endpoint served behind the given public
// HTTP endpoint.
func WebSocketURL(publicEndpoint string) (string, error) {
	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return "", errors.New("parsing public endpoint failed").Wrap(err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// HandleSmokeTest runs a smoke test against the configured endpoint and
// writes its result.
func HandleSmokeTest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := Run(r.Context(), opts)
		if err != nil {
			logs.WithTag("endpoint", opts.Endpoint).Warn(err)
		}

		status := http.StatusOK
		if !res.Success {
			status = http.StatusServiceUnavailable
		}

		b, err := json.Marshal(res)
		if err != nil {
			logs.Warn(errors.New("encoding smoke test result failed").Wrap(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(b)
	}
}

// Run connects to the WebSocket endpoint and goes through the lifecycle of a
// body in a temporary space.
func Run(ctx context.Context, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := Result{Endpoint: opts.Endpoint}

	err := run(ctx, opts, &res)
	res.DurationMS = milliseconds(time.Since(start))
	if err != nil {
		res.ErrorType = errors.Type(err)
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	return res, nil
}

func run(ctx context.Context, opts Options, res *Result) error {
	space, err := opts.Spaces.Create(spaceName, 1, 1)
	if err != nil {
		return errors.New("creating smoke test space failed").
			WithType(ErrTypeSmokeTestFailed).
			Wrap(err)
	}
	defer opts.Spaces.Remove(space.ID)

	config, err := websocket.NewConfig(opts.Endpoint, "http://localhost")
	if err != nil {
		return errors.New("creating websocket config failed").
			WithType(ErrTypeSmokeTestFailed).
			Wrap(err)
	}
	if opts.UserAgent != "" {
		config.Header.Set("User-Agent", opts.UserAgent)
	}
	config.Header.Set(sgwebsocket.HeaderClientID, "smoke-test")

	conn, err := config.DialContext(ctx)
	if err != nil {
		return errors.New("dialing websocket failed").
			WithType(ErrTypeSmokeTestFailed).
			WithTag("endpoint", opts.Endpoint).
			Wrap(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c := client{conn: conn}

	if err := step(res, "ping", func() error {
		_, err := c.request(sgwebsocket.MsgTypePing, nil, sgwebsocket.MsgTypePingResponse)
		return err
	}); err != nil {
		return err
	}

	if err := step(res, "join", func() error {
		_, err := c.request(sgwebsocket.MsgTypeJoin, sgwebsocket.JoinRequest{
			SpaceID: space.ID,
		}, sgwebsocket.MsgTypeJoinResponse)
		return err
	}); err != nil {
		return err
	}

	var body models.BodyView
	if err := step(res, "body_add", func() error {
		msg, err := c.request(sgwebsocket.MsgTypeBodyAdd, sgwebsocket.BodyAddRequest{
			Label:  spaceName,
			Bounds: models.Rect{MinX: 0.5, MinY: 0.5, MaxX: 1.5, MaxY: 0.5},
		}, sgwebsocket.MsgTypeBodyAddResponse)
		if err != nil {
			return err
		}

		var added sgwebsocket.BodyResponse
		if err := msg.DataTo(&added); err != nil {
			return err
		}
		body = added.Body
		return nil
	}); err != nil {
		return err
	}

	if err := step(res, "query_position", func() error {
		msg, err := c.request(sgwebsocket.MsgTypeQueryPosition, sgwebsocket.QueryPositionRequest{
			X: 1.2,
			Y: 0.7,
		}, sgwebsocket.MsgTypeQueryPositionResponse)
		if err != nil {
			return err
		}

		var found sgwebsocket.QueryResponse
		if err := msg.DataTo(&found); err != nil {
			return err
		}
		if len(found.Bodies) != 1 || found.Bodies[0].ID != body.ID {
			return errors.New("added body not found at its position").
				WithType(ErrTypeSmokeTestFailed).
				WithTag("body_id", body.ID).
				WithTag("bodies", found.Bodies)
		}
		return nil
	}); err != nil {
		return err
	}

	return step(res, "body_remove", func() error {
		_, err := c.request(sgwebsocket.MsgTypeBodyRemove, sgwebsocket.BodyRemoveRequest{
			BodyID: body.ID,
		}, sgwebsocket.MsgTypeBodyRemoveResponse)
		return err
	})
}

func step(res *Result, name string, f func() error) error {
	start := time.Now()
	if err := f(); err != nil {
		return errors.New("smoke test step failed").
			WithType(ErrTypeSmokeTestFailed).
			WithTag("step", name).
			Wrap(err)
	}

	res.Steps = append(res.Steps, Step{
		Name:       name,
		DurationMS: milliseconds(time.Since(start)),
	})
	return nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type client struct {
	conn          *websocket.Conn
	lastRequestID uint32
}

// request sends a message and waits for its response. Messages that do not
// answer the request are skipped.
func (c *client) request(t sgwebsocket.MsgType, data any, responseType sgwebsocket.MsgType) (sgwebsocket.Msg, error) {
	c.lastRequestID++
	requestID := c.lastRequestID

	msg, err := sgwebsocket.NewMsg(t, requestID, data)
	if err != nil {
		return sgwebsocket.Msg{}, err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return sgwebsocket.Msg{}, errors.New("encoding message failed").Wrap(err)
	}
	if err := websocket.Message.Send(c.conn, string(b)); err != nil {
		return sgwebsocket.Msg{}, errors.New("sending message failed").
			WithType(ErrTypeSmokeTestFailed).
			WithTag("msg_type", t).
			Wrap(err)
	}

	for {
		var b []byte
		if err := websocket.Message.Receive(c.conn, &b); err != nil {
			return sgwebsocket.Msg{}, errors.New("receiving message failed").
				WithType(ErrTypeSmokeTestFailed).
				WithTag("msg_type", t).
				Wrap(err)
		}

		var res sgwebsocket.Msg
		if err := json.Unmarshal(b, &res); err != nil {
			return sgwebsocket.Msg{}, errors.New("decoding message failed").
				WithType(ErrTypeSmokeTestFailed).
				Wrap(err)
		}
		if res.RequestID != requestID {
			continue
		}

		switch res.Type {
		case responseType:
			return res, nil

		case sgwebsocket.MsgTypeError:
			var errRes sgwebsocket.ErrorResponse
			res.DataTo(&errRes)
			return sgwebsocket.Msg{}, errors.New("server returned an error").
				WithType(ErrTypeSmokeTestFailed).
				WithTag("msg_type", t).
				WithTag("error_type", errRes.Type).
				WithTag("error", errRes.Message)

		default:
			return sgwebsocket.Msg{}, errors.New("unexpected response").
				WithType(ErrTypeSmokeTestFailed).
				WithTag("msg_type", t).
				WithTag("response_type", res.Type)
		}
	}
}
