package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, flags ...string) (*httptest.Server, *models.SpaceStore) {
	logs.SetLogger(func(e logs.Entry) {
		t.Log(e)
	})

	var store models.SpaceStore
	api := API{
		Spaces:       &store,
		FeatureFlags: featureflag.New(flags),
	}

	var mux http.ServeMux
	api.Register(&mux)

	server := httptest.NewServer(&mux)
	t.Cleanup(server.Close)
	return server, &store
}

func doRequest(t *testing.T, method, url string, body any, out any) int {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	if out != nil && len(b) != 0 {
		require.NoError(t, json.Unmarshal(b, out), string(b))
	}
	return res.StatusCode
}

func TestAPISpaces(t *testing.T) {
	server, store := newTestAPI(t)

	t.Run("create space", func(t *testing.T) {
		var space models.SpaceView
		status := doRequest(t, http.MethodPost, server.URL+"/spaces", createSpaceRequest{
			Name:      "arena",
			CellSizeX: 10,
			CellSizeY: 10,
		}, &space)

		require.Equal(t, http.StatusCreated, status)
		require.Equal(t, uint32(1), space.ID)
		require.Equal(t, "arena", space.Name)
		require.Equal(t, 10.0, space.CellSizeX)
		require.NotEmpty(t, space.UUID)
		require.Equal(t, 1, store.Count())
	})

	t.Run("create space with invalid cell size", func(t *testing.T) {
		var res errorResponse
		status := doRequest(t, http.MethodPost, server.URL+"/spaces", createSpaceRequest{
			CellSizeX: 0,
			CellSizeY: 10,
		}, &res)

		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, grid.ErrTypeInvalidConfiguration, res.Error.Type)
	})

	t.Run("create space with malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/spaces", bytes.NewBufferString("{"))
		require.NoError(t, err)

		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("list spaces", func(t *testing.T) {
		var res struct {
			Spaces []models.SpaceView `json:"spaces"`
		}
		status := doRequest(t, http.MethodGet, server.URL+"/spaces", nil, &res)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, res.Spaces, 1)
	})

	t.Run("get space", func(t *testing.T) {
		var space models.SpaceView
		status := doRequest(t, http.MethodGet, server.URL+"/spaces/1", nil, &space)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "arena", space.Name)
	})

	t.Run("get unknown space", func(t *testing.T) {
		var res errorResponse
		status := doRequest(t, http.MethodGet, server.URL+"/spaces/42", nil, &res)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, models.ErrTypeSpaceNotFound, res.Error.Type)
	})

	t.Run("get space with invalid id", func(t *testing.T) {
		var res errorResponse
		status := doRequest(t, http.MethodGet, server.URL+"/spaces/abc", nil, &res)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, ErrTypeBadRequest, res.Error.Type)
	})

	t.Run("delete space", func(t *testing.T) {
		status := doRequest(t, http.MethodDelete, server.URL+"/spaces/1", nil, nil)
		require.Equal(t, http.StatusNoContent, status)
		require.Zero(t, store.Count())

		status = doRequest(t, http.MethodDelete, server.URL+"/spaces/1", nil, nil)
		require.Equal(t, http.StatusNotFound, status)
	})
}

func TestAPIBodies(t *testing.T) {
	server, store := newTestAPI(t)

	space, err := store.Create("arena", 10, 10)
	require.NoError(t, err)
	spaceURL := fmt.Sprintf("%s/spaces/%d", server.URL, space.ID)

	var body models.BodyView

	t.Run("add body", func(t *testing.T) {
		status := doRequest(t, http.MethodPost, spaceURL+"/bodies", bodyRequest{
			Label:  "crate",
			Bounds: models.Rect{MinX: 2, MinY: 2, MaxX: 12, MaxY: 2},
		}, &body)

		require.Equal(t, http.StatusCreated, status)
		require.NotZero(t, body.ID)
		require.Equal(t, "crate", body.Label)
	})

	t.Run("add body with invalid bounds", func(t *testing.T) {
		var res errorResponse
		status := doRequest(t, http.MethodPost, spaceURL+"/bodies", bodyRequest{
			Bounds: models.Rect{MinX: 5, MaxX: 0},
		}, &res)

		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, models.ErrTypeInvalidBounds, res.Error.Type)
	})

	t.Run("query cells", func(t *testing.T) {
		for _, cell := range [][2]int{{0, 0}, {1, 0}} {
			var res cellResponse
			status := doRequest(t, http.MethodGet, fmt.Sprintf("%s/cells/%d/%d", spaceURL, cell[0], cell[1]), nil, &res)
			require.Equal(t, http.StatusOK, status)
			require.Equal(t, 1, res.Count)
			require.Equal(t, body.ID, res.Bodies[0].ID)
		}

		var res cellResponse
		status := doRequest(t, http.MethodGet, spaceURL+"/cells/0/1", nil, &res)
		require.Equal(t, http.StatusOK, status)
		require.Zero(t, res.Count)
	})

	t.Run("query position", func(t *testing.T) {
		var res cellResponse
		status := doRequest(t, http.MethodGet, spaceURL+"/position?x=15&y=5", nil, &res)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 1, res.CellX)
		require.Equal(t, 0, res.CellY)
		require.Equal(t, 1, res.Count)

		status = doRequest(t, http.MethodGet, spaceURL+"/position?x=-15&y=-5", nil, &res)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, -2, res.CellX)
		require.Equal(t, -1, res.CellY)
		require.Zero(t, res.Count)

		for _, query := range []string{"x=abc&y=5", "x=NaN&y=5", "x=5&y=Inf", "x=-Inf&y=5"} {
			var errRes errorResponse
			status = doRequest(t, http.MethodGet, spaceURL+"/position?"+query, nil, &errRes)
			require.Equal(t, http.StatusBadRequest, status, query)
			require.Equal(t, ErrTypeBadRequest, errRes.Error.Type, query)
		}
	})

	t.Run("move body", func(t *testing.T) {
		var moved models.BodyView
		status := doRequest(t, http.MethodPut, fmt.Sprintf("%s/bodies/%d", spaceURL, body.ID), bodyRequest{
			Bounds: models.Rect{MinX: 50, MinY: 50, MaxX: 50, MaxY: 50},
		}, &moved)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 50.0, moved.Bounds.MinX)

		var res cellResponse
		doRequest(t, http.MethodGet, spaceURL+"/cells/0/0", nil, &res)
		require.Zero(t, res.Count)
		doRequest(t, http.MethodGet, spaceURL+"/cells/5/5", nil, &res)
		require.Equal(t, 1, res.Count)
	})

	t.Run("touch and reindex body", func(t *testing.T) {
		bodyURL := fmt.Sprintf("%s/bodies/%d", spaceURL, body.ID)

		status := doRequest(t, http.MethodPost, bodyURL+"/touch", bodyRequest{
			Bounds: models.Rect{MinX: -5, MinY: -5, MaxX: -5, MaxY: -5},
		}, nil)
		require.Equal(t, http.StatusOK, status)

		var res cellResponse
		doRequest(t, http.MethodGet, spaceURL+"/cells/5/5", nil, &res)
		require.Equal(t, 1, res.Count)

		status = doRequest(t, http.MethodPost, bodyURL+"/reindex", nil, nil)
		require.Equal(t, http.StatusOK, status)

		doRequest(t, http.MethodGet, spaceURL+"/cells/5/5", nil, &res)
		require.Zero(t, res.Count)
		doRequest(t, http.MethodGet, spaceURL+"/cells/-1/-1", nil, &res)
		require.Equal(t, 1, res.Count)
	})

	t.Run("get body", func(t *testing.T) {
		var b models.BodyView
		status := doRequest(t, http.MethodGet, fmt.Sprintf("%s/bodies/%d", spaceURL, body.ID), nil, &b)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, body.ID, b.ID)

		status = doRequest(t, http.MethodGet, spaceURL+"/bodies/999", nil, nil)
		require.Equal(t, http.StatusNotFound, status)
	})

	t.Run("list bodies", func(t *testing.T) {
		var res struct {
			Bodies []models.BodyView `json:"bodies"`
		}
		status := doRequest(t, http.MethodGet, spaceURL+"/bodies", nil, &res)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, res.Bodies, 1)
	})

	t.Run("debug", func(t *testing.T) {
		var info grid.DebugInfo
		status := doRequest(t, http.MethodGet, spaceURL+"/debug", nil, &info)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 1, info.CellCount)
		require.Equal(t, 1, info.EntryCount)
	})

	t.Run("remove body", func(t *testing.T) {
		bodyURL := fmt.Sprintf("%s/bodies/%d", spaceURL, body.ID)

		status := doRequest(t, http.MethodDelete, bodyURL, nil, nil)
		require.Equal(t, http.StatusNoContent, status)

		var res errorResponse
		status = doRequest(t, http.MethodDelete, bodyURL, nil, &res)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, models.ErrTypeBodyNotFound, res.Error.Type)
	})

	t.Run("clear space", func(t *testing.T) {
		_, err := space.AddBody("", models.Rect{})
		require.NoError(t, err)

		status := doRequest(t, http.MethodPost, spaceURL+"/clear", nil, nil)
		require.Equal(t, http.StatusNoContent, status)
		require.Zero(t, space.BodyCount())
	})
}

func TestAPIDebugEndpointDisabled(t *testing.T) {
	server, store := newTestAPI(t, string(featureflag.FlagDisableDebugEndpoint))

	space, err := store.Create("", 1, 1)
	require.NoError(t, err)

	status := doRequest(t, http.MethodGet, fmt.Sprintf("%s/spaces/%d/debug", server.URL, space.ID), nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestAPIRequestTooLarge(t *testing.T) {
	var store models.SpaceStore
	api := API{Spaces: &store, MaxRequestSize: 8}

	var mux http.ServeMux
	api.Register(&mux)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/spaces", bytes.NewBufferString(`{"cell_size_x":1,"cell_size_y":1}`))
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, store.Count())
}
