package http

import (
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeBadRequest = "bad_request"

	defaultMaxRequestSize = 1 << 20
)

// API exposes the spaces of a store over HTTP.
type API struct {
	Spaces         *models.SpaceStore
	FeatureFlags   featureflag.FeatureFlag
	MaxRequestSize int64
}

// Register registers the API routes on the given mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /spaces", a.handleCreateSpace)
	mux.HandleFunc("GET /spaces", a.handleListSpaces)
	mux.HandleFunc("GET /spaces/{space}", a.handleGetSpace)
	mux.HandleFunc("DELETE /spaces/{space}", a.handleDeleteSpace)
	mux.HandleFunc("POST /spaces/{space}/clear", a.handleClearSpace)

	mux.HandleFunc("POST /spaces/{space}/bodies", a.handleAddBody)
	mux.HandleFunc("GET /spaces/{space}/bodies", a.handleListBodies)
	mux.HandleFunc("GET /spaces/{space}/bodies/{body}", a.handleGetBody)
	mux.HandleFunc("PUT /spaces/{space}/bodies/{body}", a.handleMoveBody)
	mux.HandleFunc("DELETE /spaces/{space}/bodies/{body}", a.handleRemoveBody)
	mux.HandleFunc("POST /spaces/{space}/bodies/{body}/touch", a.handleTouchBody)
	mux.HandleFunc("POST /spaces/{space}/bodies/{body}/reindex", a.handleReindexBody)

	mux.HandleFunc("GET /spaces/{space}/cells/{x}/{y}", a.handleGetCell)
	mux.HandleFunc("GET /spaces/{space}/position", a.handleGetPosition)

	a.FeatureFlags.IfNotSet(featureflag.FlagDisableDebugEndpoint, func() {
		mux.HandleFunc("GET /spaces/{space}/debug", a.handleDebug)
	})
}

type createSpaceRequest struct {
	Name      string  `json:"name"`
	CellSizeX float64 `json:"cell_size_x"`
	CellSizeY float64 `json:"cell_size_y"`
}

type bodyRequest struct {
	Label  string      `json:"label"`
	Bounds models.Rect `json:"bounds"`
}

type cellResponse struct {
	CellX  int               `json:"cell_x"`
	CellY  int               `json:"cell_y"`
	Count  int               `json:"count"`
	Bodies []models.BodyView `json:"bodies"`
}

func (a *API) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	var req createSpaceRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	space, err := a.Spaces.Create(req.Name, req.CellSizeX, req.CellSizeY)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logs.WithTag("space_id", space.ID).
		WithTag("space_uuid", space.UUID).
		WithTag("cell_size_x", req.CellSizeX).
		WithTag("cell_size_y", req.CellSizeY).
		Info("space created")

	writeJSON(w, http.StatusCreated, space.View())
}

func (a *API) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	spaces := a.Spaces.List()

	views := make([]models.SpaceView, len(spaces))
	for i, s := range spaces {
		views[i] = s.View()
	}

	writeJSON(w, http.StatusOK, struct {
		Spaces []models.SpaceView `json:"spaces"`
	}{
		Spaces: views,
	})
}

func (a *API) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, space.View())
}

func (a *API) handleDeleteSpace(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if a.Spaces.Remove(space.ID) {
		logs.WithTag("space_id", space.ID).
			WithTag("space_uuid", space.UUID).
			Info("space deleted")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearSpace(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	space.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddBody(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req bodyRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	body, err := space.AddBody(req.Label, req.Bounds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body.View())
}

func (a *API) handleListBodies(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Bodies []models.BodyView `json:"bodies"`
	}{
		Bodies: models.BodiesToViews(space.Bodies()),
	})
}

func (a *API) handleGetBody(w http.ResponseWriter, r *http.Request) {
	space, bodyID, err := a.spaceAndBodyID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, ok := space.Body(bodyID)
	if !ok {
		writeError(w, r, errors.New("body not found").
			WithType(models.ErrTypeBodyNotFound).
			WithTag("space_id", space.ID).
			WithTag("body_id", bodyID))
		return
	}
	writeJSON(w, http.StatusOK, body.View())
}

func (a *API) handleMoveBody(w http.ResponseWriter, r *http.Request) {
	a.updateBody(w, r, func(space *models.Space, id uint32, bounds models.Rect) (*models.Body, error) {
		return space.MoveBody(id, bounds)
	})
}

func (a *API) handleTouchBody(w http.ResponseWriter, r *http.Request) {
	a.updateBody(w, r, func(space *models.Space, id uint32, bounds models.Rect) (*models.Body, error) {
		return space.Touch(id, bounds)
	})
}

func (a *API) updateBody(w http.ResponseWriter, r *http.Request, update func(*models.Space, uint32, models.Rect) (*models.Body, error)) {
	space, bodyID, err := a.spaceAndBodyID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req bodyRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	body, err := update(space, bodyID, req.Bounds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body.View())
}

func (a *API) handleReindexBody(w http.ResponseWriter, r *http.Request) {
	space, bodyID, err := a.spaceAndBodyID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := space.Reindex(bodyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body.View())
}

func (a *API) handleRemoveBody(w http.ResponseWriter, r *http.Request) {
	space, bodyID, err := a.spaceAndBodyID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := space.RemoveBody(bodyID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetCell(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	x, err := parseInt(r.PathValue("x"), "x")
	if err != nil {
		writeError(w, r, err)
		return
	}
	y, err := parseInt(r.PathValue("y"), "y")
	if err != nil {
		writeError(w, r, err)
		return
	}

	bodies := space.BodiesAtCell(x, y)
	writeJSON(w, http.StatusOK, cellResponse{
		CellX:  x,
		CellY:  y,
		Count:  len(bodies),
		Bodies: models.BodiesToViews(bodies),
	})
}

func (a *API) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	x, err := parseFloat(query.Get("x"), "x")
	if err != nil {
		writeError(w, r, err)
		return
	}
	y, err := parseFloat(query.Get("y"), "y")
	if err != nil {
		writeError(w, r, err)
		return
	}

	cellX, cellY, bodies := space.BodiesAtPosition(x, y)
	writeJSON(w, http.StatusOK, cellResponse{
		CellX:  cellX,
		CellY:  cellY,
		Count:  len(bodies),
		Bodies: models.BodiesToViews(bodies),
	})
}

func (a *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	space, err := a.space(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, space.DebugInfo())
}

func (a *API) space(r *http.Request) (*models.Space, error) {
	id, err := parseID(r.PathValue("space"), "space")
	if err != nil {
		return nil, err
	}
	return a.Spaces.Lookup(id)
}

func (a *API) spaceAndBodyID(r *http.Request) (*models.Space, uint32, error) {
	space, err := a.space(r)
	if err != nil {
		return nil, 0, err
	}

	bodyID, err := parseID(r.PathValue("body"), "body")
	if err != nil {
		return nil, 0, err
	}
	return space, bodyID, nil
}

func (a *API) decode(r *http.Request, v any) error {
	maxSize := a.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		return errors.New("reading body failed").Wrap(err)
	}
	if int64(len(b)) > maxSize {
		return errors.New("request body is too large").
			WithType(ErrTypeBadRequest).
			WithTag("max_size", maxSize)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.New("decoding request body failed").
			WithType(ErrTypeBadRequest).
			Wrap(err)
	}
	return nil
}

func parseID(s, name string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.New("invalid id").
			WithType(ErrTypeBadRequest).
			WithTag("param", name).
			WithTag("value", s)
	}
	return uint32(id), nil
}

func parseInt(s, name string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid integer").
			WithType(ErrTypeBadRequest).
			WithTag("param", name).
			WithTag("value", s)
	}
	return v, nil
}

func parseFloat(s, name string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("invalid number").
			WithType(ErrTypeBadRequest).
			WithTag("param", name).
			WithTag("value", s)
	}
	return v, nil
}

// StatusFromError returns the HTTP status code matching the type of err.
func StatusFromError(err error) int {
	switch errors.Type(err) {
	case models.ErrTypeSpaceNotFound, models.ErrTypeBodyNotFound:
		return http.StatusNotFound

	case ErrTypeBadRequest,
		models.ErrTypeInvalidBounds,
		models.ErrTypeBodyTooLarge,
		grid.ErrTypeInvalidConfiguration:
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFromError(err)

	entry := logs.WithTag("method", r.Method).
		WithTag("path", r.URL.Path).
		WithTag("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error(err)
	} else {
		entry.Debug(err)
	}

	writeJSON(w, status, errorResponse{
		Error: errorBody{
			Type:    errors.Type(err),
			Message: err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
