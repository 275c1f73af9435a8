package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the set of endpoints exposed over HTTP.
type Dispatcher interface {
	Broadcast(ctx context.Context, caller *dispatch.Caller, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error)
	Topic(ctx context.Context, caller *dispatch.Caller, req dispatch.TopicRequest) (*dispatch.DispatchResult, error)
	User(ctx context.Context, caller *dispatch.Caller, req dispatch.UserRequest) (*dispatch.DispatchResult, error)
	RouteUpdate(ctx context.Context, caller *dispatch.Caller, req dispatch.RouteUpdateRequest) (*dispatch.DispatchResult, error)
	ScheduleChange(ctx context.Context, caller *dispatch.Caller, req dispatch.ScheduleChangeRequest) (*dispatch.DispatchResult, error)
}

// IdentityFunc extracts the authenticated user from a request context.
type IdentityFunc func(ctx context.Context) (string, bool)

// DispatchAPI speaks the callable protocol: requests are {"data": {...}},
// replies are {"result": {...}} or {"error": {"status", "message"}}.
type DispatchAPI struct {
	Service  Dispatcher
	Identity IdentityFunc
	Logger   *slog.Logger
}

func NewDispatchAPI(service Dispatcher, identity IdentityFunc, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{
		Service:  service,
		Identity: identity,
		Logger:   logger,
	}
}

type callableRequest[T any] struct {
	Data T `json:"data"`
}

type callableResult struct {
	Result *dispatch.DispatchResult `json:"result"`
}

type callableError struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (api *DispatchAPI) SendToAll(w http.ResponseWriter, r *http.Request) {
	serve(api, w, r, api.Service.Broadcast)
}

func (api *DispatchAPI) SendToTopic(w http.ResponseWriter, r *http.Request) {
	serve(api, w, r, api.Service.Topic)
}

func (api *DispatchAPI) SendToUser(w http.ResponseWriter, r *http.Request) {
	serve(api, w, r, api.Service.User)
}

func (api *DispatchAPI) SendRouteUpdate(w http.ResponseWriter, r *http.Request) {
	serve(api, w, r, api.Service.RouteUpdate)
}

func (api *DispatchAPI) SendScheduleChange(w http.ResponseWriter, r *http.Request) {
	serve(api, w, r, api.Service.ScheduleChange)
}

type endpoint[T any] func(ctx context.Context, caller *dispatch.Caller, req T) (*dispatch.DispatchResult, error)

func serve[T any](api *DispatchAPI, w http.ResponseWriter, r *http.Request, call endpoint[T]) {
	ctx := r.Context()

	var caller *dispatch.Caller
	if uid, ok := api.Identity(ctx); ok {
		caller = &dispatch.Caller{UID: uid}
	} else {
		// Identity is checked before the body is even read.
		writeError(w, dispatch.Unauthenticated())
		return
	}

	var req callableRequest[T]
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.Logger.Warn("Callable body decode failed", "path", r.URL.Path, "err", err)
		writeError(w, dispatch.InvalidArgument("Request body must be a JSON object with a data field."))
		return
	}

	res, err := call(ctx, caller, req.Data)
	if err != nil {
		var de *dispatch.Error
		if !errors.As(err, &de) {
			api.Logger.Error("Endpoint returned an untyped error", "path", r.URL.Path, "err", err)
			de = dispatch.Internal("Internal error.")
		}
		writeError(w, de)
		return
	}

	writeJSON(w, http.StatusOK, callableResult{Result: res})
}

func writeError(w http.ResponseWriter, err *dispatch.Error) {
	writeJSON(w, httpStatus(err.Code), callableError{Error: errorBody{
		Status:  dispatch.Status(err.Code),
		Message: err.Message,
	}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.FailedPrecondition, codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
