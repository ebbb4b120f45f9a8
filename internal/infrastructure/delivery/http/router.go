// Package httprouter exposes the task API, the live feed and operational endpoints.
package httprouter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"mediaqueue/internal/broadcast"
	"mediaqueue/internal/consts"
	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
	"mediaqueue/internal/infrastructure/delivery/http/middleware"
	"mediaqueue/internal/infrastructure/delivery/http/request"
	"mediaqueue/internal/infrastructure/delivery/http/response"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/service"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultCleanupAge = 24 * time.Hour

type chain []func(http.Handler) http.Handler

func (c chain) then(h http.Handler) http.Handler {
	for _, mw := range slices.Backward(c) {
		h = mw(h)
	}

	return h
}

// Options configures a Router.
type Options struct {
	HandlerTimeout time.Duration
	// WriteTimeout bounds one websocket frame write.
	WriteTimeout time.Duration
	// RateLimiter is optional; nil disables per-client limiting.
	RateLimiter *middleware.RateLimiter
}

type Router struct {
	*http.ServeMux

	log         *slog.Logger
	globalChain chain
	routeChain  chain
	isSubRouter bool
	handler     http.Handler

	svc      *service.Service
	hub      *broadcast.Hub
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	opt      Options
}

func New(log *slog.Logger, svc *service.Service, hub *broadcast.Hub, metrics *observability.Metrics,
	gatherer prometheus.Gatherer, opt Options,
) *Router {
	if opt.HandlerTimeout <= 0 {
		opt.HandlerTimeout = consts.DefaultHandlerTimeout
	}

	r := &Router{
		ServeMux: http.NewServeMux(),
		log:      log.With(slog.String("package", "httprouter")),
		svc:      svc,
		hub:      hub,
		metrics:  metrics,
		gatherer: gatherer,
		opt:      opt,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	r.handler = r.globalChain.then(r.ServeMux)

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	if r.isSubRouter {
		r.routeChain = append(r.routeChain, middleware...)
	} else {
		r.globalChain = append(r.globalChain, middleware...)
	}
}

func (r *Router) Group(fn func(r *Router)) {
	subRouter := &Router{
		ServeMux:    r.ServeMux,
		log:         r.log,
		isSubRouter: true,
		routeChain:  slices.Clone(r.routeChain),
	}

	fn(subRouter)
}

func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.Handle(pattern, h)
}

func (r *Router) Handle(pattern string, h http.Handler) {
	r.ServeMux.Handle(pattern, r.routeChain.then(h))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// SetGlobalMiddlewares installs the chain wrapped around the mux. Metrics sits
// last so it observes the pattern chosen by the mux.
func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.Logger,
		middleware.Metrics(r.metrics),
	)
}

func (r *Router) SetRoutes() {
	r.SetRoutesHealthcheck()
	r.SetRoutesDownloads()
}

func (r *Router) SetRoutesHealthcheck() {
	r.HandleFunc("GET /v1/readyz", r.Health)
	r.HandleFunc("GET /downloads/health", r.Health)
	r.Handle("GET /metrics", observability.Handler(r.gatherer))
}

func (r *Router) SetRoutesDownloads() {
	r.Group(func(g *Router) {
		if r.opt.RateLimiter != nil {
			g.Use(middleware.RateLimit(r.opt.RateLimiter))
		}

		g.HandleFunc("POST /downloads/extract", r.Extract)
		g.HandleFunc("POST /downloads/add", r.Create)
		g.HandleFunc("POST /downloads/start/{id}", r.Start)
		g.HandleFunc("GET /downloads/tasks", r.List)
		g.HandleFunc("GET /downloads/tasks/active", r.Active)
		g.HandleFunc("GET /downloads/tasks/{id}", r.Get)
		g.HandleFunc("DELETE /downloads/tasks/{id}", r.Delete)
		g.HandleFunc("POST /downloads/cancel/{id}", r.Cancel)
		g.HandleFunc("POST /downloads/batch/add", r.BatchCreate)
		g.HandleFunc("POST /downloads/batch/start", r.BatchStart)
		g.HandleFunc("GET /downloads/stats", r.Stats)
		g.HandleFunc("POST /downloads/cleanup", r.Cleanup)
		g.HandleFunc("GET /downloads/supported-sites", r.SupportedSites)
	})

	r.HandleFunc("GET /downloads/ws", r.Feed)
}

func (r *Router) timeout(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), r.opt.HandlerTimeout)
}

// fail maps err onto a status code and writes the envelope.
func (r *Router) fail(ctx context.Context, log *slog.Logger, w http.ResponseWriter, msg string, err error) {
	var ve *errs.ValidationError

	switch {
	case errors.Is(err, errs.ErrInvalidRequestBody):
		log.DebugContext(ctx, consts.RespInvalidRequestBody, slog.Any("error", err))
		response.BadRequest(w, consts.RespInvalidRequestBody, err)
	case errors.As(err, &ve):
		log.DebugContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, ve, err)
	case errors.Is(err, errs.ErrNotFound):
		log.DebugContext(ctx, consts.RespTaskNotFound, slog.Any("error", err))
		response.NotFound(w, consts.RespTaskNotFound, err)
	case errors.Is(err, errs.ErrConflict):
		log.DebugContext(ctx, consts.RespTaskConflict, slog.Any("error", err))
		response.Conflict(w, consts.RespTaskConflict, err)
	case errors.Is(err, errs.ErrQueueFull), errors.Is(err, errs.ErrServiceClosed):
		log.WarnContext(ctx, consts.RespQueueFull, slog.Any("error", err))
		response.ServiceUnavailable(w, consts.RespQueueFull, err)
	case errors.Is(err, errs.ErrBatchTooLarge):
		log.DebugContext(ctx, msg, slog.Any("error", err))
		response.BadRequest(w, msg, err)
	case errors.Is(err, errs.ErrExtractionFailed), errors.Is(err, errs.ErrUnsupportedSite):
		log.InfoContext(ctx, consts.RespExtractFail, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespExtractFail, nil, err)
	default:
		log.ErrorContext(ctx, msg, slog.Any("error", err))
		response.InternalServerError(w, msg, nil, err)
	}
}

func (r *Router) Health(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, consts.RespHealthy, map[string]string{"status": "ok"}, nil)
}

func (r *Router) Extract(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Extract")

	ctx, cancel := r.timeout(req)
	defer cancel()

	var in request.Extract
	if err := request.Decode(w, req, &in); err != nil {
		r.fail(ctx, log, w, consts.RespInvalidRequestBody, err)

		return
	}

	info, err := r.svc.Extract(ctx, in.URL, in.Cookies)
	if err != nil {
		r.fail(ctx, log, w, consts.RespExtractFail, err)

		return
	}

	response.OK(w, consts.RespExtracted, info, nil)
}

func (r *Router) Create(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Create")

	ctx, cancel := r.timeout(req)
	defer cancel()

	var in request.Create
	if err := request.Decode(w, req, &in); err != nil {
		r.fail(ctx, log, w, consts.RespInvalidRequestBody, err)

		return
	}

	task, err := r.svc.Create(ctx, in.Spec())
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	log.InfoContext(ctx, consts.RespTaskCreated, slog.Any("task", task))

	response.Created(w, consts.RespTaskCreated, createdTask{task, task.ID}, nil)
}

// createdTask repeats the id as task_id for clients that only read that key.
type createdTask struct {
	entity.Task

	TaskID string `json:"task_id"`
}

func (r *Router) Start(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Start")

	ctx, cancel := r.timeout(req)
	defer cancel()

	task, err := r.svc.Start(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, log, w, consts.RespTaskEnqueueFail, err)

		return
	}

	response.Accepted(w, consts.RespTaskEnqueued, task, nil)
}

func (r *Router) Get(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Get")

	ctx, cancel := r.timeout(req)
	defer cancel()

	task, err := r.svc.Get(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	response.OK(w, consts.RespTaskRetrieved, task, nil)
}

func (r *Router) List(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "List")

	ctx, cancel := r.timeout(req)
	defer cancel()

	query := req.URL.Query()
	filter := entity.Filter{Status: entity.Status(query.Get("status"))}

	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		response.BadRequest(w, consts.RespQueryParamMissing, err)

		return
	}

	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		response.BadRequest(w, consts.RespQueryParamMissing, err)

		return
	}

	page, err := r.svc.List(ctx, filter)
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	response.OK(w, consts.RespTasksRetrieved, page, nil)
}

func (r *Router) Active(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := r.timeout(req)
	defer cancel()

	tasks := r.svc.Active(ctx)

	response.OK(w, consts.RespTasksRetrieved, map[string]any{"tasks": tasks, "count": len(tasks)}, nil)
}

func (r *Router) Cancel(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Cancel")

	ctx, cancel := r.timeout(req)
	defer cancel()

	task, err := r.svc.Cancel(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	log.InfoContext(ctx, consts.RespTaskCancelled, slog.String("task_id", task.ID))

	response.OK(w, consts.RespTaskCancelled, task, nil)
}

func (r *Router) Delete(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Delete")

	ctx, cancel := r.timeout(req)
	defer cancel()

	task, err := r.svc.Delete(ctx, req.PathValue("id"))
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	response.OK(w, consts.RespTaskDeleted, task, nil)
}

type batchResponse struct {
	entity.BatchResult

	ProcessingTime float64 `json:"processing_time"`
}

func (r *Router) BatchCreate(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "BatchCreate")

	ctx, cancel := r.timeout(req)
	defer cancel()

	var in []request.Create
	if err := request.Decode(w, req, &in); err != nil {
		r.fail(ctx, log, w, consts.RespInvalidRequestBody, err)

		return
	}

	specs := make([]entity.TaskSpec, 0, len(in))
	for _, c := range in {
		specs = append(specs, c.Spec())
	}

	res, err := r.svc.BatchCreate(ctx, specs)
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	response.OK(w, consts.RespBatchProcessed, batchResponse{res, res.ProcessingTime.Seconds()}, nil)
}

func (r *Router) BatchStart(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "BatchStart")

	ctx, cancel := r.timeout(req)
	defer cancel()

	var ids []string
	if err := request.Decode(w, req, &ids); err != nil {
		r.fail(ctx, log, w, consts.RespInvalidRequestBody, err)

		return
	}

	res, err := r.svc.BatchStart(ctx, ids)
	if err != nil {
		r.fail(ctx, log, w, consts.RespInternalError, err)

		return
	}

	response.OK(w, consts.RespBatchProcessed, batchResponse{res, res.ProcessingTime.Seconds()}, nil)
}

func (r *Router) Stats(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := r.timeout(req)
	defer cancel()

	response.OK(w, consts.RespStatsRetrieved, r.svc.Stats(ctx), nil)
}

func (r *Router) Cleanup(w http.ResponseWriter, req *http.Request) {
	log := r.log.With("handler", "Cleanup")

	ctx, cancel := r.timeout(req)
	defer cancel()

	maxAge := defaultCleanupAge

	if raw := req.URL.Query().Get("max_age_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			response.BadRequest(w, consts.RespQueryParamMissing, errors.New("max_age_hours must be a non-negative number"))

			return
		}

		maxAge = time.Duration(hours * float64(time.Hour))
	}

	removed := r.svc.Cleanup(ctx, maxAge)

	ids := make([]string, 0, len(removed))
	for _, t := range removed {
		ids = append(ids, t.ID)
	}

	log.InfoContext(ctx, consts.RespCleanupDone, slog.Int("removed", len(ids)), slog.Duration("max_age", maxAge))

	response.OK(w, consts.RespCleanupDone, map[string]any{"removed": ids, "count": len(ids)}, nil)
}

func (r *Router) SupportedSites(w http.ResponseWriter, _ *http.Request) {
	sites := r.svc.SupportedSites()

	response.OK(w, consts.RespSupportedSites, map[string]any{"supported_sites": sites, "total_sites": len(sites)}, nil)
}

// intParam parses an optional non-negative integer query value; empty means 0.
func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer: " + raw)
	}

	return n, nil
}
