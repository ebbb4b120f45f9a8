package httprouter_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediaqueue/internal/broadcast"
	"mediaqueue/internal/downloader"
	"mediaqueue/internal/engine"
	"mediaqueue/internal/entity"
	httprouter "mediaqueue/internal/infrastructure/delivery/http"
	"mediaqueue/internal/infrastructure/delivery/http/middleware"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/progress"
	"mediaqueue/internal/service"
	"mediaqueue/internal/storage"
	"mediaqueue/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// newRouter wires the full stack around a mock downloader. The engine is not
// running, so started tasks stay queued.
func newRouter(t *testing.T, limiter *middleware.RateLimiter) *httprouter.Router {
	t.Helper()

	log := logger.Discard()
	mock := downloader.NewMock(log, downloader.MockOptions{Duration: time.Second, Steps: 2, Size: 100})
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	store := storage.New(log, storage.Options{RejectDuplicates: true}, nil, metrics)
	hub := broadcast.New(log, store, metrics, broadcast.Options{BufferSize: 64})
	agg := progress.New(log, store, hub, metrics, progress.Options{Interval: 500 * time.Millisecond})
	eng := engine.New(log, store, agg, engine.Collaborators{
		Extractor:     mock,
		Fetcher:       mock,
		PostProcessor: mock,
	}, metrics, engine.Options{MaxConcurrent: 1, QueueSize: 1, DownloadDir: t.TempDir()})
	svc := service.New(log, store, eng, agg, hub, mock, metrics, service.Options{})

	return httprouter.New(log, svc, hub, metrics, reg, httprouter.Options{RateLimiter: limiter})
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, envelope) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, rd))

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}

	return rec.Code, env
}

func createTask(t *testing.T, h http.Handler, url string) entity.Task {
	t.Helper()

	code, env := do(t, h, http.MethodPost, "/downloads/add", fmt.Sprintf(`{"url":%q,"quality":"720p"}`, url))
	require.Equal(t, http.StatusCreated, code, env.Error)

	var task struct {
		entity.Task

		TaskID string `json:"task_id"`
	}

	require.NoError(t, json.Unmarshal(env.Data, &task))
	require.NotEmpty(t, task.TaskID)
	require.Equal(t, task.ID, task.TaskID)

	return task.Task
}

func TestHealth(t *testing.T) {
	r := newRouter(t, nil)

	for _, target := range []string{"/v1/readyz", "/downloads/health"} {
		code, env := do(t, r, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, code, target)
		assert.JSONEq(t, `{"status":"ok"}`, string(env.Data), target)
	}
}

func TestCreateAndGet(t *testing.T) {
	r := newRouter(t, nil)

	task := createTask(t, r, "https://youtube.com/watch?v=1")
	assert.Equal(t, entity.StatusPending, task.Status)
	assert.Equal(t, entity.Quality720, task.Quality)
	assert.Equal(t, entity.PostProcessingNone, task.PostProcessing)

	code, env := do(t, r, http.MethodGet, "/downloads/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, code)

	var got entity.Task
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, task.ID, got.ID)

	code, _ = do(t, r, http.MethodGet, "/downloads/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{name: "malformed json", body: `{"url":`, wantCode: http.StatusBadRequest},
		{name: "trailing data", body: `{"url":"https://a.com/v"} {}`, wantCode: http.StatusBadRequest},
		{name: "missing url", body: `{}`, wantCode: http.StatusUnprocessableEntity, wantField: "url"},
		{
			name:      "unknown quality",
			body:      `{"url":"https://a.com/v","quality":"8k"}`,
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "quality",
		},
		{
			name:      "path in filename",
			body:      `{"url":"https://a.com/v","custom_filename":"../x"}`,
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "custom_filename",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, nil)

			code, env := do(t, r, http.MethodPost, "/downloads/add", tt.body)
			require.Equal(t, tt.wantCode, code, env.Error)
			assert.NotEmpty(t, env.Error)

			if tt.wantField != "" {
				var details struct {
					Field string `json:"field"`
				}

				require.NoError(t, json.Unmarshal(env.Data, &details))
				assert.Equal(t, tt.wantField, details.Field)
			}
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	r := newRouter(t, nil)

	createTask(t, r, "https://a.com/v")

	code, _ := do(t, r, http.MethodPost, "/downloads/add", `{"url":"https://a.com/v"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestStart(t *testing.T) {
	r := newRouter(t, nil)

	a := createTask(t, r, "https://a.com/v")
	b := createTask(t, r, "https://b.com/v")

	code, env := do(t, r, http.MethodPost, "/downloads/start/"+a.ID, "")
	require.Equal(t, http.StatusAccepted, code, env.Error)

	var queued entity.Task
	require.NoError(t, json.Unmarshal(env.Data, &queued))
	assert.True(t, queued.Queued)
	assert.Equal(t, entity.StatusPending, queued.Status)

	code, _ = do(t, r, http.MethodPost, "/downloads/start/"+a.ID, "")
	assert.Equal(t, http.StatusConflict, code, "already queued")

	code, _ = do(t, r, http.MethodPost, "/downloads/start/"+b.ID, "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "queue full")

	code, _ = do(t, r, http.MethodPost, "/downloads/start/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = do(t, r, http.MethodGet, "/downloads/tasks/"+b.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"queued":false`)
}

func TestCancelAndDelete(t *testing.T) {
	r := newRouter(t, nil)

	task := createTask(t, r, "https://a.com/v")

	code, env := do(t, r, http.MethodPost, "/downloads/cancel/"+task.ID, "")
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Contains(t, string(env.Data), `"status":"cancelled"`)

	code, _ = do(t, r, http.MethodPost, "/downloads/cancel/"+task.ID, "")
	assert.Equal(t, http.StatusConflict, code, "cancel terminal task")

	code, _ = do(t, r, http.MethodDelete, "/downloads/tasks/"+task.ID, "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodGet, "/downloads/tasks/"+task.ID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, http.MethodDelete, "/downloads/tasks/"+task.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestList(t *testing.T) {
	r := newRouter(t, nil)

	for i := range 3 {
		createTask(t, r, fmt.Sprintf("https://a.com/v%d", i))
	}

	code, env := do(t, r, http.MethodGet, "/downloads/tasks?limit=2", "")
	require.Equal(t, http.StatusOK, code)

	var page entity.Page
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Tasks, 2)

	code, _ = do(t, r, http.MethodGet, "/downloads/tasks?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodGet, "/downloads/tasks?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodGet, "/downloads/tasks?status=bogus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, env = do(t, r, http.MethodGet, "/downloads/tasks/active", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"tasks":[],"count":0}`, string(env.Data))
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantTitle string
	}{
		{name: "ok", body: `{"url":"https://youtube.com/watch?v=1"}`, wantCode: http.StatusOK, wantTitle: "Mock video from youtube.com"},
		{name: "unsupported", body: `{"url":"https://unsupported.example/v"}`, wantCode: http.StatusUnprocessableEntity},
		{name: "extractor failure", body: `{"url":"https://a.com/fail-extract"}`, wantCode: http.StatusUnprocessableEntity},
		{name: "invalid url", body: `{"url":"not a url"}`, wantCode: http.StatusUnprocessableEntity},
		{name: "malformed", body: `[`, wantCode: http.StatusBadRequest},
	}

	r := newRouter(t, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, r, http.MethodPost, "/downloads/extract", tt.body)
			require.Equal(t, tt.wantCode, code, env.Error)

			if tt.wantTitle != "" {
				var info entity.VideoInfo
				require.NoError(t, json.Unmarshal(env.Data, &info))
				assert.Equal(t, tt.wantTitle, info.Title)
				assert.Len(t, info.Formats, 4)
			}
		})
	}
}

type batchBody struct {
	Results        []entity.BatchItem  `json:"results"`
	Summary        entity.BatchSummary `json:"summary"`
	ProcessingTime *float64            `json:"processing_time"`
}

func TestBatch(t *testing.T) {
	r := newRouter(t, nil)

	code, env := do(t, r, http.MethodPost, "/downloads/batch/add",
		`[{"url":"https://a.com/1"},{"url":"https://a.com/1"},{"url":"https://a.com/2","quality":"8k"}]`)
	require.Equal(t, http.StatusOK, code, env.Error)

	var created batchBody
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, entity.BatchSummary{Total: 3, Successful: 1, Skipped: 1, Failed: 1}, created.Summary)
	assert.NotNil(t, created.ProcessingTime)
	require.Equal(t, entity.BatchCreated, created.Results[0].Status)

	ids, err := json.Marshal([]string{created.Results[0].TaskID, "missing"})
	require.NoError(t, err)

	code, env = do(t, r, http.MethodPost, "/downloads/batch/start", string(ids))
	require.Equal(t, http.StatusOK, code, env.Error)

	var started batchBody
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, 2, started.Summary.Total)
	assert.Equal(t, 1, started.Summary.Successful)
	assert.Equal(t, entity.BatchStarted, started.Results[0].Status)
}

func TestBatchLimits(t *testing.T) {
	r := newRouter(t, nil)

	items := make([]string, 51)
	for i := range items {
		items[i] = fmt.Sprintf(`{"url":"https://a.com/%d"}`, i)
	}

	code, _ := do(t, r, http.MethodPost, "/downloads/batch/add", "["+strings.Join(items, ",")+"]")
	assert.Equal(t, http.StatusBadRequest, code, "too large")

	code, _ = do(t, r, http.MethodPost, "/downloads/batch/start", "[]")
	assert.Equal(t, http.StatusUnprocessableEntity, code, "empty")

	code, _ = do(t, r, http.MethodPost, "/downloads/batch/start", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, code, "not an array")
}

func TestCleanup(t *testing.T) {
	r := newRouter(t, nil)

	done := createTask(t, r, "https://a.com/1")
	createTask(t, r, "https://a.com/2")

	code, _ := do(t, r, http.MethodPost, "/downloads/cancel/"+done.ID, "")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodPost, "/downloads/cleanup?max_age_hours=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := do(t, r, http.MethodPost, "/downloads/cleanup?max_age_hours=1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"removed":[],"count":0}`, string(env.Data))

	time.Sleep(time.Millisecond)

	code, env = do(t, r, http.MethodPost, "/downloads/cleanup?max_age_hours=0", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, fmt.Sprintf(`{"removed":[%q],"count":1}`, done.ID), string(env.Data))
}

func TestStatsAndSites(t *testing.T) {
	r := newRouter(t, nil)

	createTask(t, r, "https://a.com/1")

	code, env := do(t, r, http.MethodGet, "/downloads/stats", "")
	require.Equal(t, http.StatusOK, code)

	var stats entity.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	code, env = do(t, r, http.MethodGet, "/downloads/supported-sites", "")
	require.Equal(t, http.StatusOK, code)

	var sites struct {
		Sites []string `json:"supported_sites"`
		Total int      `json:"total_sites"`
	}

	require.NoError(t, json.Unmarshal(env.Data, &sites))
	assert.NotEmpty(t, sites.Sites)
	assert.Equal(t, len(sites.Sites), sites.Total)
}

func TestRateLimited(t *testing.T) {
	r := newRouter(t, middleware.NewRateLimiter(60, 1))

	code, _ := do(t, r, http.MethodGet, "/downloads/stats", "")
	require.Equal(t, http.StatusOK, code)

	code, env := do(t, r, http.MethodGet, "/downloads/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.NotEmpty(t, env.Error)

	code, _ = do(t, r, http.MethodGet, "/v1/readyz", "")
	assert.Equal(t, http.StatusOK, code, "health is not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(t, nil)

	do(t, r, http.MethodGet, "/downloads/stats", "")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `mediaqueue_http_requests_total{method="GET",path="GET /downloads/stats",status="200"} 1`)
	assert.Contains(t, body, "mediaqueue_tasks_queued")
}

func TestFeed(t *testing.T) {
	r := newRouter(t, nil)
	existing := createTask(t, r, "https://a.com/1")

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/downloads/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer res.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	type frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	read := func() frame {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))

		return f
	}

	initial := read()
	require.Equal(t, string(entity.EventInitial), initial.Type)

	var snapshot entity.InitialEvent
	require.NoError(t, json.Unmarshal(initial.Data, &snapshot))
	require.Len(t, snapshot.Tasks, 1)
	assert.Equal(t, existing.ID, snapshot.Tasks[0].ID)
	assert.NotEmpty(t, snapshot.ClientID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, string(entity.EventPong), read().Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_stats"}`)))
	assert.Equal(t, string(entity.EventStats), read().Type)

	res2, err := http.Post(srv.URL+"/downloads/add", "application/json", bytes.NewBufferString(`{"url":"https://a.com/2"}`))
	require.NoError(t, err)
	require.NoError(t, res2.Body.Close())
	require.Equal(t, http.StatusCreated, res2.StatusCode)

	progressed := read()
	require.Equal(t, string(entity.EventProgress), progressed.Type)

	var ev entity.ProgressEvent
	require.NoError(t, json.Unmarshal(progressed.Data, &ev))
	assert.Equal(t, entity.StatusPending, ev.Status)
	assert.NotEqual(t, existing.ID, ev.TaskID)
}
