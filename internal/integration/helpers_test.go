//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediaqueue/internal/broadcast"
	"mediaqueue/internal/database"
	"mediaqueue/internal/downloader"
	"mediaqueue/internal/engine"
	"mediaqueue/internal/entity"
	httprouter "mediaqueue/internal/infrastructure/delivery/http"
	"mediaqueue/internal/observability"
	"mediaqueue/internal/progress"
	"mediaqueue/internal/service"
	"mediaqueue/internal/storage"
	"mediaqueue/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

// clipBody is what the origin serves for every clip.
var clipBody = bytes.Repeat([]byte("mediaqueue"), 8<<10)

// originExtractor resolves every url into one direct file on the origin,
// the way the generic extractor reports plain media links.
type originExtractor struct {
	origin string
}

func (e originExtractor) SupportedSites() []string { return []string{"generic"} }

func (e originExtractor) Extract(_ context.Context, url, _ string) (entity.VideoInfo, error) {
	return entity.VideoInfo{
		ID:         "clip",
		Title:      "Sample Clip",
		Extractor:  "generic",
		WebpageURL: url,
		Formats: []entity.Format{{
			ID:       "mp4",
			URL:      e.origin + "/" + filepath.Base(url),
			Ext:      "mp4",
			Height:   720,
			Filesize: int64(len(clipBody)),
			Protocol: "http",
		}},
	}, nil
}

type fixture struct {
	t       *testing.T
	dbPath  string
	journal *database.Journal
	server  *httptest.Server
	client  *http.Client
	stop    func()
}

type apiResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	origin := http.NewServeMux()
	origin.HandleFunc("GET /clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(clipBody))
	})

	originSrv := httptest.NewServer(origin)
	t.Cleanup(originSrv.Close)

	log := logger.Discard()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")

	journal, err := database.Open(t.Context(), log, dbPath, time.Second)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	store := storage.New(log, storage.Options{RejectDuplicates: true}, journal, metrics)
	hub := broadcast.New(log, store, metrics, broadcast.Options{BufferSize: 256})
	agg := progress.New(log, store, hub, metrics, progress.Options{Interval: 50 * time.Millisecond})

	extractor := originExtractor{origin: originSrv.URL}
	mock := downloader.NewMock(log, downloader.MockOptions{Duration: 100 * time.Millisecond})
	native := downloader.NewNative(log, originSrv.Client(), nil, metrics)

	eng := engine.New(log, store, agg, engine.Collaborators{
		Extractor:     extractor,
		Fetcher:       downloader.NewRouter(native, mock),
		PostProcessor: mock,
	}, metrics, engine.Options{MaxConcurrent: 2, QueueSize: 10, DownloadDir: t.TempDir(), CancelGrace: time.Second})

	svc := service.New(log, store, eng, agg, hub, extractor, metrics, service.Options{})
	router := httprouter.New(log, svc, hub, metrics, reg, httprouter.Options{})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Go(func() { eng.Run(ctx) })
	wg.Go(func() { hub.Run(ctx) })

	server := httptest.NewServer(router)
	client := server.Client()
	client.Timeout = 3 * time.Second

	fx := &fixture{
		t:       t,
		dbPath:  dbPath,
		journal: journal,
		server:  server,
		client:  client,
	}

	var once sync.Once

	fx.stop = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			server.Close()
			journal.Close()
		})
	}

	t.Cleanup(fx.stop)

	return fx
}

func (fx *fixture) call(method, path string, body any) (int, apiResponse) {
	fx.t.Helper()

	var rd io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fx.t.Fatalf("marshal body: %v", err)
		}

		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(fx.t.Context(), method, fx.server.URL+path, rd)
	if err != nil {
		fx.t.Fatalf("new request: %v", err)
	}

	res, err := fx.client.Do(req)
	if err != nil {
		fx.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		fx.t.Fatalf("decode %s %s: %v", method, path, err)
	}

	return res.StatusCode, out
}

func (fx *fixture) task(id string) entity.Task {
	fx.t.Helper()

	code, res := fx.call(http.MethodGet, "/downloads/tasks/"+id, nil)
	if code != http.StatusOK {
		fx.t.Fatalf("get task %s: status %d: %s", id, code, res.Error)
	}

	var task entity.Task
	if err := json.Unmarshal(res.Data, &task); err != nil {
		fx.t.Fatalf("decode task: %v", err)
	}

	return task
}

// waitFor polls the task until it reaches a terminal status.
func (fx *fixture) waitFor(id string) entity.Task {
	fx.t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		task := fx.task(id)
		if task.Status.IsTerminal() {
			return task
		}

		time.Sleep(20 * time.Millisecond)
	}

	fx.t.Fatalf("task %s did not finish in time", id)

	return entity.Task{}
}
