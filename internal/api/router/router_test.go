package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/dataport/internal/api/dto"
	"github.com/cuongbtq/dataport/internal/api/handler"
	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/cuongbtq/dataport/internal/entity"
	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/job/storage"
	"github.com/cuongbtq/dataport/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrg = "org-1"

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	now    time.Time
	store  *storage.MemoryStore
	files  *filestore.Local
	engine *gin.Engine
}

func newAPIFixture(t *testing.T, maxUpload int64) *apiFixture {
	t.Helper()

	f := &apiFixture{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.store = storage.NewMemoryStore()
	f.store.SetClock(clock)

	queue := broker.NewMemory(broker.Options{})
	t.Cleanup(func() { queue.Close() })

	var err error
	f.files, err = filestore.NewLocal(t.TempDir())
	require.NoError(t, err)

	reg, err := entity.NewRegistry(entity.NewMemoryRepository())
	require.NoError(t, err)

	svc := submission.NewService(&submission.Config{
		Logger:         logger,
		Store:          f.store,
		Broker:         queue,
		Registry:       reg,
		Files:          f.files,
		MaxUploadBytes: maxUpload,
		Now:            clock,
	})

	f.engine = SetupRouter(&handler.Dependencies{
		Logger:         logger,
		Service:        svc,
		MaxUploadBytes: maxUpload,
		Now:            clock,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get(OrganizationHeader) == "" {
		req.Header.Set(OrganizationHeader, testOrg)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, kind, filename, content string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("kind", kind))
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func exportRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestOrganizationHeaderRequired(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), OrganizationHeader)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/exports", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), OrganizationHeader)
}

func TestCreateImport(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, uploadRequest(t, "import:inventory", "assets.csv", "asset_tag,name\nA-1,Laptop\n"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	created := decode[dto.SubmitResponse](t, w)
	assert.Equal(t, "pending", created.Status)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, created.JobID, got.JobID)
	assert.Equal(t, "import:inventory", got.Kind)
	assert.Equal(t, "import", got.Direction)
	assert.Equal(t, "normal", got.Priority)
	assert.Equal(t, "csv", got.Format)
	assert.Equal(t, "assets.csv", got.SourceFile)
	assert.Nil(t, got.Result)
}

func TestCreateImportErrors(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantJobID  bool
	}{
		{
			name: "file over the limit",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "import:inventory", "assets.csv", strings.Repeat("x", 64))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "unknown kind",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "import:payments", "assets.csv", "a,b\n")
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantJobID:  true,
		},
		{
			name: "pdf upload",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "import:inventory", "assets.pdf", "%PDF")
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "missing file",
			req: func(t *testing.T) *http.Request {
				body := &bytes.Buffer{}
				mw := multipart.NewWriter(body)
				require.NoError(t, mw.WriteField("kind", "import:inventory"))
				require.NoError(t, mw.Close())
				req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
				req.Header.Set("Content-Type", mw.FormDataContentType())
				return req
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, 32)

			w := f.do(t, tt.req(t))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			body := decode[map[string]any](t, w)
			_, hasJobID := body["job_id"]
			assert.Equal(t, tt.wantJobID, hasJobID)
		})
	}
}

func TestCreateExport(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid export",
			body:       `{"kind":"export:inventory","format":"xlsx","priority":"critical","filters":{"location":"hq"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing format",
			body:       `{"kind":"export:inventory"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported format",
			body:       `{"kind":"export:inventory","format":"docx"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad priority",
			body:       `{"kind":"export:inventory","format":"csv","priority":"asap"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"kind":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, 0)
			w := f.do(t, exportRequest(tt.body))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, exportRequest(`{"kind":"export:inventory","format":"csv"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.SubmitResponse](t, w).JobID

	tests := []struct {
		name       string
		path       string
		org        string
		wantStatus int
	}{
		{name: "own job", path: "/api/v1/jobs/" + id, wantStatus: http.StatusOK},
		{name: "invalid id", path: "/api/v1/jobs/not-a-uuid", wantStatus: http.StatusBadRequest},
		{name: "unknown id", path: "/api/v1/jobs/" + uuid.NewString(), wantStatus: http.StatusNotFound},
		{name: "other organization", path: "/api/v1/jobs/" + id, org: "org-2", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.org != "" {
				req.Header.Set(OrganizationHeader, tt.org)
			}
			w := f.do(t, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t, 0)

	for i := 0; i < 3; i++ {
		w := f.do(t, exportRequest(`{"kind":"export:inventory","format":"csv"}`))
		require.Equal(t, http.StatusAccepted, w.Code)
		f.now = f.now.Add(time.Second)
	}

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[dto.ListJobsResponse](t, w)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextCursor)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+first.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.ListJobsResponse](t, w)
	require.Len(t, second.Jobs, 1)
	assert.Empty(t, second.NextCursor)
	assert.NotEqual(t, first.Jobs[1].JobID, second.Jobs[0].JobID)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?cursor=%25%25", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadResult(t *testing.T) {
	f := newAPIFixture(t, 0)
	ctx := context.Background()

	w := f.do(t, exportRequest(`{"kind":"export:inventory","format":"csv"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.SubmitResponse](t, w).JobID

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/download", nil))
	assert.Equal(t, http.StatusConflict, w.Code, "pending export has no result")

	_, err := f.store.Claim(ctx, id, "worker-1", f.now.Add(time.Minute))
	require.NoError(t, err)
	ref, err := f.files.Save(ctx, testOrg, filestore.ExportKey(id, ".csv"), strings.NewReader("asset_tag\nA-1\n"), "text/csv")
	require.NoError(t, err)
	ref.Name = "inventory-" + id + ".csv"
	expires := f.now.Add(time.Hour)
	require.NoError(t, f.store.Complete(ctx, id, "worker-1", job.Snapshot{Processed: 1, Success: 1}, &ref, &expires))

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
	got := decode[dto.JobDTO](t, w)
	require.NotNil(t, got.Result)
	assert.Equal(t, "/api/v1/jobs/"+id+"/download", got.Result.DownloadURL)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/download", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "asset_tag\nA-1\n", w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "inventory-"+id+".csv")

	f.now = f.now.Add(2 * time.Hour)
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/download", nil))
	assert.Equal(t, http.StatusConflict, w.Code, "expired result")
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, exportRequest(`{"kind":"export:inventory","format":"csv"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.SubmitResponse](t, w).JobID

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, job.ErrCanceled.Error(), got.LastError)

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code, "already terminal")
}

func TestCancelProcessingJob(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, exportRequest(`{"kind":"export:inventory","format":"csv"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.SubmitResponse](t, w).JobID

	_, err := f.store.Claim(context.Background(), id, "worker-1", f.now.Add(time.Minute))
	require.NoError(t, err)

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "processing", got.Status)
	assert.True(t, got.CancelRequested)
}
