package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gflowd/gflowd/internal/events"
	"github.com/gflowd/gflowd/internal/gpu"
	"github.com/gflowd/gflowd/internal/models"
	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
)

// fakeExecutor never actually launches anything; the jobs exercised here
// never leave Queued, so Execute is not expected to be called.
type fakeExecutor struct{}

func (fakeExecutor) Execute(job *models.Job) error { return nil }

func newTestRuntime(gpuCount, memoryMB int) *runtime.Runtime {
	core := scheduler.New(memoryMB, nil)
	return runtime.New(core, fakeExecutor{}, gpu.NewStaticSource(gpuCount), events.NewBus())
}

// fakeJobRequest fills in a submittable job body with gofakeit-generated
// values, overriding only the fields callers care about via opts.
func fakeJobRequest(opts map[string]any) map[string]any {
	body := map[string]any{
		"submitter":   gofakeit.Username(),
		"working_dir": "/home/" + gofakeit.Username(),
		"command":     gofakeit.Sentence(3),
		"gpus":        0,
		"priority":    uint8(gofakeit.Number(0, 9)),
	}
	for k, v := range opts {
		body[k] = v
	}
	return body
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestJobHandlerCreateAndGet(t *testing.T) {
	rt := newTestRuntime(2, 4096)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	createRec := doJSON(t, handler, http.MethodPost, "/jobs", fakeJobRequest(nil))
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created struct {
		ID      uint32 `json:"id"`
		RunName string `json:"run_name"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.RunName)

	getRec := doJSON(t, handler, http.MethodGet, "/jobs/"+strconv.FormatUint(uint64(created.ID), 10), nil)
	require.Equal(t, http.StatusOK, getRec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &job))
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, models.StateQueued, job.State)
}

func TestJobHandlerCreateRejectsBothScriptAndCommand(t *testing.T) {
	rt := newTestRuntime(1, 1024)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	body := fakeJobRequest(map[string]any{"script_path": "run.sh"})
	rec := doJSON(t, handler, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandlerGetUnknownJobReturnsNotFound(t *testing.T) {
	rt := newTestRuntime(1, 1024)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	rec := doJSON(t, handler, http.MethodGet, "/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandlerCancelUnknownJobReturnsConflict(t *testing.T) {
	rt := newTestRuntime(1, 1024)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	rec := doJSON(t, handler, http.MethodPost, "/jobs/999/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobHandlerHoldAndReleaseRoundTrip(t *testing.T) {
	rt := newTestRuntime(1, 1024)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	createRec := doJSON(t, handler, http.MethodPost, "/jobs", fakeJobRequest(nil))
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created struct {
		ID uint32 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	holdRec := doJSON(t, handler, http.MethodPost, "/jobs/"+strconv.FormatUint(uint64(created.ID), 10)+"/hold", nil)
	require.Equal(t, http.StatusOK, holdRec.Code)

	releaseRec := doJSON(t, handler, http.MethodPost, "/jobs/"+strconv.FormatUint(uint64(created.ID), 10)+"/release", nil)
	require.Equal(t, http.StatusOK, releaseRec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(releaseRec.Body.Bytes(), &job))
	assert.Equal(t, models.StateQueued, job.State)
}

func TestJobHandlerReadOnlyModeRejectsWrites(t *testing.T) {
	rt := newTestRuntime(1, 1024)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	SetMode(ModeReadOnly)
	defer SetMode(ModeOK)

	rec := doJSON(t, handler, http.MethodPost, "/jobs", fakeJobRequest(nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandlerReflectsMode(t *testing.T) {
	rt := newTestRuntime(0, 512)
	handler := NewRouter(rt, events.NewBus(), nil, nil, "test")

	SetMode(ModeOK)
	okRec := doJSON(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, okRec.Code)

	SetMode(ModeReadOnly)
	defer SetMode(ModeOK)
	downRec := doJSON(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, downRec.Code)
}

