package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/luafetch/internal/credential"
	"github.com/italolelis/luafetch/internal/downloader"
	"github.com/italolelis/luafetch/internal/installer"
	"github.com/italolelis/luafetch/internal/prober"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves a fixed payload from the endpoints listed in available.
type fakeBackend struct {
	mu sync.Mutex

	available map[string]bool
	delays    map[string]time.Duration
	enabled   []string
	listErr   error
	payload   []byte
	status    int
	identity  transfer.CredentialInfo
	streamed  []transfer.StreamRequest
	// block, when set, holds StreamPayload until it is closed
	block chan struct{}
	// unsized hides the payload length from the response
	unsized bool
}

func (b *fakeBackend) CheckAvailability(ctx context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
	if d := b.delays[endpoint]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return transfer.AvailabilityResult{}, ctx.Err()
		}
	}

	return transfer.AvailabilityResult{Endpoint: endpoint, Available: b.available[endpoint]}, nil
}

func (b *fakeBackend) StreamPayload(_ context.Context, req transfer.StreamRequest) (*http.Response, error) {
	if b.block != nil {
		<-b.block
	}

	b.mu.Lock()
	b.streamed = append(b.streamed, req)
	b.mu.Unlock()

	status := b.status
	if status == 0 {
		status = http.StatusOK
	}

	length := int64(len(b.payload))
	if b.unsized {
		length = -1
	}

	return &http.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(b.payload)),
		ContentLength: length,
	}, nil
}

func (b *fakeBackend) ValidateCredential(context.Context, string) (transfer.CredentialInfo, error) {
	return b.identity, nil
}

func (b *fakeBackend) ListEnabledEndpoints(context.Context) ([]string, error) {
	return b.enabled, b.listErr
}

// gateJournal holds the first queued record in Save until release is closed.
type gateJournal struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (j *gateJournal) Save(_ context.Context, rec state.Record) error {
	if rec.State.Status != state.StatusQueued {
		return nil
	}

	hold := false
	j.once.Do(func() { hold = true })

	if hold {
		close(j.entered)
		<-j.release
	}

	return nil
}

func (j *gateJournal) Load(context.Context) ([]state.Record, error) {
	return nil, nil
}

type panickingProber struct{}

func (panickingProber) Available(context.Context, int64, []string) []string {
	panic("boom")
}

type harness struct {
	orch      *Orchestrator
	backend   *fakeBackend
	targetDir string
	scratch   string
}

func newHarness(t *testing.T, backend *fakeBackend, cfg Config) *harness {
	t.Helper()

	target := t.TempDir()
	scratch := t.TempDir()

	cred := credential.NewHolder("")
	require.NoError(t, cred.Set("test-token"))

	orch := New(context.Background(), Dependencies{
		Store:      state.NewStore(),
		Backend:    backend,
		Prober:     prober.New(backend, prober.WithDeadline(time.Second)),
		Fetcher:    downloader.New(backend, downloader.Options{ScratchDir: scratch}),
		Installer:  installer.New(installer.Options{TargetDir: target}),
		Credential: cred,
	}, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = orch.Shutdown(ctx)
	})

	return &harness{orch: orch, backend: backend, targetDir: target, scratch: scratch}
}

// settle waits until id is terminal or paused and returns its state.
func (h *harness) settle(t *testing.T, id state.ItemID) state.DownloadState {
	t.Helper()

	var st state.DownloadState

	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		_, busy := h.orch.running[id]
		h.orch.mu.Unlock()

		st = h.orch.Get(id)

		return !busy && (st.Status.Terminal() || st.Status == state.StatusAwaitingEndpointChoice)
	}, 5*time.Second, 5*time.Millisecond)

	return st
}

func zipPayload(t *testing.T, names ...string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)

		_, err = w.Write([]byte("-- " + n))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestOrchestrator_SingleAvailableEndpointInstalls(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": false, "b": true},
		payload:   []byte("print('hi')"),
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 730, []string{"a", "b"}))

	st := h.settle(t, 730)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	assert.Equal(t, "b", st.Endpoint)
	assert.Empty(t, st.AvailableEndpoints)
	assert.Equal(t, []string{filepath.Join(h.targetDir, "730.lua")}, st.InstalledFiles)
	assert.Equal(t, int64(len("print('hi')")), st.BytesRead)

	data, err := os.ReadFile(filepath.Join(h.targetDir, "730.lua"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(data))

	select {
	case ev := <-h.orch.OnItemFinished:
		assert.Equal(t, state.ItemID(730), ev.ID)
		assert.Equal(t, state.StatusDone, ev.State.Status)
	case <-time.After(time.Second):
		t.Fatal("no finished event")
	}
}

func TestOrchestrator_NoAvailableEndpointFails(t *testing.T) {
	h := newHarness(t, &fakeBackend{available: map[string]bool{}}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 1, []string{"a", "b", "c"}))

	st := h.settle(t, 1)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Empty(t, st.Endpoint)
	assert.Contains(t, st.Error, "not available on any endpoint")

	select {
	case ev := <-h.orch.OnItemFailed:
		assert.Equal(t, state.StatusFailed, ev.State.Status)
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
}

func TestOrchestrator_MultipleEndpointsAwaitChoiceInCandidateOrder(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true, "b": true},
		// a answers last, order must still follow the candidates
		delays:  map[string]time.Duration{"a": 50 * time.Millisecond},
		payload: []byte("x"),
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 2, []string{"a", "b"}))

	st := h.settle(t, 2)
	require.Equal(t, state.StatusAwaitingEndpointChoice, st.Status)
	assert.Equal(t, []string{"a", "b"}, st.AvailableEndpoints)
	assert.Empty(t, h.backend.streamed)
}

func TestOrchestrator_SelectEndpoint(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true, "b": true},
		payload:   []byte("x"),
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 3, []string{"a", "b"}))
	before := h.settle(t, 3)
	require.Equal(t, state.StatusAwaitingEndpointChoice, before.Status)

	err := h.orch.SelectEndpoint(context.Background(), 3, "c")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.Equal(t, before, h.orch.Get(3))

	require.NoError(t, h.orch.SelectEndpoint(context.Background(), 3, "b"))

	st := h.settle(t, 3)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	assert.Equal(t, "b", st.Endpoint)
	assert.Empty(t, st.AvailableEndpoints)

	err = h.orch.SelectEndpoint(context.Background(), 3, "a")
	assert.ErrorIs(t, err, ErrNotAwaitingChoice)
}

func TestOrchestrator_SelectEndpointOnUnknownItem(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, Config{})

	err := h.orch.SelectEndpoint(context.Background(), 99, "a")
	require.ErrorIs(t, err, ErrNotAwaitingChoice)
	assert.Equal(t, state.DownloadState{}, h.orch.Get(99))
}

func TestOrchestrator_ZeroBytesIsFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{available: map[string]bool{"a": true}}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 4, []string{"a"}))

	st := h.settle(t, 4)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "Download failed")

	_, err := os.Stat(filepath.Join(h.scratch, "temp_4.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestOrchestrator_ArchiveInstallsPrimaryFilesOnly(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   zipPayload(t, "a.lua", "b.lua", "readme.txt"),
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 5, []string{"a"}))

	st := h.settle(t, 5)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	assert.Len(t, st.InstalledFiles, 2)
	assert.NoFileExists(t, filepath.Join(h.targetDir, "readme.txt"))
	assert.NoFileExists(t, filepath.Join(h.scratch, "temp_5.part"))
}

func TestOrchestrator_ArchiveWithoutPrimaryFilesInstallsAll(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   zipPayload(t, "depot.manifest", "notes.md"),
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 6, []string{"a"}))

	st := h.settle(t, 6)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	assert.Len(t, st.InstalledFiles, 2)
}

func TestOrchestrator_CorruptArchiveFailsAndClearsScratch(t *testing.T) {
	payload := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 64)...)

	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   payload,
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 7, []string{"a"}))

	st := h.settle(t, 7)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.NoFileExists(t, filepath.Join(h.scratch, "temp_7.part"))
}

func TestOrchestrator_UnauthorizedBecomesAuthFailed(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		status:    http.StatusUnauthorized,
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 8, []string{"a"}))

	st := h.settle(t, 8)
	assert.Equal(t, state.StatusAuthFailed, st.Status)
	assert.True(t, st.RequiresNewKey)
	assert.Equal(t, authFailedMessage, st.Error)
}

func TestOrchestrator_IdentityEndpointPassesSubject(t *testing.T) {
	backend := &fakeBackend{
		available: map[string]bool{"personal": true},
		payload:   []byte("x"),
		identity:  transfer.CredentialInfo{Valid: true, SubjectID: "user-9"},
	}
	h := newHarness(t, backend, Config{IdentityEndpoints: []string{"personal"}})

	require.NoError(t, h.orch.Add(context.Background(), 9, []string{"personal"}))

	st := h.settle(t, 9)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	require.Len(t, backend.streamed, 1)
	assert.Equal(t, "user-9", backend.streamed[0].SubjectID)
	assert.Equal(t, "test-token", backend.streamed[0].Credential)
}

func TestOrchestrator_InvalidIdentityIsAuthFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"personal": true},
		payload:   []byte("x"),
	}, Config{IdentityEndpoints: []string{"personal"}})

	require.NoError(t, h.orch.Add(context.Background(), 10, []string{"personal"}))

	st := h.settle(t, 10)
	assert.Equal(t, state.StatusAuthFailed, st.Status)
	assert.Empty(t, h.backend.streamed)
}

func TestOrchestrator_EmptyCandidatesUseBackendList(t *testing.T) {
	tests := []struct {
		name     string
		enabled  []string
		listErr  error
		cfg      Config
		endpoint string
	}{
		{name: "backend list", enabled: []string{"mirror"}, endpoint: "mirror"},
		{name: "list error falls back", listErr: errors.New("down"), endpoint: "unified"},
		{name: "empty list falls back", endpoint: "unified"},
		{name: "configured fallback", listErr: errors.New("down"), cfg: Config{FallbackEndpoints: []string{"backup"}}, endpoint: "backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeBackend{
				available: map[string]bool{"mirror": true, "unified": true, "backup": true},
				enabled:   tt.enabled,
				listErr:   tt.listErr,
				payload:   []byte("x"),
			}, tt.cfg)

			require.NoError(t, h.orch.Add(context.Background(), 11, nil))

			st := h.settle(t, 11)
			require.Equal(t, state.StatusDone, st.Status, st.Error)
			assert.Equal(t, tt.endpoint, st.Endpoint)
		})
	}
}

func TestOrchestrator_WorkerPanicIsRecorded(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, Config{})
	h.orch.deps.Prober = panickingProber{}

	require.NoError(t, h.orch.Add(context.Background(), 12, []string{"a"}))

	st := h.settle(t, 12)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "worker crashed: boom")
}

func TestOrchestrator_AddRequiresCredential(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, Config{})
	h.orch.deps.Credential = credential.NewHolder("")

	err := h.orch.Add(context.Background(), 13, []string{"a"})
	require.ErrorIs(t, err, transfer.ErrMissingCredential)
	assert.Equal(t, state.DownloadState{}, h.orch.Get(13))
}

func TestOrchestrator_AddWhileRunningIsRejected(t *testing.T) {
	backend := &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   []byte("x"),
		block:     make(chan struct{}),
	}
	h := newHarness(t, backend, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 14, []string{"a"}))
	assert.ErrorIs(t, h.orch.Add(context.Background(), 14, []string{"a"}), ErrInProgress)

	close(backend.block)

	st := h.settle(t, 14)
	assert.Equal(t, state.StatusDone, st.Status)

	// a finished item may be added again
	require.NoError(t, h.orch.Add(context.Background(), 14, []string{"a"}))
	assert.Equal(t, state.StatusDone, h.settle(t, 14).Status)
}

func TestOrchestrator_ReAddResetsPreviousOutcome(t *testing.T) {
	backend := &fakeBackend{available: map[string]bool{"a": true}, status: http.StatusUnauthorized}
	h := newHarness(t, backend, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 15, []string{"a"}))
	require.Equal(t, state.StatusAuthFailed, h.settle(t, 15).Status)

	backend.status = http.StatusOK
	backend.payload = []byte("x")

	require.NoError(t, h.orch.Add(context.Background(), 15, []string{"a"}))

	st := h.settle(t, 15)
	assert.Equal(t, state.StatusDone, st.Status)
	assert.False(t, st.RequiresNewKey)
	assert.Empty(t, st.Error)
}

func TestOrchestrator_Remove(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   []byte("x"),
	}, Config{})

	res, err := h.orch.Remove(context.Background(), 16)
	require.NoError(t, err)
	assert.True(t, res.NotFound())

	require.NoError(t, h.orch.Add(context.Background(), 16, []string{"a"}))
	require.Equal(t, state.StatusDone, h.settle(t, 16).Status)

	res, err = h.orch.Remove(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, []string{"16.lua"}, res.Removed)
}

func TestOrchestrator_ShutdownWaitsForWorkers(t *testing.T) {
	backend := &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   []byte("x"),
		block:     make(chan struct{}),
	}
	h := newHarness(t, backend, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 17, []string{"a"}))

	done := make(chan error, 1)

	go func() {
		done <- h.orch.Shutdown(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a worker was running")
	case <-time.After(50 * time.Millisecond):
	}

	assert.ErrorIs(t, h.orch.Add(context.Background(), 18, []string{"a"}), ErrShuttingDown)

	close(backend.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	assert.Equal(t, state.StatusDone, h.orch.Get(17).Status)
}

func TestOrchestrator_ShutdownDuringAddWaitsForWorker(t *testing.T) {
	h := newHarness(t, &fakeBackend{available: map[string]bool{}}, Config{})

	journal := &gateJournal{entered: make(chan struct{}), release: make(chan struct{})}
	h.orch.deps.Store = state.NewJournaledStore(journal, nil)

	added := make(chan error, 1)

	go func() {
		added <- h.orch.Add(context.Background(), 20, []string{"a"})
	}()

	select {
	case <-journal.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("add never reached the journal")
	}

	done := make(chan error, 1)

	go func() {
		done <- h.orch.Shutdown(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while an item was being queued")
	case <-time.After(50 * time.Millisecond):
	}

	close(journal.release)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("add did not return")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	assert.Equal(t, state.StatusFailed, h.orch.Get(20).Status)
}

func TestOrchestrator_UnknownLengthReportsBytesReadAsTotal(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   []byte("print('hi')"),
		unsized:   true,
	}, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 21, []string{"a"}))

	st := h.settle(t, 21)
	require.Equal(t, state.StatusDone, st.Status, st.Error)
	assert.Equal(t, int64(len("print('hi')")), st.BytesRead)
	assert.Equal(t, st.BytesRead, st.TotalBytes)
}

func TestOrchestrator_ShutdownDeadline(t *testing.T) {
	backend := &fakeBackend{
		available: map[string]bool{"a": true},
		payload:   []byte("x"),
		block:     make(chan struct{}),
	}
	h := newHarness(t, backend, Config{})

	require.NoError(t, h.orch.Add(context.Background(), 19, []string{"a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.orch.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(backend.block)
}
