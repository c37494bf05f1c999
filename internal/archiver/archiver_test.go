package archiver

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"threadvault/pkg/config"
	"threadvault/pkg/fetch"
	"threadvault/pkg/layout"
	"threadvault/pkg/models"
	"threadvault/pkg/record"
	"threadvault/pkg/retry"
	"threadvault/pkg/store"
)

// countingServer is an image server that records every request and can be
// told to fail or block specific paths.
type countingServer struct {
	mu            sync.Mutex
	requests      map[string]int
	status        map[string]int
	gates         map[string]chan struct{}
	defaultStatus int
	body          []byte
	baseURL       string
}

func newCountingServer() *countingServer {
	return &countingServer{
		requests: make(map[string]int),
		status:   make(map[string]int),
		gates:    make(map[string]chan struct{}),
		body:     []byte("imagedata"),
	}
}

func (s *countingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	code := s.status[r.URL.Path]
	if code == 0 {
		code = s.defaultStatus
	}
	gate := s.gates[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if code != 0 && code != http.StatusOK {
		w.WriteHeader(code)
		return
	}
	w.Write(s.body)
}

func (s *countingServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *countingServer) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

func (s *countingServer) distinctPaths(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for path := range s.requests {
		if strings.HasPrefix(path, prefix) {
			n++
		}
	}
	return n
}

func (s *countingServer) url(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL + path
}

func (s *countingServer) setStatus(path string, code int) {
	s.mu.Lock()
	s.status[path] = code
	s.mu.Unlock()
}

func (s *countingServer) block(path string) chan struct{} {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()
	return gate
}

func newTestArchiver(t *testing.T, srv *countingServer, window time.Duration) (*Archiver, *store.Store, string) {
	t.Helper()

	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)
	srv.mu.Lock()
	srv.baseURL = server.URL
	srv.mu.Unlock()

	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Archive.BaseDirectory = base
	cfg.Archive.BatchWindow = window
	cfg.Archive.Workers = 3
	cfg.Archive.RetryAttempts = 2
	cfg.Network.DownloadTimeout = 5 * time.Second
	cfg.Network.RequestsPerMinute = 1000000

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := quietLogger(t)
	client := fetch.NewClient(cfg.Network.DownloadTimeout, cfg.Network.UserAgent, log)

	a := New(cfg, client, st, log)
	a.SetBackoff(&retry.ConstantBackoff{Delay: time.Millisecond})
	t.Cleanup(a.Close)

	return a, st, base
}

// serverPost builds a post whose single image points at the test server.
func (s *countingServer) post(no int) models.Post {
	name := "img" + strconv.Itoa(no)

	s.mu.Lock()
	baseURL := s.baseURL
	s.mu.Unlock()

	return models.Post{
		No:      no,
		Comment: "post " + strconv.Itoa(no),
		Images: []models.PostImage{{
			ServerFilename: name,
			Extension:      "png",
			URL:            baseURL + "/orig/" + name + ".png",
			ThumbnailURL:   baseURL + "/thumb/" + name + "s.jpg",
		}},
	}
}

func waitForDrain(t *testing.T, a *Archiver) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for a.ActiveCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("archiver did not drain in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func requireFileSize(t *testing.T, path string) {
	t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected file %s: %v", path, err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty file %s", path)
	}
}

var testThread = models.ThreadID{Site: "4chan", Board: "g", No: 11223344}

func TestArchiveRoundEndToEnd(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	posts := []models.Post{srv.post(1), srv.post(2), srv.post(3)}
	posts[0].Images[0].SpoilerURL = srv.url("/board/sp.png")

	if !a.Enqueue(testThread, posts) {
		t.Fatal("enqueue must be accepted")
	}
	waitForDrain(t, a)

	imagesDir := layout.ImagesDir(base, testThread)
	for no := 1; no <= 3; no++ {
		name := "img" + strconv.Itoa(no)
		requireFileSize(t, filepath.Join(imagesDir, layout.OriginalImageName(name, "png")))
		requireFileSize(t, filepath.Join(imagesDir, layout.ThumbnailImageName(name, "jpg")))
	}

	// Media scanner is disallowed by default, so the marker must be there.
	if _, err := os.Stat(filepath.Join(imagesDir, layout.NoMediaFileName)); err != nil {
		t.Errorf("expected .nomedia marker: %v", err)
	}

	// The spoiler goes into the board dir, shared by all of its threads.
	requireFileSize(t, filepath.Join(layout.BoardDir(base, testThread), "spoiler.png"))

	loaded, err := record.Load(layout.ThreadDir(base, testThread))
	if err != nil || loaded == nil {
		t.Fatalf("expected a thread record: %v", err)
	}
	if len(loaded.Posts) != 3 {
		t.Errorf("expected 3 posts in the record, got %d", len(loaded.Posts))
	}

	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 3 {
		t.Errorf("expected counter 3, got %d (err=%v)", no, err)
	}
}

func TestRearchiveDownloadsNothing(t *testing.T) {
	srv := newCountingServer()
	a, st, _ := newTestArchiver(t, srv, 20*time.Millisecond)

	posts := []models.Post{srv.post(1), srv.post(2)}

	a.Enqueue(testThread, posts)
	waitForDrain(t, a)

	firstRoundRequests := srv.total()
	if firstRoundRequests == 0 {
		t.Fatal("first round must hit the network")
	}

	a.Enqueue(testThread, posts)
	waitForDrain(t, a)

	if got := srv.total(); got != firstRoundRequests {
		t.Errorf("re-archiving must not hit the network: %d -> %d requests", firstRoundRequests, got)
	}

	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 2 {
		t.Errorf("expected counter 2, got %d (err=%v)", no, err)
	}
}

func TestIncrementalArchiving(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})
	waitForDrain(t, a)

	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2), srv.post(3), srv.post(4)})
	waitForDrain(t, a)

	if got := srv.count("/orig/img1.png"); got != 1 {
		t.Errorf("old image must not be fetched again, got %d requests", got)
	}

	imagesDir := layout.ImagesDir(base, testThread)
	requireFileSize(t, filepath.Join(imagesDir, layout.OriginalImageName("img3", "png")))
	requireFileSize(t, filepath.Join(imagesDir, layout.OriginalImageName("img4", "png")))

	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 4 {
		t.Errorf("expected counter 4, got %d (err=%v)", no, err)
	}

	loaded, err := record.Load(layout.ThreadDir(base, testThread))
	if err != nil || loaded == nil || len(loaded.Posts) != 4 {
		t.Fatalf("expected 4 posts in the record, got %+v (err=%v)", loaded, err)
	}
}

func TestEnqueueIsNoOpWhileActive(t *testing.T) {
	srv := newCountingServer()
	a, _, _ := newTestArchiver(t, srv, 300*time.Millisecond)

	if !a.Enqueue(testThread, []models.Post{srv.post(1)}) {
		t.Fatal("first enqueue must be accepted")
	}
	if !a.Enqueue(testThread, []models.Post{srv.post(1)}) {
		t.Fatal("a duplicate enqueue is acknowledged, not rejected")
	}
	if got := a.ActiveCount(); got != 1 {
		t.Errorf("expected 1 active download, got %d", got)
	}
	if !a.IsDownloading(testThread) {
		t.Error("expected the thread to be reported as downloading")
	}

	waitForDrain(t, a)
}

func TestEnqueueRejectedWhenBaseDirMissing(t *testing.T) {
	srv := newCountingServer()
	a, _, base := newTestArchiver(t, srv, 50*time.Millisecond)

	if err := os.RemoveAll(base); err != nil {
		t.Fatalf("failed to remove base dir: %v", err)
	}

	if a.Enqueue(testThread, []models.Post{srv.post(1)}) {
		t.Error("enqueue must be rejected when the base directory is gone")
	}
	if got := a.ActiveCount(); got != 0 {
		t.Errorf("expected no active downloads, got %d", got)
	}
}

func TestStopWhileQueuedKeepsEverything(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 200*time.Millisecond)

	// First round completes normally.
	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})
	waitForDrain(t, a)

	// Second round is stopped while still waiting in the queue.
	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2), srv.post(3)})
	a.Stop(testThread)
	waitForDrain(t, a)

	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 2 {
		t.Errorf("stop must keep the counter, got %d (err=%v)", no, err)
	}

	imagesDir := layout.ImagesDir(base, testThread)
	requireFileSize(t, filepath.Join(imagesDir, layout.OriginalImageName("img1", "png")))

	if _, err := os.Stat(filepath.Join(imagesDir, layout.OriginalImageName("img3", "png"))); !os.IsNotExist(err) {
		t.Error("the stopped round must not have downloaded anything")
	}
	if srv.count("/orig/img3.png") != 0 {
		t.Error("the stopped round must not have hit the network")
	}
}

func TestCancelDuringRoundDeletesThreadFiles(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	a.Enqueue(testThread, []models.Post{srv.post(1)})
	waitForDrain(t, a)

	// Block the new image so the round is provably in flight when the
	// cancel arrives.
	gate := srv.block("/orig/img2.png")

	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})

	deadline := time.Now().Add(5 * time.Second)
	for srv.count("/orig/img2.png") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("the round never started fetching")
		}
		time.Sleep(2 * time.Millisecond)
	}

	a.Cancel(testThread)
	close(gate)
	waitForDrain(t, a)

	if _, err := os.Stat(layout.ThreadDir(base, testThread)); !os.IsNotExist(err) {
		t.Error("cancel must delete the whole thread directory")
	}

	// The canceled round never persisted, so the counter still reflects
	// the first round.
	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 1 {
		t.Errorf("expected counter 1, got %d (err=%v)", no, err)
	}
}

func TestGoneImageIsNeverRefetched(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	srv.setStatus("/orig/img2.png", http.StatusNotFound)

	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})
	waitForDrain(t, a)

	if got := srv.count("/orig/img2.png"); got != 1 {
		t.Errorf("a 404 must not be retried, got %d requests", got)
	}
	if got := srv.count("/thumb/img2s.jpg"); got != 0 {
		t.Errorf("the thumbnail of a gone image must not be fetched, got %d requests", got)
	}

	// The round still completes and persists the posts.
	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 2 {
		t.Errorf("expected counter 2, got %d (err=%v)", no, err)
	}

	imagesDir := layout.ImagesDir(base, testThread)
	if _, err := os.Stat(filepath.Join(imagesDir, layout.OriginalImageName("img2", "png"))); !os.IsNotExist(err) {
		t.Error("no artifact may survive for a gone image")
	}

	// The next round re-includes the post (its files are missing) but must
	// not touch the network for the known-deleted image.
	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})
	waitForDrain(t, a)

	if got := srv.count("/orig/img2.png"); got != 1 {
		t.Errorf("a known-deleted image must never be fetched again, got %d requests", got)
	}
}

func TestErrorBudgetHaltsDispatch(t *testing.T) {
	srv := newCountingServer()
	srv.defaultStatus = http.StatusInternalServerError
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	posts := make([]models.Post, 0, 40)
	for no := 1; no <= 40; no++ {
		posts = append(posts, srv.post(no))
	}

	a.Enqueue(testThread, posts)
	waitForDrain(t, a)

	// Budget for 40 images is 2; dispatch halts soon after the 2nd
	// exhausted image, long before all 40 are attempted.
	attempted := srv.distinctPaths("/orig/")
	if attempted < 2 {
		t.Errorf("expected at least 2 attempted images, got %d", attempted)
	}
	if attempted >= 40 {
		t.Errorf("dispatch was never halted, %d images attempted", attempted)
	}

	// The round is not a hard failure: posts are persisted and the missing
	// images are picked up again next round via the on-disk check.
	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 40 {
		t.Errorf("expected counter 40, got %d (err=%v)", no, err)
	}

	// Next round with a healthy server fills the gaps.
	srv.mu.Lock()
	srv.defaultStatus = 0
	srv.mu.Unlock()

	a.Enqueue(testThread, posts)
	waitForDrain(t, a)

	imagesDir := layout.ImagesDir(base, testThread)
	for no := 1; no <= 40; no++ {
		name := "img" + strconv.Itoa(no)
		requireFileSize(t, filepath.Join(imagesDir, layout.OriginalImageName(name, "png")))
	}
}

func TestCancelAllClearsBookmarksAndFiles(t *testing.T) {
	srv := newCountingServer()
	a, st, base := newTestArchiver(t, srv, 20*time.Millisecond)

	other := models.ThreadID{Site: "4chan", Board: "a", No: 555}

	a.Enqueue(testThread, []models.Post{srv.post(1), srv.post(2)})
	waitForDrain(t, a)

	if err := st.PutBookmark(testThread, true, true); err != nil {
		t.Fatalf("failed to bookmark: %v", err)
	}
	if err := st.PutBookmark(other, true, false); err != nil {
		t.Fatalf("failed to bookmark: %v", err)
	}

	a.CancelAll()

	if _, err := os.Stat(layout.ThreadDir(base, testThread)); !os.IsNotExist(err) {
		t.Error("cancel-all must delete the archived thread directory")
	}

	no, err := st.LastSavedPostNo(testThread)
	if err != nil || no != 0 {
		t.Errorf("cancel-all must wipe the counters, got %d (err=%v)", no, err)
	}

	ids, err := st.DownloadBookmarks()
	if err != nil {
		t.Fatalf("failed to list bookmarks: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("cancel-all must clear every download flag, got %v", ids)
	}
}
