package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"spook-pages/internal/ghstore"
	"spook-pages/internal/render"
)

const testTemplate = `<html data-font="${user.font}"><h1>${user.display}</h1><p>@${user.name}</p><p>${user.description}</p></html>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAvatar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeStore reproduces the store semantics the pipeline depends on:
// create-if-absent (empty sha) conflicts with existing paths, updates
// conflict on stale shas. beforeWrite lets tests race a concurrent writer
// against the pipeline.
type fakeStore struct {
	mu          sync.Mutex
	files       map[string]fakeFile
	version     int
	reads       []string
	writes      []string
	failWrites  map[string]error
	beforeWrite func(s *fakeStore, path string)
}

type fakeFile struct {
	content []byte
	sha     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string]fakeFile{}, failWrites: map[string]error{}}
}

func (f *fakeStore) Read(ctx context.Context, path string) (*ghstore.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, path)
	file, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ghstore.ErrNotFound, path)
	}
	return &ghstore.File{Content: append([]byte(nil), file.content...), SHA: file.sha}, nil
}

func (f *fakeStore) Write(ctx context.Context, path string, content []byte, opts ghstore.WriteOptions) (string, error) {
	if f.beforeWrite != nil {
		f.beforeWrite(f, path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failWrites[path]; ok {
		return "", err
	}

	existing, exists := f.files[path]
	if opts.SHA == "" && exists {
		return "", fmt.Errorf("%w: %s", ghstore.ErrConflict, path)
	}
	if opts.SHA != "" && (!exists || existing.sha != opts.SHA) {
		return "", fmt.Errorf("%w: %s", ghstore.ErrConflict, path)
	}

	f.version++
	sha := fmt.Sprintf("sha-%d", f.version)
	f.files[path] = fakeFile{content: append([]byte(nil), content...), sha: sha}
	f.writes = append(f.writes, path)
	return sha, nil
}

// seed installs a file bypassing the write log.
func (f *fakeStore) seed(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.files[path] = fakeFile{content: []byte(content), sha: fmt.Sprintf("sha-%d", f.version)}
}

// bump simulates a concurrent writer advancing the version token.
func (f *fakeStore) bump(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[path]
	f.version++
	file.sha = fmt.Sprintf("sha-%d", f.version)
	f.files[path] = file
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]string{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", errors.New("nil")
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = fmt.Sprint(value)
	return nil
}

func newTestService(store Store, opts Options) *Service {
	return NewService(testLogger(), store, testTemplate, "https://spook.bio", opts)
}

func TestCreate_Success(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})

	profile, err := svc.Create(context.Background(), CreateRequest{
		Username:    "ghost1",
		DisplayName: "Ghost One",
		Description: "boo",
		Font:        "creepster",
		Avatar:      testAvatar(t),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if profile.URL != "https://spook.bio/u/ghost1" {
		t.Errorf("unexpected profile url %q", profile.URL)
	}

	// page first, then avatar
	want := []string{"u/ghost1/index.html", "u/ghost1/pfp.png"}
	if len(store.writes) != 2 || store.writes[0] != want[0] || store.writes[1] != want[1] {
		t.Errorf("unexpected writes %v, want %v", store.writes, want)
	}

	page := string(store.files["u/ghost1/index.html"].content)
	for _, wantPart := range []string{">Ghost One<", "@ghost1<", `data-font="creepster"`} {
		if !strings.Contains(page, wantPart) {
			t.Errorf("page missing %q: %s", wantPart, page)
		}
	}
}

func TestCreate_NormalizesUsername(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})

	profile, err := svc.Create(context.Background(), CreateRequest{
		Username: "  Ghost1 ",
		Avatar:   testAvatar(t),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if profile.Username != "ghost1" {
		t.Errorf("expected normalized username ghost1, got %q", profile.Username)
	}
	if _, ok := store.files["u/ghost1/index.html"]; !ok {
		t.Error("expected page under normalized path")
	}
}

func TestCreate_InvalidUsername(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})

	for _, username := range []string{"", "ghost one", "gh/ost", "ghost!", strings.Repeat("g", 33)} {
		_, err := svc.Create(context.Background(), CreateRequest{Username: username, Avatar: testAvatar(t)})
		if !errors.Is(err, ErrInvalidUsername) {
			t.Errorf("username %q: expected ErrInvalidUsername, got %v", username, err)
		}
	}
}

func TestCreate_MissingAvatar(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1"})
	if !errors.Is(err, ErrMissingAvatar) {
		t.Fatalf("expected ErrMissingAvatar, got %v", err)
	}
}

func TestCreate_DuplicateRejectedBeforeWrites(t *testing.T) {
	store := newFakeStore()
	store.seed("u/ghost1/index.html", "<html/>")
	svc := newTestService(store, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1", Avatar: testAvatar(t)})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if len(store.writes) != 0 {
		t.Errorf("no writes expected after rejection, got %v", store.writes)
	}
}

func TestCreate_LostRaceIsTakenNotOverwrite(t *testing.T) {
	store := newFakeStore()
	// a concurrent identical request lands its create between our pre-check
	// and our write
	store.beforeWrite = func(s *fakeStore, path string) {
		if path == "u/ghost1/index.html" {
			s.beforeWrite = nil
			s.seed(path, "<html>winner</html>")
		}
	}
	svc := newTestService(store, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1", Avatar: testAvatar(t)})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken for lost race, got %v", err)
	}
	if got := string(store.files["u/ghost1/index.html"].content); got != "<html>winner</html>" {
		t.Errorf("winner's document must survive, got %q", got)
	}
}

func TestCreate_PartialPublish(t *testing.T) {
	store := newFakeStore()
	store.failWrites["u/ghost1/pfp.png"] = fmt.Errorf("%w: status 502", ghstore.ErrUnavailable)
	svc := newTestService(store, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1", Avatar: testAvatar(t)})
	if !errors.Is(err, ErrPartialPublish) {
		t.Fatalf("expected ErrPartialPublish, got %v", err)
	}
	if _, ok := store.files["u/ghost1/index.html"]; !ok {
		t.Error("page should remain published after a partial failure")
	}
}

func TestCreate_StoreUnavailable(t *testing.T) {
	// a store that cannot even answer the pre-check
	broken := &failingStore{err: fmt.Errorf("%w: timeout", ghstore.ErrUnavailable)}
	svc := newTestService(broken, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1", Avatar: testAvatar(t)})
	if !errors.Is(err, ghstore.ErrUnavailable) {
		t.Fatalf("expected wrapped ErrUnavailable, got %v", err)
	}
}

type failingStore struct{ err error }

func (f *failingStore) Read(ctx context.Context, path string) (*ghstore.File, error) {
	return nil, f.err
}

func (f *failingStore) Write(ctx context.Context, path string, content []byte, opts ghstore.WriteOptions) (string, error) {
	return "", f.err
}

func TestCreate_EscapesUserInput(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{
		Username:    "ghost1",
		DisplayName: "<script>x</script>",
		Description: `<img src=x onerror=alert(1)>`,
		Avatar:      testAvatar(t),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	page := string(store.files["u/ghost1/index.html"].content)
	if strings.Contains(page, "<script>") || strings.Contains(page, "<img") {
		t.Fatalf("unescaped markup in published page: %s", page)
	}
}

func TestCreate_BadFontFallsBack(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})

	_, err := svc.Create(context.Background(), CreateRequest{
		Username: "ghost1",
		Font:     "comic-sans",
		Avatar:   testAvatar(t),
	})
	if err != nil {
		t.Fatalf("bad font must not reject the request: %v", err)
	}

	page := string(store.files["u/ghost1/index.html"].content)
	if !strings.Contains(page, `data-font="`+render.DefaultFont+`"`) {
		t.Errorf("expected fallback font in page: %s", page)
	}
}

func TestCreate_CacheFastPath(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	cache.Set(context.Background(), "profile_exists:ghost1", "1", 0)
	svc := newTestService(store, Options{Cache: cache})

	_, err := svc.Create(context.Background(), CreateRequest{Username: "ghost1", Avatar: testAvatar(t)})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken from cache, got %v", err)
	}
	if len(store.reads) != 0 {
		t.Errorf("cache hit should skip the store read, got reads %v", store.reads)
	}
}

func TestEdit_Success(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{
		Username: "ghost1",
		Font:     "creepster",
		Avatar:   testAvatar(t),
	}); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	err := svc.Edit(ctx, "ghost1", EditRequest{DisplayName: "New Name", Description: "still boo"})
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}

	page := string(store.files["u/ghost1/index.html"].content)
	if !strings.Contains(page, ">New Name<") {
		t.Errorf("edit did not update display name: %s", page)
	}
	// font chosen at creation survives the edit
	if !strings.Contains(page, `data-font="creepster"`) {
		t.Errorf("edit must not change the font: %s", page)
	}
}

func TestEdit_OrphanedSession(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})

	err := svc.Edit(context.Background(), "ghost1", EditRequest{Description: "boo"})
	if !errors.Is(err, ErrOrphanedSession) {
		t.Fatalf("expected ErrOrphanedSession, got %v", err)
	}
}

func TestEdit_ConflictRetriesOnceThenSucceeds(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Username: "ghost1", Avatar: testAvatar(t)}); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// a concurrent edit advances the token once, before our first write
	fired := false
	store.beforeWrite = func(s *fakeStore, path string) {
		if !fired && path == "u/ghost1/index.html" {
			fired = true
			s.bump(path)
		}
	}

	if err := svc.Edit(ctx, "ghost1", EditRequest{DisplayName: "Second"}); err != nil {
		t.Fatalf("expected single retry to succeed, got %v", err)
	}

	page := string(store.files["u/ghost1/index.html"].content)
	if !strings.Contains(page, ">Second<") {
		t.Errorf("retry did not land the edit: %s", page)
	}
}

func TestEdit_SecondConflictIsHardFailure(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Username: "ghost1", Avatar: testAvatar(t)}); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// every attempt loses the race; the pipeline must stop after one retry
	writeAttempts := 0
	store.beforeWrite = func(s *fakeStore, path string) {
		if path == "u/ghost1/index.html" {
			writeAttempts++
			s.bump(path)
		}
	}

	err := svc.Edit(ctx, "ghost1", EditRequest{DisplayName: "Never"})
	if !errors.Is(err, ErrEditConflict) {
		t.Fatalf("expected ErrEditConflict, got %v", err)
	}
	if writeAttempts != 2 {
		t.Errorf("expected exactly 2 write attempts (original + one retry), got %d", writeAttempts)
	}
}

func TestRepairAvatar(t *testing.T) {
	store := newFakeStore()
	store.seed("u/ghost1/index.html", "<html/>")
	svc := newTestService(store, Options{})
	ctx := context.Background()

	if err := svc.RepairAvatar(ctx, "ghost1", testAvatar(t)); err != nil {
		t.Fatalf("RepairAvatar error: %v", err)
	}
	if _, ok := store.files["u/ghost1/pfp.png"]; !ok {
		t.Fatal("expected avatar written")
	}

	// second repair is a no-op
	writesBefore := len(store.writes)
	if err := svc.RepairAvatar(ctx, "ghost1", testAvatar(t)); err != nil {
		t.Fatalf("repeat RepairAvatar error: %v", err)
	}
	if len(store.writes) != writesBefore {
		t.Error("repairing an intact profile should not write")
	}
}

func TestRepairAvatar_NoProfile(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})

	err := svc.RepairAvatar(context.Background(), "ghost1", testAvatar(t))
	if !errors.Is(err, ErrOrphanedSession) {
		t.Fatalf("expected ErrOrphanedSession, got %v", err)
	}
}

func TestExists(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	svc := newTestService(store, Options{Cache: cache})
	ctx := context.Background()

	ok, err := svc.Exists(ctx, "ghost1")
	if err != nil || ok {
		t.Fatalf("expected not exists, got %v %v", ok, err)
	}

	store.seed("u/ghost1/index.html", "<html/>")
	ok, err = svc.Exists(ctx, "ghost1")
	if err != nil || !ok {
		t.Fatalf("expected exists, got %v %v", ok, err)
	}

	// second lookup is served from cache
	readsBefore := len(store.reads)
	ok, _ = svc.Exists(ctx, "ghost1")
	if !ok {
		t.Fatal("expected cached exists")
	}
	if len(store.reads) != readsBefore {
		t.Error("expected cache to serve the repeat lookup")
	}
}

func TestValidUsername(t *testing.T) {
	valid := []string{"a", "ghost1", "ghost_one", "ghost-1", strings.Repeat("g", 32)}
	for _, u := range valid {
		if !ValidUsername(u) {
			t.Errorf("expected %q valid", u)
		}
	}

	invalid := []string{"", "Ghost1", "ghost one", "gh/ost", "gh.ost", strings.Repeat("g", 33)}
	for _, u := range invalid {
		if ValidUsername(u) {
			t.Errorf("expected %q invalid", u)
		}
	}
}
