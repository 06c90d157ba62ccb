package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"spook-pages/internal/ghstore"
	"spook-pages/internal/notify"
	"spook-pages/internal/render"
	"spook-pages/internal/storage"
)

// Store is the versioned file store behind the pipeline (the GitHub contents
// client in production).
type Store interface {
	Read(ctx context.Context, path string) (*ghstore.File, error)
	Write(ctx context.Context, path string, content []byte, opts ghstore.WriteOptions) (string, error)
}

// Cache is the optional fast path for the uniqueness pre-check (redis in
// production). Errors are treated as misses.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// AvatarMirror is the optional CDN copy of published avatars.
type AvatarMirror interface {
	UploadAvatar(ctx context.Context, username string, data []byte) (string, error)
}

var usernameRE = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

const existsCacheTTL = 24 * time.Hour

// Service runs the publishing pipeline: validation, uniqueness enforcement,
// rendering, and the create/update writes against the content store.
//
// Uniqueness is ultimately enforced by the store's atomic create-if-absent
// write, not by the pre-check: two racing creations for the same username
// both pass the read, but only one create lands; the loser sees a conflict
// and is rejected, never an overwrite. The pre-check (cache, then store
// read) only exists to reject the common case quickly.
type Service struct {
	logger   *slog.Logger
	store    Store
	cache    Cache
	mirror   AvatarMirror
	notifier *notify.Notifier
	template string
	baseURL  string
}

// Options carries the optional collaborators.
type Options struct {
	Cache    Cache
	Mirror   AvatarMirror
	Notifier *notify.Notifier
}

func NewService(logger *slog.Logger, store Store, template, baseURL string, opts Options) *Service {
	return &Service{
		logger:   logger,
		store:    store,
		cache:    opts.Cache,
		mirror:   opts.Mirror,
		notifier: opts.Notifier,
		template: template,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

type CreateRequest struct {
	Username    string
	DisplayName string
	Description string
	Font        string
	Avatar      []byte
}

type EditRequest struct {
	DisplayName string
	Description string
}

// Profile is the result of a successful creation.
type Profile struct {
	Username string
	URL      string
}

// PagePath returns the store path of a profile's HTML document.
func PagePath(username string) string {
	return "u/" + username + "/index.html"
}

// AvatarPath returns the store path of a profile's avatar image.
func AvatarPath(username string) string {
	return "u/" + username + "/pfp.png"
}

// NormalizeUsername lowercases and trims a requested username. Validation
// happens separately; normalization is applied before any comparison so
// "Ghost1" and "ghost1" are the same account.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidUsername reports whether a normalized username satisfies the
// charset/length invariant.
func ValidUsername(username string) bool {
	return usernameRE.MatchString(username)
}

// Create publishes a new profile: HTML document first, then the avatar.
// Both writes are pure creations (no version token) so a duplicate racing
// past the pre-check still fails instead of overwriting.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Profile, error) {
	username := NormalizeUsername(req.Username)
	if !ValidUsername(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, req.Username)
	}
	if len(req.Avatar) == 0 {
		return nil, ErrMissingAvatar
	}

	// bad font is non-fatal, it falls back to the default
	font := render.NormalizeFont(req.Font)
	if req.Font != "" && !render.KnownFont(req.Font) {
		s.logger.Debug("font_fallback", "username", username, "requested", req.Font, "using", font)
	}

	if s.existsInCache(ctx, username) {
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}

	// pre-check against the store for a fast, friendly rejection
	pagePath := PagePath(username)
	switch _, err := s.store.Read(ctx, pagePath); {
	case err == nil:
		s.cacheExists(ctx, username)
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	case errors.Is(err, ghstore.ErrNotFound):
		// free to create
	default:
		return nil, fmt.Errorf("uniqueness check for %s: %w", username, err)
	}

	// normalize the avatar before any write so nothing is published for a
	// request that was never going to complete
	avatar, err := storage.NormalizeAvatar(req.Avatar)
	if err != nil {
		return nil, err
	}

	html := render.Render(s.template, render.Fields{
		Username:    username,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Font:        font,
	})

	if _, err := s.store.Write(ctx, pagePath, []byte(html), ghstore.WriteOptions{
		Message: "Create profile for " + username,
	}); err != nil {
		if errors.Is(err, ghstore.ErrConflict) {
			// lost the race against an identical creation
			s.cacheExists(ctx, username)
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, fmt.Errorf("publish page for %s: %w", username, err)
	}

	if _, err := s.store.Write(ctx, AvatarPath(username), avatar, ghstore.WriteOptions{
		Message: "Upload profile picture for " + username,
	}); err != nil {
		// the page is live without its image; surface that distinctly so the
		// caller retries the asset alone instead of recreating the profile
		s.cacheExists(ctx, username)
		s.logger.Error("partial_publish", "username", username, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPartialPublish, err)
	}

	s.cacheExists(ctx, username)
	s.mirrorAvatar(username, avatar)

	profile := &Profile{Username: username, URL: s.baseURL + "/u/" + username}
	s.notifier.ProfileCreated(username, profile.URL)
	s.logger.Info("profile_created", "username", username, "url", profile.URL)

	return profile, nil
}

// Edit re-renders the profile with updated display name and description and
// updates the document under its current version token. Username and font
// never change after creation. A concurrent update triggers exactly one
// re-read-and-retry; a second conflict is returned to the caller.
func (s *Service) Edit(ctx context.Context, username string, req EditRequest) error {
	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	pagePath := PagePath(username)

	file, err := s.store.Read(ctx, pagePath)
	if err != nil {
		if errors.Is(err, ghstore.ErrNotFound) {
			// valid session, no document behind it
			return fmt.Errorf("%w: %s", ErrOrphanedSession, username)
		}
		return fmt.Errorf("read profile %s: %w", username, err)
	}

	html := render.Render(s.template, render.Fields{
		Username:    username,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Font:        extractFont(file.Content),
	})

	_, err = s.store.Write(ctx, pagePath, []byte(html), ghstore.WriteOptions{
		SHA:     file.SHA,
		Message: "Update profile for " + username,
	})
	if err == nil {
		s.logger.Info("profile_updated", "username", username)
		return nil
	}
	if !errors.Is(err, ghstore.ErrConflict) {
		return fmt.Errorf("update profile %s: %w", username, err)
	}

	// someone advanced the version between our read and write; retry once
	// with a fresh token
	s.logger.Warn("edit_conflict_retry", "username", username)

	file, err = s.store.Read(ctx, pagePath)
	if err != nil {
		if errors.Is(err, ghstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrphanedSession, username)
		}
		return fmt.Errorf("re-read profile %s: %w", username, err)
	}

	html = render.Render(s.template, render.Fields{
		Username:    username,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Font:        extractFont(file.Content),
	})

	if _, err := s.store.Write(ctx, pagePath, []byte(html), ghstore.WriteOptions{
		SHA:     file.SHA,
		Message: "Update profile for " + username,
	}); err != nil {
		if errors.Is(err, ghstore.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrEditConflict, username)
		}
		return fmt.Errorf("update profile %s: %w", username, err)
	}

	s.logger.Info("profile_updated", "username", username, "retried", true)
	return nil
}

// RepairAvatar finishes a partial publish by uploading the missing avatar
// for an existing profile. If the avatar is already present there is nothing
// to repair.
func (s *Service) RepairAvatar(ctx context.Context, username string, avatarData []byte) error {
	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if len(avatarData) == 0 {
		return ErrMissingAvatar
	}

	if _, err := s.store.Read(ctx, PagePath(username)); err != nil {
		if errors.Is(err, ghstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrphanedSession, username)
		}
		return fmt.Errorf("read profile %s: %w", username, err)
	}

	avatarPath := AvatarPath(username)
	switch _, err := s.store.Read(ctx, avatarPath); {
	case err == nil:
		return nil // already published, nothing to do
	case errors.Is(err, ghstore.ErrNotFound):
		// the hole we are here to fill
	default:
		return fmt.Errorf("read avatar %s: %w", username, err)
	}

	avatar, err := storage.NormalizeAvatar(avatarData)
	if err != nil {
		return err
	}

	if _, err := s.store.Write(ctx, avatarPath, avatar, ghstore.WriteOptions{
		Message: "Upload profile picture for " + username,
	}); err != nil {
		if errors.Is(err, ghstore.ErrConflict) {
			return nil // raced against another repair, the avatar exists now
		}
		return fmt.Errorf("upload avatar for %s: %w", username, err)
	}

	s.mirrorAvatar(username, avatar)
	s.logger.Info("avatar_repaired", "username", username)
	return nil
}

// Exists reports whether a profile document is present for username.
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	username = NormalizeUsername(username)
	if s.existsInCache(ctx, username) {
		return true, nil
	}
	switch _, err := s.store.Read(ctx, PagePath(username)); {
	case err == nil:
		s.cacheExists(ctx, username)
		return true, nil
	case errors.Is(err, ghstore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ProfileURL returns the public link for a username.
func (s *Service) ProfileURL(username string) string {
	return s.baseURL + "/u/" + NormalizeUsername(username)
}

func (s *Service) existsInCache(ctx context.Context, username string) bool {
	if s.cache == nil {
		return false
	}
	v, err := s.cache.Get(ctx, "profile_exists:"+username)
	return err == nil && v != ""
}

func (s *Service) cacheExists(ctx context.Context, username string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, "profile_exists:"+username, "1", existsCacheTTL); err != nil {
		s.logger.Debug("exists_cache_set_failed", "username", username, "error", err)
	}
}

func (s *Service) mirrorAvatar(username string, avatar []byte) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.mirror.UploadAvatar(ctx, username, avatar); err != nil {
			s.logger.Warn("avatar_mirror_failed", "username", username, "error", err)
		}
	}()
}

var fontAttrRE = regexp.MustCompile(`data-font="([a-z0-9-]+)"`)

// extractFont recovers the font chosen at creation from the published
// document, so edits can re-render without a separate account record.
func extractFont(page []byte) string {
	m := fontAttrRE.FindSubmatch(page)
	if m == nil {
		return render.DefaultFont
	}
	return render.NormalizeFont(string(m[1]))
}
