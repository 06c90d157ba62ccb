package web

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"spook-pages/internal/ghstore"
	"spook-pages/internal/publish"
	"spook-pages/internal/storage"
)

func (s *Server) index(c *gin.Context) {
	if username, ok := s.currentUser(c); ok {
		if exists, err := s.publisher.Exists(c.Request.Context(), username); err == nil && exists {
			s.redirect(c, "/dashboard")
			return
		}
	}
	s.redirect(c, "/create")
}

func (s *Server) createForm(c *gin.Context) {
	if username, ok := s.currentUser(c); ok {
		if exists, err := s.publisher.Exists(c.Request.Context(), username); err == nil && exists {
			s.redirect(c, "/edit")
			return
		}
		// logged in via Discord but no page yet: prefill the handle
		s.renderPage(c, http.StatusOK, "create", viewData{Username: username})
		return
	}
	s.renderPage(c, http.StatusOK, "create", viewData{})
}

func (s *Server) create(c *gin.Context) {
	ctx := c.Request.Context()

	// a session already backed by a page means this account exists; creation
	// is not an update path
	if username, ok := s.currentUser(c); ok {
		if exists, err := s.publisher.Exists(ctx, username); err == nil && exists {
			s.renderError(c, http.StatusConflict, "You already have a page. Edit it instead.")
			return
		}
	}

	avatar, cleanup, err := s.receiveAvatar(c)
	if err != nil {
		s.renderPage(c, http.StatusBadRequest, "create", viewData{
			Username: c.PostForm("username"),
			Display:  c.PostForm("display"),
			Error:    err.Error(),
		})
		return
	}
	defer cleanup()

	profile, err := s.publisher.Create(ctx, publish.CreateRequest{
		Username:    c.PostForm("username"),
		DisplayName: c.PostForm("display"),
		Description: c.PostForm("description"),
		Font:        c.PostForm("font"),
		Avatar:      avatar,
	})
	if err != nil {
		s.failCreate(c, err)
		return
	}

	token, err := s.sessions.Issue(profile.Username)
	if err != nil {
		// the page is published; losing the session only costs a re-login
		s.log.Error("session_issue_failed", "username", profile.Username, "error", err)
		s.redirect(c, profile.URL)
		return
	}
	s.setSessionCookie(c, token)
	s.redirect(c, "/dashboard")
}

func (s *Server) failCreate(c *gin.Context, err error) {
	data := viewData{Username: c.PostForm("username"), Display: c.PostForm("display")}
	switch {
	case errors.Is(err, publish.ErrInvalidUsername):
		data.Error = "Usernames are 1-32 characters: lowercase letters, digits, - and _."
		s.renderPage(c, http.StatusBadRequest, "create", data)
	case errors.Is(err, publish.ErrMissingAvatar), errors.Is(err, storage.ErrNoImage):
		data.Error = "A profile picture is required."
		s.renderPage(c, http.StatusBadRequest, "create", data)
	case errors.Is(err, storage.ErrImageTooBig):
		data.Error = fmt.Sprintf("Profile pictures are limited to %d MB.", storage.MaxAvatarBytes/(1<<20))
		s.renderPage(c, http.StatusBadRequest, "create", data)
	case errors.Is(err, storage.ErrInvalidImage):
		data.Error = "That file is not a usable image."
		s.renderPage(c, http.StatusBadRequest, "create", data)
	case errors.Is(err, publish.ErrUsernameTaken):
		data.Error = "That username is taken. Choose another."
		s.renderPage(c, http.StatusConflict, "create", data)
	case errors.Is(err, publish.ErrPartialPublish):
		// page exists, avatar does not; point at the repair path
		s.renderError(c, http.StatusBadGateway, "Your page was published, but the picture upload failed. Log in and re-upload it from your dashboard.")
	case errors.Is(err, ghstore.ErrUnavailable):
		s.renderError(c, http.StatusBadGateway, "Publishing is briefly unavailable. Nothing was created; try again in a minute.")
	default:
		s.log.Error("create_failed", "error", err)
		s.renderError(c, http.StatusInternalServerError, "Could not publish your page.")
	}
}

func (s *Server) editForm(c *gin.Context) {
	s.renderPage(c, http.StatusOK, "edit", viewData{Username: c.GetString("username")})
}

func (s *Server) edit(c *gin.Context) {
	username := c.GetString("username")

	err := s.publisher.Edit(c.Request.Context(), username, publish.EditRequest{
		DisplayName: c.PostForm("display"),
		Description: c.PostForm("description"),
	})
	switch {
	case err == nil:
		s.redirect(c, "/dashboard")
	case errors.Is(err, publish.ErrOrphanedSession):
		// logged in, but the page was never created (or is gone)
		s.redirect(c, "/create")
	case errors.Is(err, publish.ErrEditConflict):
		s.renderPage(c, http.StatusConflict, "edit", viewData{
			Username: username,
			Error:    "Your page changed while you were editing. Reload and try again.",
		})
	case errors.Is(err, ghstore.ErrUnavailable):
		s.renderError(c, http.StatusBadGateway, "Saving is briefly unavailable. Your page was not changed; try again in a minute.")
	default:
		s.log.Error("edit_failed", "username", username, "error", err)
		s.renderError(c, http.StatusInternalServerError, "Could not save your changes.")
	}
}

func (s *Server) repairAvatar(c *gin.Context) {
	username := c.GetString("username")

	avatar, cleanup, err := s.receiveAvatar(c)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	err = s.publisher.RepairAvatar(c.Request.Context(), username, avatar)
	switch {
	case err == nil:
		s.redirect(c, "/dashboard")
	case errors.Is(err, publish.ErrOrphanedSession):
		s.redirect(c, "/create")
	case errors.Is(err, storage.ErrInvalidImage), errors.Is(err, storage.ErrImageTooBig):
		s.renderError(c, http.StatusBadRequest, "That file is not a usable image.")
	case errors.Is(err, ghstore.ErrUnavailable):
		s.renderError(c, http.StatusBadGateway, "Uploads are briefly unavailable. Try again in a minute.")
	default:
		s.log.Error("avatar_repair_failed", "username", username, "error", err)
		s.renderError(c, http.StatusInternalServerError, "Could not upload the picture.")
	}
}

func (s *Server) dashboard(c *gin.Context) {
	username := c.GetString("username")

	exists, err := s.publisher.Exists(c.Request.Context(), username)
	if err != nil {
		s.renderError(c, http.StatusBadGateway, "Your page could not be loaded. Try again in a minute.")
		return
	}
	if !exists {
		s.redirect(c, "/create")
		return
	}

	s.renderPage(c, http.StatusOK, "dashboard", viewData{
		Username:   username,
		ProfileURL: s.publisher.ProfileURL(username),
	})
}

func (s *Server) login(c *gin.Context) {
	s.redirect(c, s.oauth.AuthorizeURL())
}

// authCallback finishes the Discord login. A failed exchange never issues a
// session; the visitor just lands back on /login.
func (s *Server) authCallback(c *gin.Context) {
	ctx := c.Request.Context()

	code := c.Query("code")
	if code == "" {
		s.redirect(c, "/login")
		return
	}

	accessToken, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.log.Warn("oauth_exchange_failed", "error", err)
		s.redirect(c, "/login")
		return
	}

	identity, err := s.oauth.FetchIdentity(ctx, accessToken)
	if err != nil {
		s.log.Warn("oauth_identity_failed", "error", err)
		s.redirect(c, "/login")
		return
	}

	// community enrollment is best-effort; login never fails on it
	if err := s.oauth.JoinGuild(ctx, identity.ID, accessToken); err != nil {
		s.log.Warn("guild_join_failed", "user_id", identity.ID, "error", err)
	}

	username := deriveUsername(identity.Username, identity.ID)
	token, err := s.sessions.Issue(username)
	if err != nil {
		s.log.Error("session_issue_failed", "username", username, "error", err)
		s.renderError(c, http.StatusInternalServerError, "Login failed. Try again.")
		return
	}
	s.setSessionCookie(c, token)
	s.log.Info("login_completed", "username", username)

	if exists, err := s.publisher.Exists(ctx, username); err == nil && exists {
		s.redirect(c, "/dashboard")
		return
	}
	s.redirect(c, "/create")
}

func (s *Server) logout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
		if err := s.sessions.Revoke(c.Request.Context(), token); err != nil {
			s.log.Warn("session_revoke_failed", "error", err)
		}
	}
	s.clearSessionCookie(c)
	s.redirect(c, "/")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// receiveAvatar spools the multipart upload to a temp file, reads it back,
// and hands the caller a cleanup func. The temp file is removed on every
// path; rejected uploads never linger on disk.
func (s *Server) receiveAvatar(c *gin.Context) ([]byte, func(), error) {
	fh, err := c.FormFile("avatar")
	if err != nil {
		return nil, func() {}, errors.New("a profile picture is required")
	}
	if fh.Size > storage.MaxAvatarBytes {
		return nil, func() {}, fmt.Errorf("profile pictures are limited to %d MB", storage.MaxAvatarBytes/(1<<20))
	}

	tmp := filepath.Join(s.cfg.UploadDir, "upload-"+uuid.NewString())
	if err := c.SaveUploadedFile(fh, tmp); err != nil {
		return nil, func() {}, errors.New("the upload could not be received")
	}
	cleanup := func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			s.log.Warn("temp_upload_remove_failed", "path", tmp, "error", err)
		}
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		cleanup()
		return nil, func() {}, errors.New("the upload could not be read")
	}
	return data, cleanup, nil
}

// deriveUsername turns a Discord handle into a candidate page username,
// keeping only the allowed charset. Handles that reduce to nothing fall back
// to the numeric account id.
func deriveUsername(handle, id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(handle) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	u := b.String()
	if len(u) > 32 {
		u = u[:32]
	}
	if u == "" {
		u = "u" + id
		if len(u) > 32 {
			u = u[:32]
		}
	}
	return u
}
