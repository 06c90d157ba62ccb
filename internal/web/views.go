package web

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"spook-pages/internal/render"
)

// The service pages are deliberately tiny: the product is the published
// profile, not this UI.

type viewData struct {
	Username   string
	Display    string
	Fonts      []string
	ProfileURL string
	Error      string
}

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "head"}}<!doctype html><html><head><meta charset="utf-8"><title>spook.bio</title></head><body>{{end}}
{{define "foot"}}</body></html>{{end}}

{{define "create"}}{{template "head"}}
<h1>Claim your page</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/create" enctype="multipart/form-data">
  <input name="username" value="{{.Username}}" placeholder="username" maxlength="32" required>
  <input name="display" value="{{.Display}}" placeholder="display name" maxlength="80">
  <textarea name="description" placeholder="about you" maxlength="500"></textarea>
  <select name="font">{{range .Fonts}}<option value="{{.}}">{{.}}</option>{{end}}</select>
  <input type="file" name="avatar" accept="image/*" required>
  <button type="submit">Publish</button>
</form>
<p><a href="/login">Log in with Discord</a></p>
{{template "foot"}}{{end}}

{{define "edit"}}{{template "head"}}
<h1>Edit @{{.Username}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/edit">
  <input name="display" value="{{.Display}}" placeholder="display name" maxlength="80">
  <textarea name="description" placeholder="about you" maxlength="500"></textarea>
  <button type="submit">Save</button>
</form>
<p><a href="/dashboard">Back</a></p>
{{template "foot"}}{{end}}

{{define "dashboard"}}{{template "head"}}
<h1>@{{.Username}}</h1>
<p>Your page is live at <a href="{{.ProfileURL}}">{{.ProfileURL}}</a></p>
<p><a href="/edit">Edit page</a> &middot; <a href="/logout">Log out</a></p>
<form method="post" action="/avatar" enctype="multipart/form-data">
  <input type="file" name="avatar" accept="image/*" required>
  <button type="submit">Re-upload avatar</button>
</form>
{{template "foot"}}{{end}}

{{define "error"}}{{template "head"}}
<h1>Something went wrong</h1>
<p>{{.Error}}</p>
<p><a href="/">Home</a></p>
{{template "foot"}}{{end}}
`))

func (s *Server) renderPage(c *gin.Context, status int, name string, data viewData) {
	if data.Fonts == nil {
		data.Fonts = render.Fonts()
	}
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(c.Writer, name, data); err != nil {
		s.log.Error("render_page_failed", "page", name, "error", err)
	}
}

func (s *Server) renderError(c *gin.Context, status int, msg string) {
	s.renderPage(c, status, "error", viewData{Error: msg})
}

func (s *Server) redirect(c *gin.Context, to string) {
	c.Redirect(http.StatusFound, to)
}
