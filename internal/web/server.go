package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"spook-pages/internal/config"
	"spook-pages/internal/discord"
	"spook-pages/internal/publish"
	"spook-pages/internal/security"
	"spook-pages/internal/session"
)

const sessionCookie = "session"

// OAuthProvider is the slice of the Discord client the handlers need,
// satisfied by *discord.Client.
type OAuthProvider interface {
	AuthorizeURL() string
	ExchangeCode(ctx context.Context, code string) (string, error)
	FetchIdentity(ctx context.Context, accessToken string) (*discord.Identity, error)
	JoinGuild(ctx context.Context, userID, accessToken string) error
}

type Server struct {
	log       *slog.Logger
	cfg       config.Config
	publisher *publish.Service
	sessions  *session.Manager
	oauth     OAuthProvider
	limiter   *security.LimiterStore
	router    *gin.Engine
}

func NewServer(log *slog.Logger, cfg config.Config, publisher *publish.Service, sessions *session.Manager, oauth OAuthProvider) *Server {
	s := &Server{
		log:       log,
		cfg:       cfg,
		publisher: publisher,
		sessions:  sessions,
		oauth:     oauth,
		// publishes are expensive store writes; keep the per-IP budget small
		limiter: security.NewLimiterStore(rate.Every(time.Second), 10, 10*time.Minute),
		router:  gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.GET("/", s.index)
	r.GET("/create", s.createForm)
	r.POST("/create", s.create)
	r.GET("/edit", s.requireSession(), s.editForm)
	r.POST("/edit", s.requireSession(), s.edit)
	r.POST("/avatar", s.requireSession(), s.repairAvatar)
	r.GET("/dashboard", s.requireSession(), s.dashboard)
	r.GET("/login", s.login)
	r.GET("/api/auth/callback", s.authCallback)
	r.GET("/logout", s.logout)
	r.GET("/healthz", s.health)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// setSessionCookie binds the browser to a username for the token's lifetime.
func (s *Server) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(session.TTL.Seconds()), "/", "", s.secureCookies(), true)
}

func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.secureCookies(), true)
}

func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.cfg.BaseURL, "https://")
}

// currentUser resolves the session cookie to a username. Invalid, expired and
// revoked tokens all read as "not logged in".
func (s *Server) currentUser(c *gin.Context) (string, bool) {
	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		return "", false
	}
	username, err := s.sessions.Validate(c.Request.Context(), token)
	if err != nil {
		return "", false
	}
	return username, true
}
