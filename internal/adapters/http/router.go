package http

import (
	"context"
	"time"

	"github.com/dkeye/Callbox/internal/adapters/signal"
	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/presence"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	clientCookie  = "ct"
	sessionCookie = "CallboxSession"
)

// Deps is everything the router needs to serve requests.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Tokens   *auth.Manager
	Registry *app.Registry
	Limiter  *app.WriteLimiter
}

// ClientTokenMiddleware keeps a signed client token in the "ct" cookie and
// exposes the client id under signal.ClientIDKey. A missing or invalid token
// is replaced by a fresh one.
func ClientTokenMiddleware(tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		var cid string
		if token, _ := c.Cookie(clientCookie); token != "" {
			if claims, err := tokens.Verify(token, now); err == nil {
				cid = claims.ClientID
			} else {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("rejecting client token")
			}
		}
		if cid == "" {
			cid = auth.NewClientID()
			token, err := tokens.Issue(now, cid)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("issue client token")
				c.AbortWithStatusJSON(500, gin.H{"error": "token"})
				return
			}
			c.SetCookie(clientCookie, token, int(tokens.TTL().Seconds()), "/", "", false, true)
		}
		c.Set(signal.ClientIDKey, cid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cs := cookie.NewStore([]byte(cfg.Secret))
	cs.Options(sessions.Options{Path: "/", MaxAge: int(cfg.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionCookie, cs))
	r.Use(ClientTokenMiddleware(d.Tokens))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{
		cfg:     cfg,
		store:   d.Store,
		users:   presence.NewDirectory(d.Store),
		limiter: d.Limiter,
	}
	ctrl := signal.NewSignalWSController(d.Store, d.Registry, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")
	api.GET("/config", h.getConfig)
	api.GET("/session", h.getSession)
	api.POST("/session/name", h.setName)

	docs := api.Group("/docs")
	docs.GET("/*path", h.readDocs)
	docs.POST("/*path", h.limitWrites, h.addDoc)
	docs.PUT("/*path", h.limitWrites, h.setDoc)
	docs.PATCH("/*path", h.limitWrites, h.updateDoc)

	api.GET("/users", h.listUsers)
	api.POST("/users", h.limitWrites, h.announce)
	api.POST("/motion", h.renderMotion)

	api.GET("/ws/watch", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("cid", c.GetString(signal.ClientIDKey)).Msg("ws watch endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
