// Package http exposes the hub over gin: the signaling websocket, the shared
// message store REST surface the polled fallback channel talks to, and a
// health endpoint.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/adapters/hub"
	"github.com/avolkov/huddle/internal/adapters/signal"
	"github.com/avolkov/huddle/internal/config"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The hub fronts browser clients from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, board *hub.Switchboard, store *signal.MemoryStore) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Server.Secret))
	r.Use(sessions.Sessions("HuddleSessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.Server.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.Server.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		sid := domain.SessionID(c.Query("session"))
		if sid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("ws upgrade failed")
			return
		}
		log.Info().
			Str("module", "adapters.http").
			Str("session", string(sid)).
			Str("client", c.GetString("client_token")).
			Msg("signal endpoint attached")
		board.Attach(ctx, sid, conn)
	})

	msgs := api.Group("/sessions/:sid/messages")

	msgs.POST("", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("sid"))
		var m core.Message
		if err := c.ShouldBindJSON(&m); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
			return
		}
		if err := store.Append(c.Request.Context(), sid, m); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusCreated)
	})

	msgs.GET("", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("sid"))
		since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		out, err := store.ListSince(c.Request.Context(), sid, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if out == nil {
			out = []core.Message{}
		}
		c.JSON(http.StatusOK, out)
	})

	msgs.DELETE("", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("sid"))
		before, err := strconv.ParseInt(c.Query("before"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		if err := store.PurgeBefore(c.Request.Context(), sid, before); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.Server.StaticPath).Msg("router setup")
	return r
}
