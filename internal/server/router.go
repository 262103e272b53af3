package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/whirlpool-im/whirlpool/internal/common"
)

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(Recovery())
	r.Use(RequestID())
	r.Use(cors.Default())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	chatGroup := r.Group("/")
	if h.Cfg.AuthRequired {
		chatGroup.Use(AuthRequired(h.Cfg.JWTSecret))
	}
	chatGroup.GET("/chat/getMessages", h.GetMessages)
	chatGroup.GET("/ws", h.ServeWS)

	return r
}
