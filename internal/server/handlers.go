package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whirlpool-im/whirlpool/internal/auth"
	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/common"
	"github.com/whirlpool-im/whirlpool/internal/config"
	"github.com/whirlpool-im/whirlpool/internal/store"
)

type Handler struct {
	Repo *store.Repo
	Cfg  config.Config
	Hub  *Hub
}

func NewHandler(repo *store.Repo, cfg config.Config, hub *Hub) *Handler {
	return &Handler{Repo: repo, Cfg: cfg, Hub: hub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// GetMessages serves one history page. The response is a bare JSON array
// of wire messages: this shape is the stable contract consumed by the
// history client, so it skips the envelope the other endpoints use.
func (h *Handler) GetMessages(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "room required")
		return
	}

	skip, _ := strconv.Atoi(c.Query("skip"))
	paging, _ := strconv.Atoi(c.Query("paging"))

	page, err := h.Repo.ListPage(c.Request.Context(), room, skip, paging)
	if err != nil {
		logrus.WithError(err).Error("history query failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list messages")
		return
	}

	out := make([]chat.WireMessage, 0, len(page))
	for i := range page {
		out = append(out, page[i].Wire())
	}
	c.JSON(http.StatusOK, out)
}

// ServeWS hands the connection to the hub.
func (h *Handler) ServeWS(c *gin.Context) {
	h.Hub.ServeWS(c.Writer, c.Request)
}

type registerReq struct {
	Username  string `json:"username" binding:"required"`
	Password  string `json:"password" binding:"required"`
	AvatarURL string `json:"userImageUrl"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	user := store.UserRecord{
		Username:     req.Username,
		PasswordHash: hash,
		AvatarURL:    req.AvatarURL,
	}
	if err := h.Repo.CreateUser(c.Request.Context(), &user); err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe username already exists)")
		return
	}

	token, err := auth.SignToken(user.Username, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"token":    token,
	})
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	user, err := h.Repo.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid credentials")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40101, "invalid credentials")
		return
	}

	token, err := auth.SignToken(user.Username, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"username": user.Username,
		"token":    token,
	})
}
