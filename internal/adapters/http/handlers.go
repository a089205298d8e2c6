package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkeye/Callbox/internal/adapters/signal"
	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/motion"
	"github.com/dkeye/Callbox/internal/presence"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionNameKey = "name"

type handlers struct {
	cfg     *config.Config
	store   *store.Store
	users   *presence.Directory
	limiter *app.WriteLimiter
}

type NameRequest struct {
	Name string `json:"name"`
}

type UserResponse struct {
	ID       domain.UserID     `json:"id"`
	Name     string            `json:"name"`
	Location domain.Coordinate `json:"location"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Username, Location: u.Location}
}

func (h *handlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ice": h.cfg.ICE(),
		"map": h.cfg.MapView(),
	})
}

func (h *handlers) getSession(c *gin.Context) {
	name, _ := sessions.Default(c).Get(sessionNameKey).(string)
	c.JSON(http.StatusOK, gin.H{
		"client": c.GetString(signal.ClientIDKey),
		"name":   name,
	})
}

// setName stores the display name. An empty name is rejected so the page
// prompts again.
func (h *handlers) setName(c *gin.Context) {
	var req NameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	name, err := domain.ValidateUsername(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(sessionNameKey, name)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name})
}

func (h *handlers) limitWrites(c *gin.Context) {
	cid := core.ClientID(c.GetString(signal.ClientIDKey))
	if !h.limiter.Allow(cid) {
		log.Warn().Str("module", "adapters.http").Str("cid", string(cid)).Msg("write rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many writes"})
		return
	}
	c.Next()
}

func (h *handlers) readDocs(c *gin.Context) {
	path := c.Param("path")
	if store.IsDocument(path) {
		snap, err := h.store.Get(c.Request.Context(), path)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, signal.DocFrameOf(snap))
		return
	}
	snaps, err := h.store.List(c.Request.Context(), path)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]signal.DocFrame, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, signal.DocFrameOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"docs": out})
}

func (h *handlers) addDoc(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	id, err := h.store.Add(c.Request.Context(), c.Param("path"), body)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *handlers) setDoc(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if err := h.store.Set(c.Request.Context(), c.Param("path"), body); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) updateDoc(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if err := h.store.Update(c.Request.Context(), c.Param("path"), body); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// announce writes the caller's presence record under the session name.
func (h *handlers) announce(c *gin.Context) {
	name, _ := sessions.Default(c).Get(sessionNameKey).(string)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display name required"})
		return
	}
	var at domain.Coordinate
	if err := c.ShouldBindJSON(&at); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": presence.ErrLocationUnavailable.Error()})
		return
	}
	u, err := h.users.Add(c.Request.Context(), name, at)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse(u))
}

func (h *handlers) renderMotion(c *gin.Context) {
	var rd motion.Reading
	if err := c.ShouldBindJSON(&rd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad reading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": motion.Render(rd)})
}

func readBody(c *gin.Context) (json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
		return nil, false
	}
	return body, true
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, store.ErrNotObject),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrCoordinateOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("store request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
