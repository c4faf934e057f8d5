// Package api is the management server's REST surface. Short operations
// answer synchronously; long operations answer 202 Accepted with a Location
// header naming the one-shot WebSocket at which their progress streams.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/metrics"
	"github.com/factoriod/factoriod/internal/mgmt/operation"
	"github.com/factoriod/factoriod/internal/mgmt/opstream"
	"github.com/factoriod/factoriod/pkg/schema"
)

// Handlers binds the REST routes to the operation router and its
// collaborators.
type Handlers struct {
	ops      *operation.Router
	registry *opstream.Registry
	broker   *events.Broker
	store    *metrics.Store
	logger   *logger.Logger
}

// RegisterRoutes mounts everything on the engine.
func RegisterRoutes(router *gin.Engine, ops *operation.Router, registry *opstream.Registry,
	broker *events.Broker, store *metrics.Store, log *logger.Logger) {
	h := &Handlers{
		ops:      ops,
		registry: registry,
		broker:   broker,
		store:    store,
		logger:   log.WithFields(zap.String("component", "api")),
	}

	router.GET("/operation/:id", registry.Handle)

	api := router.Group("/api/v1")

	api.GET("/server/status", h.serverStatus)
	api.POST("/server/start", h.serverStart)
	api.POST("/server/stop", h.serverStop)
	api.GET("/server/version", h.versionGet)
	api.POST("/server/install", h.versionInstall)

	api.GET("/saves", h.saveList)
	api.POST("/saves/:name", h.saveCreate)
	api.PUT("/saves/:name", h.saveUpload)
	api.DELETE("/saves/:name", h.saveDelete)
	api.GET("/saves/:name/download", h.saveDownload)
	api.GET("/saves/:name/mods", h.modListExtract)

	api.GET("/mods/list", h.modListGet)
	api.PUT("/mods/list", h.modListSet)
	api.GET("/mods/settings", h.modSettingsGet)
	api.PUT("/mods/settings", h.modSettingsSet)

	api.GET("/config/adminlist", h.adminListGet)
	api.PUT("/config/adminlist", h.adminListSet)
	api.GET("/config/banlist", h.banListGet)
	api.PUT("/config/banlist", h.banListSet)
	api.GET("/config/whitelist", h.whiteListGet)
	api.PUT("/config/whitelist", h.whiteListSet)
	api.GET("/config/rcon", h.rconConfigGet)
	api.PUT("/config/rcon", h.rconConfigSet)
	api.GET("/config/secrets", h.secretsGet)
	api.PUT("/config/secrets", h.secretsSet)
	api.GET("/config/server-settings", h.serverSettingsGet)
	api.PUT("/config/server-settings", h.serverSettingsSet)

	api.POST("/rcon", h.rconCommand)

	api.GET("/agent/build", h.buildVersion)
	api.GET("/agent/resources", h.systemResources)

	api.GET("/logs/:category", h.streamLogs)

	api.GET("/metrics", h.metricNames)
	api.GET("/metrics/:name", h.metricQuery)
}

// fail translates the operation error taxonomy into HTTP statuses.
func (h *Handlers) fail(c *gin.Context, err error) {
	var agentErr *operation.AgentError
	switch {
	case errors.Is(err, operation.ErrAgentDisconnected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "agent disconnected"})
	case errors.Is(err, operation.ErrAgentTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "agent timed out"})
	case errors.Is(err, operation.ErrConflictingOperation):
		c.JSON(http.StatusConflict, gin.H{"error": "conflicting operation in progress"})
	case errors.Is(err, operation.ErrSaveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "savefile not found"})
	case errors.Is(err, operation.ErrNotInstalled):
		c.JSON(http.StatusNotFound, gin.H{"error": "no version installed"})
	case errors.Is(err, operation.ErrMissingSecrets):
		c.JSON(http.StatusConflict, gin.H{"error": "agent secrets not configured"})
	case errors.As(err, &agentErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": agentErr.Message})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// accept registers the stream and answers 202 with its Location.
func (h *Handlers) accept(c *gin.Context, stream *operation.Stream) {
	location := h.registry.Register(stream)
	c.Header("Location", location)
	c.JSON(http.StatusAccepted, gin.H{"operation_id": stream.ID, "location": location})
}

func (h *Handlers) serverStatus(c *gin.Context) {
	status, err := h.ops.ServerStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type serverStartRequest struct {
	Savefile string `json:"savefile" binding:"required"`
}

func (h *Handlers) serverStart(c *gin.Context) {
	var body serverStartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "savefile is required"})
		return
	}
	if err := h.ops.ServerStart(c.Request.Context(), schema.SavefileRef{Specific: body.Savefile}); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) serverStop(c *gin.Context) {
	if err := h.ops.ServerStop(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) versionGet(c *gin.Context) {
	version, err := h.ops.VersionGet(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

type versionInstallRequest struct {
	Version string `json:"version" binding:"required"`
	Force   bool   `json:"force"`
}

func (h *Handlers) versionInstall(c *gin.Context) {
	var body versionInstallRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}
	stream, err := h.ops.VersionInstall(c.Request.Context(), body.Version, body.Force)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.accept(c, stream)
}

func (h *Handlers) saveList(c *gin.Context) {
	saves, err := h.ops.SaveList(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saves)
}

func (h *Handlers) saveCreate(c *gin.Context) {
	stream, err := h.ops.SaveCreate(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.accept(c, stream)
}

func (h *Handlers) saveUpload(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := h.ops.SaveSet(c.Request.Context(), c.Param("name"), schema.SaveBytes{Bytes: body}); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) saveDelete(c *gin.Context) {
	if err := h.ops.SaveDelete(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) saveDownload(c *gin.Context) {
	stream, err := h.ops.SaveGet(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.accept(c, stream)
}

func (h *Handlers) modListExtract(c *gin.Context) {
	mods, err := h.ops.ModListExtractFromSave(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mods)
}

func (h *Handlers) modListGet(c *gin.Context) {
	mods, err := h.ops.ModListGet(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mods)
}

func (h *Handlers) modListSet(c *gin.Context) {
	var mods []schema.ModObject
	if err := c.ShouldBindJSON(&mods); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mod list"})
		return
	}
	stream, err := h.ops.ModListSet(c.Request.Context(), mods)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.accept(c, stream)
}

func (h *Handlers) modSettingsGet(c *gin.Context) {
	blob, err := h.ops.ModSettingsGet(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", blob)
}

func (h *Handlers) modSettingsSet(c *gin.Context) {
	blob, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := h.ops.ModSettingsSet(c.Request.Context(), blob); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) adminListGet(c *gin.Context) {
	users, err := h.ops.AdminList(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handlers) adminListSet(c *gin.Context) {
	var users []string
	if err := c.ShouldBindJSON(&users); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user list"})
		return
	}
	if err := h.ops.SetAdminList(c.Request.Context(), users); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) banListGet(c *gin.Context) {
	users, err := h.ops.BanList(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handlers) banListSet(c *gin.Context) {
	var users []string
	if err := c.ShouldBindJSON(&users); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user list"})
		return
	}
	if err := h.ops.SetBanList(c.Request.Context(), users); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) whiteListGet(c *gin.Context) {
	wl, err := h.ops.WhiteList(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wl)
}

func (h *Handlers) whiteListSet(c *gin.Context) {
	var wl schema.WhiteList
	if err := c.ShouldBindJSON(&wl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid whitelist"})
		return
	}
	if err := h.ops.SetWhiteList(c.Request.Context(), wl); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) rconConfigGet(c *gin.Context) {
	cfg, err := h.ops.RconConfig(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type rconConfigRequest struct {
	Password string `json:"password"`
}

func (h *Handlers) rconConfigSet(c *gin.Context) {
	var body rconConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.ops.SetRconPassword(c.Request.Context(), body.Password); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) secretsGet(c *gin.Context) {
	s, err := h.ops.Secrets(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	// The agent already strips the token; double-ensure it never leaks.
	c.JSON(http.StatusOK, gin.H{"username": s.Username})
}

func (h *Handlers) secretsSet(c *gin.Context) {
	var s schema.Secrets
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.ops.SetSecrets(c.Request.Context(), s); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) serverSettingsGet(c *gin.Context) {
	doc, err := h.ops.ServerSettings(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(doc))
}

func (h *Handlers) serverSettingsSet(c *gin.Context) {
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := h.ops.SetServerSettings(c.Request.Context(), string(doc)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type rconCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (h *Handlers) rconCommand(c *gin.Context) {
	var body rconCommandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	resp, err := h.ops.RconCommand(c.Request.Context(), body.Command)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": resp})
}

func (h *Handlers) buildVersion(c *gin.Context) {
	build, err := h.ops.BuildVersion(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (h *Handlers) systemResources(c *gin.Context) {
	res, err := h.ops.SystemResources(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) metricNames(c *gin.Context) {
	names, err := h.store.Names(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (h *Handlers) metricQuery(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from tick"})
		return
	}
	to, err := strconv.ParseUint(c.DefaultQuery("to", "1000000000000"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to tick"})
		return
	}
	points, err := h.store.Query(c.Request.Context(), c.Param("name"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}
