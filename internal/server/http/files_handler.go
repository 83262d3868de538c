package http

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	pathpkg "path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

// Uploads beyond this size are rejected before they reach the gateway.
const maxUploadBytes = 32 << 20

// fileHandler fronts the RBAC file gateway. Every endpoint names the
// acting user via userId; the gateway decides and audits.
type fileHandler struct {
	gateway *app.FileGateway
	logger  logging.Logger
}

func newFileHandler(gateway *app.FileGateway, logger logging.Logger) *fileHandler {
	return &fileHandler{gateway: gateway, logger: logging.OrNop(logger)}
}

func (h *fileHandler) ready(c *gin.Context) bool {
	if h.gateway == nil {
		writeError(c, h.logger, app.UnavailableError("file gateway not configured"))
		return false
	}
	return true
}

// Tree lists the immediate children of a directory.
func (h *fileHandler) Tree(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	path := c.DefaultQuery("path", "/")
	nodes, err := h.gateway.ListTree(c.Request.Context(), c.Query("userId"), path)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if nodes == nil {
		nodes = []app.FileNode{}
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "nodes": nodes})
}

// Download streams the file as an attachment.
func (h *fileHandler) Download(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	reader, node, err := h.gateway.Download(c.Request.Context(), c.Query("userId"), c.Query("path"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", node.Name))
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(node.Size, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.Debug("download %s aborted: %v", node.Path, err)
	}
}

// Read returns a windowed read of the file.
func (h *fileHandler) Read(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	offset, err := int64Query(c, "offset", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	limit, err := int64Query(c, "limit", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	chunk, err := h.gateway.ReadFile(c.Request.Context(), c.Query("userId"), c.Query("path"), offset, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, chunk)
}

// Write creates or replaces a file.
func (h *fileHandler) Write(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body struct {
		UserID   string `json:"userId"`
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if err := h.gateway.WriteFile(c.Request.Context(), body.UserID, body.Path, body.Content, body.Encoding); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Upload accepts a multipart file and writes it under the form's path
// directory, keeping the uploaded filename.
func (h *fileHandler) Upload(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	file, err := c.FormFile("file")
	if err != nil {
		writeError(c, h.logger, app.ValidationError("multipart file field is required: "+err.Error()))
		return
	}
	userID := c.PostForm("userId")
	dir := strings.TrimSpace(c.PostForm("path"))
	if dir == "" {
		dir = "/"
	}
	dest := pathpkg.Join(dir, pathpkg.Base(file.Filename))

	src, err := file.Open()
	if err != nil {
		writeError(c, h.logger, app.ValidationError("open upload: "+err.Error()))
		return
	}
	defer src.Close()
	raw, err := io.ReadAll(src)
	if err != nil {
		writeError(c, h.logger, app.ValidationError("read upload: "+err.Error()))
		return
	}

	content := base64.StdEncoding.EncodeToString(raw)
	if err := h.gateway.WriteFile(c.Request.Context(), userID, dest, content, app.EncodingBase64); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "path": dest, "size": len(raw)})
}

// Rename moves a file or directory.
func (h *fileHandler) Rename(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body struct {
		UserID   string `json:"userId"`
		FromPath string `json:"fromPath"`
		ToPath   string `json:"toPath"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if err := h.gateway.Rename(c.Request.Context(), body.UserID, body.FromPath, body.ToPath); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a file or empty directory.
func (h *fileHandler) Delete(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	if err := h.gateway.DeletePath(c.Request.Context(), c.Query("userId"), c.Query("path")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Mkdir creates a directory, parents included.
func (h *fileHandler) Mkdir(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body struct {
		UserID string `json:"userId"`
		Path   string `json:"path"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if err := h.gateway.Mkdir(c.Request.Context(), body.UserID, body.Path); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// int64Query parses an optional int64 query parameter.
func int64Query(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, app.ValidationError(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return value, nil
}
