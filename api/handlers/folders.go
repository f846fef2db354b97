package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/agentterm/agentterm/internal/fsutil"
	"github.com/agentterm/agentterm/internal/model"
)

// FolderHandler lists directories for the client's folder picker, bounded
// by the configured base folder.
type FolderHandler struct {
	baseFolder string
}

// NewFolderHandler creates a new FolderHandler.
func NewFolderHandler(baseFolder string) *FolderHandler {
	return &FolderHandler{baseFolder: baseFolder}
}

// RegisterRoutes registers folder routes on the API group.
func (h *FolderHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/folders", h.List)
}

// List handles GET /api/folders?path=<dir>. An empty path lists the base
// folder itself.
func (h *FolderHandler) List(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		path = h.baseFolder
	}

	resolved, err := fsutil.ResolveDirWithinBase(h.baseFolder, path)
	if err != nil {
		if errors.Is(err, model.ErrPathTraversal) {
			sendError(c, http.StatusForbidden, "PATH_TRAVERSAL", err.Error())
			return
		}
		sendError(c, http.StatusNotFound, "NOT_FOUND", "directory not found")
		return
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	folders := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != "" && entry.Name()[0] != '.' {
			folders = append(folders, entry.Name())
		}
	}

	parent := ""
	if resolved != h.baseFolder {
		parent = filepath.Dir(resolved)
	}

	c.JSON(http.StatusOK, gin.H{
		"path":    resolved,
		"parent":  parent,
		"folders": folders,
	})
}
