package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/agentterm/agentterm/internal/bridge"
	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/registry"
	"github.com/agentterm/agentterm/internal/voice"
)

// ConnCounter exposes the hub's live connection count.
type ConnCounter interface {
	ConnCount() int
}

// SystemHandler serves health and capability reporting.
type SystemHandler struct {
	cfg       *config.Config
	reg       *registry.Registry
	hub       ConnCounter
	voice     *voice.Service
	startedAt time.Time
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(cfg *config.Config, reg *registry.Registry, hub ConnCounter, voiceSvc *voice.Service) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		reg:       reg,
		hub:       hub,
		voice:     voiceSvc,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers system routes on the API group.
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
	rg.GET("/config", h.Config)
}

// Health handles GET /api/health.
func (h *SystemHandler) Health(c *gin.Context) {
	total, active := h.reg.Counts()

	resp := gin.H{
		"status":         "ok",
		"pid":            os.Getpid(),
		"uptimeSeconds":  int64(time.Since(h.startedAt).Seconds()),
		"sessions":       total,
		"activeSessions": active,
		"connections":    h.hub.ConnCount(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp["memoryRSS"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp["cpuPercent"] = cpu
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Config handles GET /api/config: capability reporting for the client UI.
// Unresolvable tools show up as unavailable here, never as errors.
func (h *SystemHandler) Config(c *gin.Context) {
	hostname, _ := os.Hostname()

	tools := make(map[string]bool)
	for tool, available := range bridge.Availability() {
		tools[string(tool)] = available
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname":      hostname,
		"baseFolder":    h.cfg.BaseFolder,
		"dangerousMode": h.cfg.DangerousMode,
		"tools":         tools,
		"voice":         gin.H{"status": h.voice.Status()},
	})
}
