package handlers

import (
	"errors"
	"net/http"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SweepHandler lets operators trigger and inspect the lifecycle sweep
type SweepHandler struct {
	sweeper *services.LifecycleSweeper
	cron    *services.CronService // nil when the schedule is disabled
	logger  *logrus.Logger
}

// NewSweepHandler creates a new SweepHandler
func NewSweepHandler(sweeper *services.LifecycleSweeper, cron *services.CronService, logger *logrus.Logger) *SweepHandler {
	return &SweepHandler{sweeper: sweeper, cron: cron, logger: logger}
}

// RunSweep runs one sweep tick now
// @Summary Run the lifecycle sweep
// @Tags Admin
// @Produce json
// @Success 200 {object} services.SweepReport
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/admin/sweep/run [post]
func (h *SweepHandler) RunSweep(c *gin.Context) {
	report, err := h.sweeper.RunOnce(c.Request.Context())
	if errors.Is(err, services.ErrSweepInProgress) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "SWEEP_IN_PROGRESS", Message: err.Error()})
		return
	}
	if err != nil {
		respondError(c, h.logger, err, "run sweep")
		return
	}
	c.JSON(http.StatusOK, report)
}

// SweepStatus reports the sweeper state and schedule
// @Summary Lifecycle sweep status
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/admin/sweep/status [get]
func (h *SweepHandler) SweepStatus(c *gin.Context) {
	resp := gin.H{"sweeper": h.sweeper.Status()}
	if h.cron != nil {
		resp["schedule"] = h.cron.GetJobStatus()
	}
	c.JSON(http.StatusOK, resp)
}
