package handlers

import (
	"errors"
	"net/http"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/middleware"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed lifecycle request
type ErrorResponse struct {
	Error         string               `json:"error"`
	Message       string               `json:"message"`
	CurrentStatus models.BookingStatus `json:"current_status,omitempty"`
}

// respondError writes err with the status its kind maps to. Anything that is
// not a lifecycle error is an infrastructure failure and is logged.
func respondError(c *gin.Context, logger *logrus.Logger, err error, action string) {
	var le *models.LifecycleError
	if errors.As(err, &le) {
		c.JSON(le.HTTPStatus(), ErrorResponse{
			Error:         string(le.Kind),
			Message:       le.Message,
			CurrentStatus: le.CurrentStatus,
		})
		return
	}

	logger.WithError(err).WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"action": action,
	}).Error("Lifecycle request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "INTERNAL_ERROR",
		Message: "Failed to " + action,
	})
}

func badRequest(c *gin.Context, message string, err error) {
	resp := ErrorResponse{Error: string(models.KindValidation), Message: message}
	if err != nil {
		resp.Message = message + ": " + err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// uuidParam parses a path parameter, answering 400 when it is malformed
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "Invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(c *gin.Context) (middleware.UserContext, bool) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "Unauthorized"})
	}
	return userCtx, ok
}

func clientInfo(c *gin.Context) services.ClientInfo {
	userAgent := utils.GetUserAgent(c)
	return services.ClientInfo{
		IP:        utils.GetRealIP(c),
		UserAgent: userAgent,
		Device:    utils.ParseUserAgent(userAgent).DeviceType,
	}
}
