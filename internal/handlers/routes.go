package handlers

import (
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/middleware"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/gin-gonic/gin"
)

// Routes bundles the handlers and guards mounted under /api/v1
type Routes struct {
	Bookings  *BookingHandler
	Payments  *PaymentHandler
	Sweeps    *SweepHandler
	Auth      gin.HandlerFunc
	RateLimit gin.HandlerFunc // optional
}

// RegisterRoutes mounts the lifecycle API on api
func RegisterRoutes(api *gin.RouterGroup, r Routes) {
	// Gateways authenticate themselves; the callback is re-verified upstream
	api.POST("/payments/webhooks/:gateway", r.Payments.Webhook)

	protected := api.Group("")
	protected.Use(r.Auth)
	if r.RateLimit != nil {
		protected.Use(r.RateLimit)
	}

	bookings := protected.Group("/bookings")
	{
		bookings.POST("", r.Bookings.CreateBooking)
		bookings.GET("/:id", r.Bookings.GetBooking)
		bookings.POST("/:id/cancel", r.Bookings.CancelBooking)
		bookings.POST("/:id/start", r.Bookings.StartSession)
		bookings.POST("/:id/completion-otp", r.Bookings.IssueCompletionOTP)
		bookings.POST("/:id/complete", r.Bookings.CompleteBooking)
		bookings.GET("/:id/chat", r.Bookings.GetChatStatus)

		bookings.POST("/:id/payments", r.Payments.CreatePayment)
		bookings.GET("/:id/payments/:txnId/status", r.Payments.GetPaymentStatus)
	}

	if r.Sweeps != nil {
		admin := protected.Group("/admin")
		admin.Use(middleware.RequireRole(models.PlatformRoleAdmin))
		{
			admin.POST("/sweep/run", r.Sweeps.RunSweep)
			admin.GET("/sweep/status", r.Sweeps.SweepStatus)
		}
	}
}
