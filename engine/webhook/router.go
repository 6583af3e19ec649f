package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/issueflow/issueflow/pkg/logger"
)

// InletSink receives verified inbound webhooks. Implemented by the trigger
// manager.
type InletSink interface {
	// InletSecret returns the HMAC secret bound to an inlet; ok is false for
	// unknown inlets.
	InletSecret(inletID string) (secret string, ok bool)
	// HandleInlet fires all rules bound to the inlet and returns how many.
	HandleInlet(ctx context.Context, inletID string, payload map[string]any) (int, error)
}

// HealthFunc reports the aggregate health status and per-check details.
type HealthFunc func(ctx context.Context) (status string, details map[string]any)

// NewRouter builds the inbound HTTP surface: webhook inlets and health.
func NewRouter(sink InletSink, health HealthFunc, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhooks/inlets/:inlet", func(c *gin.Context) {
		inletID := c.Param("inlet")
		secret, known := sink.InletSecret(inletID)
		if !known {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown inlet"})
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if secret != "" {
			signature := c.GetHeader(headerSignature)
			if !Verify(body, signature, secret) {
				log.Warn("inbound webhook rejected", "inlet", inletID)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
				return
			}
		}
		payload := map[string]any{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
				return
			}
		}
		fired, err := sink.HandleInlet(c.Request.Context(), inletID, payload)
		if err != nil {
			log.Error("inbound webhook handling failed", "inlet", inletID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "inlet handling failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"fired": fired})
	})

	router.GET("/healthz", func(c *gin.Context) {
		status, details := health(c.Request.Context())
		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "checks": details})
	})

	return router
}
