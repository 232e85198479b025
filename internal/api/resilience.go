package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge/pkg/resilience"
)

// ResilienceHandler exposes resilience status and manual degradation
// controls for operators
type ResilienceHandler struct {
	manager *resilience.Manager
}

// NewResilienceHandler creates a new resilience handler
func NewResilienceHandler(manager *resilience.Manager) *ResilienceHandler {
	return &ResilienceHandler{
		manager: manager,
	}
}

// Degradation domains match the job domains the dispatcher degrades.
var degradationDomains = map[string]bool{
	"story":   true,
	"image":   true,
	"video":   true,
	"general": true,
}

// GetStatus returns a snapshot of circuit breakers, degradation levels,
// error statistics and registered policies
func (h *ResilienceHandler) GetStatus(c *gin.Context) {
	SuccessResponse(c, h.manager.GetResilienceStatus())
}

// GetErrors returns the most recent error records
func (h *ResilienceHandler) GetErrors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	records := h.manager.RecentErrors(limit)

	SuccessResponse(c, map[string]interface{}{
		"errors": records,
		"count":  len(records),
	})
}

// GetDegradation returns the current degradation level per domain
func (h *ResilienceHandler) GetDegradation(c *gin.Context) {
	SuccessResponse(c, h.manager.Degradation().Status())
}

// DegradeDomain manually steps a domain down one degradation level
func (h *ResilienceHandler) DegradeDomain(c *gin.Context) {
	domain := c.Param("domain")
	if !degradationDomains[domain] {
		BadRequestResponse(c, "Unknown degradation domain: "+domain)
		return
	}

	level := h.manager.Degradation().Degrade(domain)

	SuccessResponse(c, map[string]interface{}{
		"domain": domain,
		"level":  level.String(),
	})
}

// RestoreDomain restores a domain to full capability
func (h *ResilienceHandler) RestoreDomain(c *gin.Context) {
	domain := c.Param("domain")
	if !degradationDomains[domain] {
		BadRequestResponse(c, "Unknown degradation domain: "+domain)
		return
	}

	level := h.manager.Degradation().Restore(domain)

	SuccessResponse(c, map[string]interface{}{
		"domain": domain,
		"level":  level.String(),
	})
}
