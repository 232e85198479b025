package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/types"
)

// GenerationHandler handles generation job endpoints
type GenerationHandler struct {
	pipeline pipeline.PipelineService
}

// NewGenerationHandler creates a new generation handler
func NewGenerationHandler(pipelineSvc pipeline.PipelineService) *GenerationHandler {
	return &GenerationHandler{
		pipeline: pipelineSvc,
	}
}

// CreateGeneration submits a new generation job
func (h *GenerationHandler) CreateGeneration(c *gin.Context) {
	var req CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	storyID, err := uuid.Parse(req.StoryID)
	if err != nil {
		BadRequestResponse(c, "Invalid story ID")
		return
	}

	genReq := &pipeline.GenerationRequest{
		StoryID:        storyID,
		JobType:        req.JobType,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ReferenceImage: req.ReferenceImage,
		Parameters:     req.Parameters,
		Options:        req.Options,
		Seed:           req.Seed,
		Priority:       req.Priority,
		Metadata:       make(map[string]string),
	}

	if req.SceneID != "" {
		sceneID, err := uuid.Parse(req.SceneID)
		if err != nil {
			BadRequestResponse(c, "Invalid scene ID")
			return
		}
		genReq.SceneID = &sceneID
	}

	if req.TimeoutSeconds > 0 {
		genReq.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	// Set defaults
	if genReq.Priority == 0 {
		genReq.Priority = types.PriorityMedium
	}
	if service, ok := GetCurrentService(c); ok {
		genReq.Metadata["submitted_by"] = service
	}
	if requestID := requestIDFromContext(c); requestID != "" {
		genReq.Metadata["request_id"] = requestID
	}

	job, err := h.pipeline.SubmitGeneration(c.Request.Context(), genReq)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, job)
}

// GetGenerationStatus retrieves the status of a generation job
func (h *GenerationHandler) GetGenerationStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		BadRequestResponse(c, "Invalid generation ID")
		return
	}

	status, err := h.pipeline.GetGenerationStatus(c.Request.Context(), jobID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, status)
}

// GetGenerationResults retrieves the artifacts of a completed generation
func (h *GenerationHandler) GetGenerationResults(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		BadRequestResponse(c, "Invalid generation ID")
		return
	}

	results, err := h.pipeline.GetGenerationResults(c.Request.Context(), jobID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, results)
}

// CancelGeneration cancels a queued or running generation job
func (h *GenerationHandler) CancelGeneration(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		BadRequestResponse(c, "Invalid generation ID")
		return
	}

	if err := h.pipeline.CancelGeneration(c.Request.Context(), jobID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, map[string]string{
		"message": "Generation cancelled successfully",
	})
}

// ListGenerations lists generation jobs with optional filtering
func (h *GenerationHandler) ListGenerations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	jobType := c.Query("type")
	status := c.Query("status")

	filter := &pipeline.GenerationFilter{
		JobType: jobType,
		Status:  queue.JobStatus(status),
	}

	list, err := h.pipeline.ListGenerations(c.Request.Context(), filter, pipeline.Pagination{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	PaginatedResponse(c, list.Generations, list.Page, list.PageSize, list.Count)
}

// GetPipelineStats returns pipeline service statistics
func (h *GenerationHandler) GetPipelineStats(c *gin.Context) {
	stats, err := h.pipeline.GetStats(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, stats)
}
