package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"patchagent/internal/models"
	"patchagent/internal/services"
	"patchagent/internal/telemetry"
)

type Handler struct {
	triage    services.TriageService
	startTime int64
}

func NewHandler(triage services.TriageService) *Handler {
	return &Handler{
		triage:    triage,
		startTime: time.Now().Unix(),
	}
}

func (h *Handler) GetStatus(c *gin.Context) {
	status := h.triage.GetStatus()
	status.Since = h.startTime
	c.JSON(http.StatusOK, status)
}

func (h *Handler) SubmitTask(c *gin.Context) {
	var task models.TriageTask
	if err := c.ShouldBindJSON(&task); err != nil {
		log.Printf("Error binding JSON: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("Received triage task: project=%s harness=%s sanitizers=%v",
		task.ProjectName, task.HarnessName, task.Sanitizers)

	if err := h.triage.SubmitTask(task); err != nil {
		log.Printf("Error processing task: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, span := telemetry.StartSpan(c.Request.Context(), "task_submitted")
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("task_id", task.TaskID.String()),
		attribute.String("project_name", task.ProjectName),
		attribute.String("harness_name", task.HarnessName),
	)

	c.JSON(http.StatusAccepted, gin.H{"task_id": task.TaskID.String()})
}

func (h *Handler) ValidatePatch(c *gin.Context) {
	taskID := c.Param("task_id")

	var req models.PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("Error binding JSON: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.triage.ValidatePatch(c.Request.Context(), taskID, req.Patch)
	if err != nil {
		log.Printf("Error validating patch for task %s: %v", taskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) Diagnose(c *gin.Context) {
	taskID := c.Param("task_id")

	var req models.DiagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("Error binding JSON: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.triage.Diagnose(c.Request.Context(), taskID, req.Program, req.Args)
	if err != nil {
		log.Printf("Error diagnosing task %s: %v", taskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.DiagnoseResponse{
		TaskID:  taskID,
		Summary: summary,
	})
}
