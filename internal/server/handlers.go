package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentflow-orchestrator/internal/orchestrator"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// Handlers exposes the orchestrator over the admin API
type Handlers struct {
	orch *orchestrator.Orchestrator
}

// NewHandlers creates the API handlers
func NewHandlers(orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// SubmitTaskRequest is the POST /tasks body
type SubmitTaskRequest struct {
	AgentType    string                 `json:"agent_type" binding:"required"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     string                 `json:"priority"`
	CriticalPath bool                   `json:"critical_path"`
}

// CheckpointRequest is the POST /tasks/:id/checkpoints body
type CheckpointRequest struct {
	Type    string                 `json:"type" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// ForceOpenRequest is the POST /admin/circuits/force-open body
type ForceOpenRequest struct {
	AgentType string `json:"agent_type" binding:"required"`
}

// ShutdownRequest is the POST /admin/emergency-shutdown body
type ShutdownRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Health reports resource health; a critical host answers 503 so load
// balancers stop routing here
func (h *Handlers) Health(c *gin.Context) {
	report := h.orch.HealthReport()

	status := http.StatusOK
	if report.Status == types.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Status returns the aggregate workflow view
func (h *Handlers) Status(c *gin.Context) {
	SuccessResponse(c, h.orch.WorkflowStatus())
}

// SubmitTask enqueues a new task
func (h *Handlers) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	priority := types.PriorityMedium
	if req.Priority != "" {
		parsed, ok := types.ParsePriority(req.Priority)
		if !ok {
			BadRequestResponse(c, "invalid priority: "+req.Priority)
			return
		}
		priority = parsed
	}

	task, err := h.orch.SubmitTask(req.AgentType, req.Payload, priority, req.CriticalPath)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	AcceptedResponse(c, task)
}

// GetTask returns one task's status and checkpoint ledger
func (h *Handlers) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestResponse(c, "invalid task id")
		return
	}

	status, err := h.orch.TaskStatus(taskID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	ledger, err := h.orch.TaskLedger(taskID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"status": status,
		"ledger": ledger,
	})
}

// Checkpoint records progress reported by an out-of-process agent
func (h *Handlers) Checkpoint(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestResponse(c, "invalid task id")
		return
	}

	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	checkpointType, ok := types.ParseCheckpointType(req.Type)
	if !ok {
		BadRequestResponse(c, "invalid checkpoint type: "+req.Type)
		return
	}

	if err := h.orch.Checkpoint(taskID, checkpointType, req.Payload); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{"recorded": true})
}

// ForceOpenCircuit opens one circuit, or all of them for agent type
// "ALL"
func (h *Handlers) ForceOpenCircuit(c *gin.Context) {
	var req ForceOpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	h.orch.ForceOpen(req.AgentType)
	SuccessResponse(c, gin.H{"agent_type": req.AgentType, "state": string(types.CircuitOpen)})
}

// EmergencyShutdown triggers the emergency stop
func (h *Handlers) EmergencyShutdown(c *gin.Context) {
	var req ShutdownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	h.orch.EmergencyShutdown(req.Reason)
	SuccessResponse(c, gin.H{"shutdown": true, "reason": req.Reason})
}
