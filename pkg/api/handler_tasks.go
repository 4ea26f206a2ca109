package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// createTaskHandler handles POST /api/tasks.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.TaskGroupID
	}

	taskType := queuestore.TaskType(req.TaskType)
	task, err := s.Store.Enqueue(c.Request.Context(), s.Namespace, sessionID, req.TaskGroupID, req.Prompt, req.TaskID, taskType)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateTaskResponse{TaskID: task.TaskID})
}

// getTaskHandler handles GET /api/tasks/:task_id.
func (s *Server) getTaskHandler(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := s.Store.GetItem(c.Request.Context(), s.Namespace, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskResponse(task))
}

// listTasksHandler handles GET /api/tasks, filtered by the optional `status`
// and `task_group` query parameters.
func (s *Server) listTasksHandler(c *gin.Context) {
	status := c.Query("status")
	taskGroup := c.Query("task_group")

	var (
		tasks []*queuestore.Task
		err   error
	)
	switch {
	case taskGroup != "":
		tasks, err = s.Store.GetByTaskGroup(c.Request.Context(), s.Namespace, taskGroup)
	case status != "":
		tasks, err = s.Store.GetByStatus(c.Request.Context(), s.Namespace, queuestore.Status(status))
	default:
		tasks, err = s.Store.List(c.Request.Context(), s.Namespace)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	// A task_group filter combined with a status filter narrows further —
	// GetByTaskGroup and GetByStatus are independent secondary indexes, so
	// a caller supplying both is filtered in-process.
	if taskGroup != "" && status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	resp := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		resp[i] = taskResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}
