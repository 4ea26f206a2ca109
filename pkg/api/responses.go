package api

import "github.com/pm-runner/pmrunner/pkg/queuestore"

// CreateTaskResponse is the body of a successful POST /api/tasks.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResponse is the body of GET /api/tasks/:task_id and each element of
// GET /api/tasks.
type TaskResponse struct {
	TaskID        string                    `json:"task_id"`
	TaskGroupID   string                    `json:"task_group_id"`
	SessionID     string                    `json:"session_id"`
	Status        string                    `json:"status"`
	TaskType      string                    `json:"task_type"`
	Output        string                    `json:"output,omitempty"`
	ErrorMessage  string                    `json:"error_message,omitempty"`
	Clarification *queuestore.Clarification `json:"clarification,omitempty"`
	Events        []queuestore.Event        `json:"events,omitempty"`
	Attempt       int                       `json:"attempt"`
}

func taskResponse(t *queuestore.Task) TaskResponse {
	return TaskResponse{
		TaskID:        t.TaskID,
		TaskGroupID:   t.TaskGroupID,
		SessionID:     t.SessionID,
		Status:        string(t.Status),
		TaskType:      string(t.TaskType),
		Output:        t.Output,
		ErrorMessage:  t.ErrorMessage,
		Clarification: t.Clarification,
		Events:        t.Events,
		Attempt:       t.Attempt,
	}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status               string `json:"status"`
	Timestamp            string `json:"timestamp"`
	Namespace            string `json:"namespace"`
	NamespaceAutoDerived bool   `json:"namespace_auto_derived"`
	TableName            string `json:"table_name"`
	StateDir             string `json:"state_dir"`
	PollerStatus         string `json:"poller_status,omitempty"`
}

// NamespaceResponse is the body of GET /api/namespace.
type NamespaceResponse struct {
	Namespace   string `json:"namespace"`
	AutoDerived bool   `json:"auto_derived"`
	TableName   string `json:"table_name"`
	StateDir    string `json:"state_dir"`
	Port        string `json:"port"`
}

// ErrorResponse is the JSON envelope for every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
