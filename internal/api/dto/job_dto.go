package dto

type CreateJobRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind" binding:"required"`
	EventID        string          `json:"event_id" binding:"required"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"gte=0"`
	Targets        []TargetSpecDTO `json:"targets" binding:"required,min=1,dive"`
}

type TargetSpecDTO struct {
	TargetKey    string `json:"target_key"`
	AgentID      string `json:"agent_id"`
	AgentAddress string `json:"agent_address" binding:"required"`
	PayloadRef   string `json:"payload_ref"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string      `json:"job_id"`
	Kind            string      `json:"kind"`
	EventID         string      `json:"event_id"`
	Status          string      `json:"status"`
	TimeoutSeconds  int         `json:"timeout_seconds,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	CreatedAt       string      `json:"created_at"`
	UpdatedAt       string      `json:"updated_at"`
	StartTime       string      `json:"start_time,omitempty"`
	EndTime         string      `json:"end_time,omitempty"`
	Deadline        string      `json:"deadline,omitempty"`
	Targets         []TargetDTO `json:"targets,omitempty"`
}

type TargetDTO struct {
	TargetKey    string `json:"target_key"`
	Position     int    `json:"position"`
	AgentID      string `json:"agent_id"`
	AgentAddress string `json:"agent_address"`
	PayloadRef   string `json:"payload_ref,omitempty"`
	CommandID    string `json:"command_id,omitempty"`
	Status       string `json:"status"`
	PollAttempts int    `json:"poll_attempts"`
	Output       string `json:"output,omitempty"`
	DispatchedAt string `json:"dispatched_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}
