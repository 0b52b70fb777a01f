package models

// ImageAttachment is one inline image carried with an agent task
type ImageAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Base64      string `json:"base64"`
}

// TaskMetadata is the descriptive block of an agent task request
type TaskMetadata struct {
	TaskTitle         string `json:"task_title"`
	TaskDescription   string `json:"task_description"`
	EstimatedDuration int    `json:"estimated_duration"`
}

// AgentTaskRequest is the wire representation of a task sent to the
// external agent service.
type AgentTaskRequest struct {
	TaskID               string            `json:"task_id"`
	SystemPrompt         string            `json:"system_prompt"`
	UserMessage          string            `json:"user_message"`
	Images               []ImageAttachment `json:"images,omitempty"`
	HasMultimodalContent bool              `json:"has_multimodal_content"`
	TaskMetadata         TaskMetadata      `json:"task_metadata"`
}

// AgentTaskResult is the agent service's response to a task request
type AgentTaskResult struct {
	Text string `json:"text"`
}
