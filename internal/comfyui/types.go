package comfyui

import "encoding/json"

// Mode how completion is detected
type Mode string

const (
	// ModePush waits for execution events on the websocket
	ModePush Mode = "push"
	// ModePoll queries /history until outputs appear
	ModePoll Mode = "poll"
)

// promptRequest is sent to POST /prompt
type promptRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id"`
}

// promptResponse is returned from POST /prompt
type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

// historyEntry execution history for a single prompt
type historyEntry struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  historyStatus   `json:"status"`
}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// nodeOutput output data of one node
type nodeOutput struct {
	Images []imageOutput `json:"images"`
}

type imageOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// wsMessage a websocket message from ComfyUI
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// executingData payload of "executing"; a null node means the prompt finished
type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// executionData payload of execution_success / execution_interrupted
type executionData struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
}

// executionErrorData payload of execution_error
type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

// objectInfoNode subset of a node definition from /object_info
type objectInfoNode struct {
	Input struct {
		Required map[string][]json.RawMessage `json:"required"`
	} `json:"input"`
}
