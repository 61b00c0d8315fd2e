package comfyui

import (
	"bytes"
	"encoding/json"
	"fmt"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// parseHistory extracts the result of promptID from a /history response.
// A prompt that is not in history yet yields an empty result.
func parseHistory(body []byte, promptID string) (*interfaces.JobResult, error) {
	var history map[string]json.RawMessage
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	raw, ok := history[promptID]
	if !ok {
		return &interfaces.JobResult{}, nil
	}

	var entry historyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode history entry: %w", err)
	}

	stages, err := parseOutputs(entry.Outputs)
	if err != nil {
		return nil, err
	}

	result := &interfaces.JobResult{
		Stages:    stages,
		StatusStr: entry.Status.StatusStr,
	}
	if entry.Status.StatusStr == "error" {
		result.Error = errorFromMessages(entry.Status.Messages)
	}
	return result, nil
}

// parseOutputs walks the outputs object token by token so stages keep the
// order the backend wrote them in.
func parseOutputs(raw json.RawMessage) ([]interfaces.OutputStage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode outputs: expected object, got %v", tok)
	}

	var stages []interfaces.OutputStage
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		nodeID, _ := keyTok.(string)

		var out nodeOutput
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode output of node %s: %w", nodeID, err)
		}

		stage := interfaces.OutputStage{Name: nodeID}
		for _, img := range out.Images {
			stage.Images = append(stage.Images, job.Artifact{
				Filename:  img.Filename,
				Subfolder: img.Subfolder,
				Type:      img.Type,
				Stage:     nodeID,
			})
		}
		stages = append(stages, stage)
	}

	return stages, nil
}

// errorFromMessages finds the execution_error entry in a history status.
// Messages are [event, data] pairs.
func errorFromMessages(messages []json.RawMessage) string {
	for _, msg := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(msg, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var event string
		if err := json.Unmarshal(pair[0], &event); err != nil || event != "execution_error" {
			continue
		}
		var data executionErrorData
		if err := json.Unmarshal(pair[1], &data); err != nil {
			continue
		}
		return describeExecutionError(data)
	}
	return "backend reported status error"
}

func describeExecutionError(data executionErrorData) string {
	detail := data.ExceptionMessage
	if data.ExceptionType != "" {
		detail = data.ExceptionType + ": " + detail
	}
	if data.NodeType != "" {
		detail = fmt.Sprintf("node %s (%s): %s", data.NodeID, data.NodeType, detail)
	}
	return detail
}
