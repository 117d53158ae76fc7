package agent

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/answerstream/internal/domain"
)

// Workflow service method names. Payloads are google.protobuf.Struct values
// whose fields mirror the JSON shape of the request/response types below.
const (
	workflowServiceName = "workflow.v1.WorkflowService"
	methodStream        = "/" + workflowServiceName + "/Stream"
	methodGetHistory    = "/" + workflowServiceName + "/GetHistory"
)

type streamRequest struct {
	ThreadID string           `json:"threadId"`
	Messages []domain.Message `json:"messages"`
}

type historyRequest struct {
	ThreadID string `json:"threadId"`
}

type historyResponse struct {
	Messages []domain.Message `json:"messages"`
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("convert request to struct: %w", err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert struct to json: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
