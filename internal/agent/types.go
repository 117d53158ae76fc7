// Package agent turns workflow engine runs into answer streams and exposes
// them over HTTP.
package agent

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	// MaxMessageLength caps the user text accepted per request.
	MaxMessageLength = 8000
	// MaxThreadNameLength caps thread names set by rename.
	MaxThreadNameLength = 200
	maxThreadIDLength   = 128
)

// ChatRequest is the body of the chat endpoints.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
}

// Validate checks the request fields.
func (r *ChatRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Message,
			validation.Required,
			validation.By(notBlank),
			validation.RuneLength(1, MaxMessageLength),
		),
		validation.Field(&r.ThreadID, validation.Length(0, maxThreadIDLength)),
	)
}

// ChatResponse is returned by the blocking chat endpoint.
type ChatResponse struct {
	Answer   string `json:"answer"`
	ThreadID string `json:"threadId"`
}

// CreateThreadRequest is the body of POST /api/threads.
type CreateThreadRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Validate checks the request fields.
func (r *CreateThreadRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ThreadID, validation.Length(0, maxThreadIDLength)),
		validation.Field(&r.Name, validation.RuneLength(0, MaxThreadNameLength)),
	)
}

// RenameThreadRequest is the body of PATCH /api/threads/{id}.
type RenameThreadRequest struct {
	Name string `json:"name"`
}

// Validate checks the request fields.
func (r *RenameThreadRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Name,
			validation.Required,
			validation.By(notBlank),
			validation.RuneLength(1, MaxThreadNameLength),
		),
	)
}

func notBlank(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return validation.NewError("validation_blank", "cannot be blank")
	}
	return nil
}
