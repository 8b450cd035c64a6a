package adapters

import (
	"context"

	"github.com/firebase/genkit/go/core"

	"github.com/taskmill-ai/taskmill"
)

// ResponderRequest is the input structure for the responder flow.
type ResponderRequest struct {
	History []taskmill.Message        `json:"history"`
	Tools   []taskmill.ToolDescriptor `json:"tools"`
}

// GenkitResponderAdapter uses a genkit flow to implement the Responder
// interface.
type GenkitResponderAdapter struct {
	responderFlow *core.Flow[*ResponderRequest, *taskmill.Response, struct{}]
}

// NewGenkitResponderAdapter creates a new adapter for the responder flow.
func NewGenkitResponderAdapter(flow *core.Flow[*ResponderRequest, *taskmill.Response, struct{}]) *GenkitResponderAdapter {
	return &GenkitResponderAdapter{responderFlow: flow}
}

var _ taskmill.Responder = (*GenkitResponderAdapter)(nil)

// Generate implements the taskmill.Responder interface.
func (a *GenkitResponderAdapter) Generate(ctx context.Context, history []taskmill.Message, tools []taskmill.ToolDescriptor) (*taskmill.Response, error) {
	if a.responderFlow == nil {
		return nil, taskmill.NewConfigurationError("responder flow is not configured", nil)
	}

	request := &ResponderRequest{History: history, Tools: tools}
	response, err := a.responderFlow.Run(ctx, request)
	if err != nil {
		return nil, taskmill.NewResponderError("responder", err)
	}
	if response == nil {
		return nil, taskmill.NewResponderError("responder", nil)
	}
	return response, nil
}
