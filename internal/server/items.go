package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/contextpack"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

// ItemPath is embedded by every item route input.
type ItemPath struct {
	ItemID string `path:"item_id"`
	Actor  string `header:"X-Actor-Id" doc:"Actor recorded on the audit event"`
}

type itemBody struct {
	Body domain.Item `json:"body"`
}

type outcomeBody struct {
	Body engine.Outcome `json:"body"`
}

var itemErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ItemPath) (*itemBody, error) {
		it, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/decisions",
		Summary:     "Resolve and apply a decision",
		Description: "Redelivering a decision already applied in the same cycle returns the recorded outcome with duplicate set.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body DecisionRequest `json:"body"`
	}) (*outcomeBody, error) {
		out, err := e.ResolveAndApply(ctx, engine.ResolveRequest{
			ItemID:   input.ItemID,
			Decision: input.Body.decision(),
			Cycle:    input.Body.Cycle,
			ActorID:  input.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeBody{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-transition",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/approve",
		Summary:     "Approve the move waiting for confirmation",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *ItemPath) (*itemBody, error) {
		it, err := e.ApproveTransition(ctx, input.ItemID, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-transition",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/reject",
		Summary:     "Reject the move waiting for confirmation",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body RejectRequest `json:"body" required:"false"`
	}) (*itemBody, error) {
		it, err := e.RejectTransition(ctx, input.ItemID, input.Body.Feedback, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/move",
		Summary:     "Move an item to a stage",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body MoveRequest `json:"body"`
	}) (*itemBody, error) {
		if input.Body.StageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage_id is required", nil)
		}
		it, err := e.MoveItem(ctx, engine.MoveOptions{
			ItemID:  input.ItemID,
			StageID: input.Body.StageID,
			Force:   input.Body.Force,
			ActorID: input.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-exited",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/agent-exited",
		Summary:     "Report the end of an agent run",
		Description: "Reads the decision file if the agent left one. Without one the item completes a stage that asks no question and waits for an answer otherwise.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *struct {
		ItemPath
		Body AgentExitedRequest `json:"body"`
	}) (*outcomeBody, error) {
		out, err := e.AgentExited(ctx, engine.AgentExit{ItemID: input.ItemID, Cycle: input.Body.Cycle, ActorID: input.Actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeBody{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-eligibility",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/eligibility",
		Summary:     "Check whether an item may start work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ItemPath) (*struct {
		Body engine.Eligibility `json:"body"`
	}, error) {
		el, err := e.CheckEligibility(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Eligibility `json:"body"`
		}{Body: el}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propagate-completion",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/complete",
		Summary:     "Propagate the completion of an item",
		Description: "Re-runs dependency, trigger and group propagation for an item in a terminal stage. Safe to repeat.",
		Errors:      itemErrors,
	}, func(ctx context.Context, input *ItemPath) (*itemBody, error) {
		if err := e.PropagateCompletion(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		it, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "build-context",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/context",
		Summary:     "Build the context payload for an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemPath
		Budget int `query:"budget" doc:"Token budget; zero uses the configured default"`
	}) (*struct {
		Body contextpack.Result `json:"body"`
	}, error) {
		if input.Budget < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "budget must not be negative", nil)
		}
		res, err := e.BuildContext(ctx, input.ItemID, input.Budget)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contextpack.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-events",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/events",
		Summary:     "List recent events of an item",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ItemPath
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Events.List(ctx, "item", input.ItemID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAttention(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attention",
		Method:      http.MethodGet,
		Path:        "/attention",
		Summary:     "List items waiting for a human",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		items, err := e.ListAttention(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Item{}
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})
}
