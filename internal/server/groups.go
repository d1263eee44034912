package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

// GroupPath is embedded by every group route input.
type GroupPath struct {
	GroupID string `path:"group_id"`
	Actor   string `header:"X-Actor-Id"`
}

type groupBody struct {
	Body domain.Group `json:"body"`
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}",
		Summary:     "Get group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *GroupPath) (*groupBody, error) {
		g, err := e.GetGroup(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &groupBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-group",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/promote",
		Summary:     "Promote a draft group",
		Description: "Freezes membership and carries the group as far towards execution as configuration allows.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *GroupPath) (*groupBody, error) {
		g, err := e.PromoteGroup(ctx, input.GroupID, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &groupBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-analysis",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/analysis",
		Summary:     "Store the execution plan of an analyzing group",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		GroupPath
		Body struct {
			Plan [][]string `json:"plan,omitempty" doc:"Parallel sets in execution order; omitted derives the plan from member dependencies"`
		} `json:"body" required:"false"`
	}) (*groupBody, error) {
		g, err := e.FinishAnalysis(ctx, input.GroupID, input.Body.Plan, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &groupBody{Body: g}, nil
	})
}
