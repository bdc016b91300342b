// Package server exposes the escrow graph engine over HTTP with an
// OpenAPI description.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"overlap"`
	Message string         `json:"message" example:"block 2025-02-10..2025-02-15 overlaps block \"Deposit\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTransactions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerBlocks(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerApprovers(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's tagged errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if !errors.As(err, &ee) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	status := http.StatusInternalServerError
	switch ee.Kind {
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindBadInput, engine.KindInvalidRange, engine.KindInvalidSplitPoint:
		status = http.StatusBadRequest
	case engine.KindInvalidLifecyclePhase, engine.KindOverlap, engine.KindDuplicateEntity,
		engine.KindInvalidTransition, engine.KindNotActive:
		status = http.StatusConflict
	case engine.KindOutOfRange, engine.KindIncompleteApprovals, engine.KindInvariantViolation:
		status = http.StatusUnprocessableEntity
	}
	return newAPIError(status, string(ee.Kind), ee.Message, nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Phaseline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Create transaction",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTransactionRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := e.CreateTransaction(ctx, engine.TransactionCreateOptions{
			ID:            input.Body.ID,
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			InitiatorID:   input.Body.InitiatorID,
			InitiatorRole: input.Body.InitiatorRole,
			BuyerID:       stringOrEmpty(input.Body.BuyerID),
			SellerID:      stringOrEmpty(input.Body.SellerID),
			StartDate:     stringOrEmpty(input.Body.StartDate),
			EndDate:       stringOrEmpty(input.Body.EndDate),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "expand-template",
		Method:        http.MethodPost,
		Path:          "/transactions/expand",
		Summary:       "Create transaction from template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ExpandTemplateRequest `json:"body"`
	}) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		g, err := e.ExpandTemplate(ctx, input.Body.Template, input.Body.StartDate, engine.TransactionCreateOptions{
			Title:         stringOrEmpty(input.Body.Title),
			InitiatorID:   input.Body.InitiatorID,
			InitiatorRole: input.Body.Role,
			BuyerID:       stringOrEmpty(input.Body.BuyerID),
			SellerID:      stringOrEmpty(input.Body.SellerID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: graphResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		items := e.Store.ListTransactions()
		resp := []TransactionResponse{}
		for _, t := range items {
			resp = append(resp, transactionResponse(t))
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}",
		Summary:     "Get transaction graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		g, err := e.Store.Snapshot(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "transaction not found", nil)
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: graphResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-transaction",
		Method:      http.MethodPatch,
		Path:        "/transactions/{id}",
		Summary:     "Update transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body UpdateTransactionRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := e.UpdateTransaction(ctx, input.ID, input.Body.Title, input.Body.Description, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-transaction-dates",
		Method:      http.MethodPut,
		Path:        "/transactions/{id}/dates",
		Summary:     "Set transaction date range",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SetDatesRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := e.SetTransactionDates(ctx, input.ID, input.Body.StartDate, input.Body.EndDate, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-graph",
		Method:      http.MethodPut,
		Path:        "/transactions/{id}/graph",
		Summary:     "Replace transaction graph",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body GraphResponse `json:"body"`
	}) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		g := graphFromRequest(input.Body)
		if g.Transaction.ID == "" {
			g.Transaction.ID = input.ID
		}
		if g.Transaction.ID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "graph transaction id does not match path", nil)
		}
		if err := e.SaveGraph(ctx, g); err != nil {
			return nil, handleError(err)
		}
		saved, err := e.Store.Snapshot(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: graphResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transaction-summary",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/summary",
		Summary:     "Transaction progress summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		s, err := e.Summarize(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	type lifecycleOp struct {
		id, pathSuffix, summary string
		fn                      func(context.Context, string, string) (domain.Transaction, error)
	}
	for _, op := range []lifecycleOp{
		{"activate-transaction", "activate", "Activate transaction", e.ActivateTransaction},
		{"pause-transaction", "pause", "Pause transaction", e.PauseTransaction},
		{"resume-transaction", "resume", "Resume transaction", e.ResumeTransaction},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/transactions/{id}/" + op.pathSuffix,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body TransactionResponse `json:"body"`
		}, error) {
			t, err := fn(ctx, input.ID, actorRoleFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body TransactionResponse `json:"body"`
			}{Body: transactionResponse(t)}, nil
		})
	}
}

func registerBlocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-block",
		Method:        http.MethodPost,
		Path:          "/transactions/{id}/blocks",
		Summary:       "Add block",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateBlockRequest `json:"body"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		opts := engine.BlockCreateOptions{
			TransactionID: input.ID,
			Title:         input.Body.Title,
			StartDate:     input.Body.StartDate,
			EndDate:       input.Body.EndDate,
			ActorRole:     actorRoleFromContext(ctx),
		}
		if input.Body.Policy != nil {
			opts.Policy = engine.PolicySpec{Type: input.Body.Policy.Type, Threshold: input.Body.Policy.Threshold}
		}
		b, err := e.AddBlock(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: blockResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-block-autosplit",
		Method:        http.MethodPost,
		Path:          "/transactions/{id}/blocks/autosplit",
		Summary:       "Add block, splitting the last block when full",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AutoSplitBlockRequest `json:"body"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		var policy engine.PolicySpec
		if input.Body.Policy != nil {
			policy = engine.PolicySpec{Type: input.Body.Policy.Type, Threshold: input.Body.Policy.Threshold}
		}
		b, err := e.AddBlockWithAutoSplit(ctx, input.ID, input.Body.Title, policy, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: blockResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blocks",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/blocks",
		Summary:     "List blocks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []BlockResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetTransaction(input.ID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "transaction not found", nil)
		}
		resp := []BlockResponse{}
		for _, b := range e.Store.GetBlocks(input.ID) {
			resp = append(resp, blockResponse(b))
		}
		return &struct {
			Body []BlockResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-block",
		Method:      http.MethodPatch,
		Path:        "/blocks/{id}",
		Summary:     "Update block",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateBlockRequest `json:"body"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		b, err := e.UpdateBlock(ctx, engine.BlockUpdateOptions{
			BlockID:   input.ID,
			Title:     input.Body.Title,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			ActorRole: actorRoleFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: blockResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-block",
		Method:      http.MethodDelete,
		Path:        "/blocks/{id}",
		Summary:     "Delete block",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteBlock(ctx, input.ID, actorRoleFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "split-block",
		Method:      http.MethodPost,
		Path:        "/blocks/{id}/split",
		Summary:     "Split block at a date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SplitBlockRequest `json:"body"`
	}) (*struct {
		Body []BlockResponse `json:"body"`
	}, error) {
		first, second, err := e.SplitBlock(ctx, input.ID, input.Body.SplitDate, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BlockResponse `json:"body"`
		}{Body: []BlockResponse{blockResponse(first), blockResponse(second)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-block",
		Method:      http.MethodPost,
		Path:        "/blocks/{id}/reorder",
		Summary:     "Move block to a new position",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReorderBlockRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.ReorderBlock(ctx, input.ID, input.Body.OrderIndex, actorRoleFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-block",
		Method:      http.MethodPost,
		Path:        "/blocks/{id}/approve",
		Summary:     "Approve block and advance the transaction",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.ApproveBlock(ctx, input.ID, actorRoleFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-block-policy",
		Method:        http.MethodPut,
		Path:          "/blocks/{id}/policy",
		Summary:       "Attach a fresh approval policy",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body PolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		p, err := e.CreateApprovalPolicy(ctx, input.ID, engine.PolicySpec{Type: input.Body.Type, Threshold: input.Body.Threshold}, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-block-policy",
		Method:      http.MethodPatch,
		Path:        "/blocks/{id}/policy",
		Summary:     "Update the block's approval policy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body PolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		p, err := e.UpdateApprovalPolicy(ctx, input.ID, engine.PolicySpec{Type: input.Body.Type, Threshold: input.Body.Threshold}, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})
}

func registerApprovers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-block-approver",
		Method:        http.MethodPost,
		Path:          "/blocks/{id}/approvers",
		Summary:       "Add block approver",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CreateApproverRequest `json:"body"`
	}) (*struct {
		Body ApproverResponse `json:"body"`
	}, error) {
		a, err := e.AddBlockApprover(ctx, engine.ApproverOptions{
			BlockID:   input.ID,
			Role:      input.Body.Role,
			UserID:    stringOrEmpty(input.Body.UserID),
			Required:  input.Body.Required,
			ActorRole: actorRoleFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproverResponse `json:"body"`
		}{Body: approverResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-block-approvers",
		Method:      http.MethodGet,
		Path:        "/blocks/{id}/approvers",
		Summary:     "List block approvers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ApproverResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetBlock(input.ID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "block not found", nil)
		}
		resp := []ApproverResponse{}
		for _, a := range e.Store.GetBlockApprovers(input.ID) {
			resp = append(resp, approverResponse(a))
		}
		return &struct {
			Body []ApproverResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-approver",
		Method:      http.MethodPatch,
		Path:        "/approvers/{id}",
		Summary:     "Update approver",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateApproverRequest `json:"body"`
	}) (*struct {
		Body ApproverResponse `json:"body"`
	}, error) {
		a, err := e.UpdateBlockApprover(ctx, input.ID, input.Body.Role, input.Body.UserID, input.Body.Required, actorRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproverResponse `json:"body"`
		}{Body: approverResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-approver",
		Method:      http.MethodDelete,
		Path:        "/approvers/{id}",
		Summary:     "Delete approver",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteBlockApprover(ctx, input.ID, actorRoleFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-work-rule",
		Method:        http.MethodPost,
		Path:          "/blocks/{id}/rules",
		Summary:       "Add work rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CreateWorkRuleRequest `json:"body"`
	}) (*struct {
		Body WorkRuleResponse `json:"body"`
	}, error) {
		r, err := e.AddWorkRule(ctx, engine.WorkRuleOptions{
			BlockID:   input.ID,
			WorkType:  input.Body.WorkType,
			Title:     input.Body.Title,
			Quantity:  input.Body.Quantity,
			Frequency: input.Body.Frequency,
			DueDays:   input.Body.DueDays,
			ActorRole: actorRoleFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkRuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-rules",
		Method:      http.MethodGet,
		Path:        "/blocks/{id}/rules",
		Summary:     "List work rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []WorkRuleResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetBlock(input.ID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "block not found", nil)
		}
		resp := []WorkRuleResponse{}
		for _, r := range e.Store.GetWorkRules(input.ID) {
			resp = append(resp, ruleResponse(r))
		}
		return &struct {
			Body []WorkRuleResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Update work rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CreateWorkRuleRequest `json:"body"`
	}) (*struct {
		Body WorkRuleResponse `json:"body"`
	}, error) {
		r, err := e.UpdateWorkRule(ctx, input.ID, engine.WorkRuleOptions{
			WorkType:  input.Body.WorkType,
			Title:     input.Body.Title,
			Quantity:  input.Body.Quantity,
			Frequency: input.Body.Frequency,
			DueDays:   input.Body.DueDays,
			ActorRole: actorRoleFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkRuleResponse `json:"body"`
		}{Body: ruleResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-work-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{id}",
		Summary:     "Delete work rule",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteWorkRule(ctx, input.ID, actorRoleFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-block-items",
		Method:      http.MethodGet,
		Path:        "/blocks/{id}/items",
		Summary:     "List block work items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetBlock(input.ID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "block not found", nil)
		}
		resp := []WorkItemResponse{}
		for _, it := range e.Store.GetWorkItemsByBlock(input.ID) {
			resp = append(resp, itemResponse(it))
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: resp}, nil
	})

	type itemOp struct {
		id, pathSuffix, summary string
		fn                      func(context.Context, string, string) (domain.WorkItem, error)
	}
	for _, op := range []itemOp{
		{"submit-work-item", "submit", "Submit work item", e.SubmitWorkItem},
		{"approve-work-item", "approve", "Approve work item", e.ApproveWorkItem},
		{"reject-work-item", "reject", "Reject work item", e.RejectWorkItem},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/items/{id}/" + op.pathSuffix,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body WorkItemResponse `json:"body"`
		}, error) {
			it, err := fn(ctx, input.ID, actorRoleFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body WorkItemResponse `json:"body"`
			}{Body: itemResponse(it)}, nil
		})
	}
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/logs",
		Summary:     "List activity log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedLogs `json:"body"`
	}, error) {
		limit := input.Limit
		if limit < 1 || limit > 200 {
			limit = 50
		}
		entries, err := e.ListLogs(input.ID, input.After, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLogs{Items: []LogEntryResponse{}}
		if len(entries) > limit {
			entries = entries[:limit]
			resp.NextCursor = entries[limit-1].ID
		}
		for _, entry := range entries {
			resp.Items = append(resp.Items, logResponse(entry))
		}
		return &struct {
			Body paginatedLogs `json:"body"`
		}{Body: resp}, nil
	})
}

func graphFromRequest(g GraphResponse) domain.Graph {
	out := domain.Graph{Transaction: domain.Transaction{
		ID:            g.Transaction.ID,
		Title:         g.Transaction.Title,
		Description:   g.Transaction.Description,
		InitiatorID:   g.Transaction.InitiatorID,
		InitiatorRole: g.Transaction.InitiatorRole,
		Status:        g.Transaction.Status,
		BuyerID:       g.Transaction.BuyerID,
		SellerID:      g.Transaction.SellerID,
		StartDate:     g.Transaction.StartDate,
		EndDate:       g.Transaction.EndDate,
		CreatedAt:     g.Transaction.CreatedAt,
	}}
	for _, b := range g.Blocks {
		out.Blocks = append(out.Blocks, domain.Block{
			ID:            b.ID,
			TransactionID: b.TransactionID,
			Title:         b.Title,
			StartDate:     b.StartDate,
			EndDate:       b.EndDate,
			OrderIndex:    b.OrderIndex,
			PolicyID:      b.PolicyID,
			IsActive:      b.IsActive,
		})
	}
	for _, p := range g.Policies {
		out.Policies = append(out.Policies, domain.ApprovalPolicy{ID: p.ID, Type: p.Type, Threshold: p.Threshold})
	}
	for _, a := range g.Approvers {
		out.Approvers = append(out.Approvers, domain.BlockApprover{ID: a.ID, BlockID: a.BlockID, Role: a.Role, UserID: a.UserID, Required: a.Required})
	}
	for _, r := range g.Rules {
		out.Rules = append(out.Rules, domain.WorkRule{
			ID:        r.ID,
			BlockID:   r.BlockID,
			WorkType:  r.WorkType,
			Title:     r.Title,
			Quantity:  r.Quantity,
			Frequency: r.Frequency,
			DueDays:   r.DueDays,
		})
	}
	for _, it := range g.Items {
		out.Items = append(out.Items, domain.WorkItem{ID: it.ID, RuleID: it.RuleID, DueDay: it.DueDay, Status: it.Status})
	}
	return out
}
