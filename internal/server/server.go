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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/hulloitskai/imo/internal/engine"
	"github.com/hulloitskai/imo/internal/gateway"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Gateway  gateway.Gateway
	BasePath string
	Log      *logger.Logger
}

// apiError models the error envelope: {"error": "...", "code": "..."}.
type apiError struct {
	status  int
	Message string         `json:"error" example:"Name can't be blank"`
	Code    string         `json:"code" example:"validation_failed"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

type handlers struct {
	engine  engine.Engine
	gateway gateway.Gateway
	log     *logger.Logger
}

// New returns an HTTP handler exposing the imo API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for domain validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(requestLogger(log))
	router.Use(recoverer(log))
	router.Use(failurePages)

	hcfg := huma.DefaultConfig("imo API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, gateway: cfg.Gateway, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerQuests(group)
	h.registerOpenAI(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Message: message,
		Code:    code,
		Details: details,
	}
}

// handleError maps engine and gateway errors onto the envelope. Unexpected
// faults are logged and reported generically.
func (h handlers) handleError(ctx context.Context, op string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", verr.Message, map[string]any{"field": verr.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "quest not found", nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(499, "client_closed_request", "request canceled", nil)
	}
	h.log.Error("request failed", "op", op, "request_id", requestIDFromContext(ctx), "error", err.Error())
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"request_id": requestIDFromContext(ctx)})
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

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyOwnershipSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyOwnershipSecurity documents the ownership token on the quest detail
// operation; every other operation is public.
func applyOwnershipSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["ownershipToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "query",
		Name: "ownership_token",
	}
	oas.Components.SecuritySchemes["ownershipBearer"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	questPath := path.Join("/", basePath, "quests/{id}")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == questPath {
			item.Get.Security = []map[string][]string{
				{},
				{"ownershipToken": {}},
				{"ownershipBearer": {}},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>imo API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Quest owners pass ?ownership_token=&lt;token&gt; or Authorization: Bearer &lt;token&gt;.
    </p>
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

func (h handlers) registerQuests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-quest",
		Method:        http.MethodPost,
		Path:          "/quests",
		Summary:       "Create quest",
		Description:   "Creates a quest and its milestones atomically and returns an ownership token for it.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string             `header:"Idempotency-Key" maxLength:"255" doc:"Repeated keys return the quest created by the first request"`
		Body           CreateQuestRequest `json:"body"`
	}) (*struct {
		Body CreateQuestResponse `json:"body"`
	}, error) {
		detail, err := h.engine.CreateQuest(ctx, engine.CreateQuestOptions{
			Quest:          input.Body.Quest.toNewQuest(),
			IdempotencyKey: input.IdempotencyKey,
		})
		if err != nil {
			return nil, h.handleError(ctx, "create-quest", err)
		}
		return &struct {
			Body CreateQuestResponse `json:"body"`
		}{Body: CreateQuestResponse{
			Quest:          questResponse(detail.Quest),
			Milestones:     milestoneResponses(detail.Milestones),
			OwnershipToken: detail.OwnershipToken,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quest",
		Method:      http.MethodGet,
		Path:        "/quests/{id}",
		Summary:     "Get quest",
		Description: "Returns the quest and its milestones. A valid ownership token for this quest yields a freshly issued token; any other token is ignored.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		OwnershipToken string `query:"ownership_token"`
		Authorization  string `header:"Authorization"`
	}) (*struct {
		Body ShowQuestResponse `json:"body"`
	}, error) {
		token := ownershipToken(input.OwnershipToken, input.Authorization)
		detail, err := h.engine.ShowQuest(ctx, input.ID, token)
		if err != nil {
			return nil, h.handleError(ctx, "get-quest", err)
		}
		resp := ShowQuestResponse{
			Quest:      questResponse(detail.Quest),
			Milestones: milestoneResponses(detail.Milestones),
		}
		if detail.OwnershipToken != "" {
			tok := detail.OwnershipToken
			resp.OwnershipToken = &tok
		}
		return &struct {
			Body ShowQuestResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerOpenAI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "explore-chat",
		Method:      http.MethodPost,
		Path:        "/openai/explore_chat",
		Summary:     "Continue the exploration interview",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ExploreChatRequest `json:"body"`
	}) (*struct {
		Body ExploreChatResponse `json:"body"`
	}, error) {
		text, err := h.gateway.ExploreChat(ctx, gateway.FilterMessages(inbound(input.Body.Messages)))
		if err != nil {
			return nil, h.handleError(ctx, "explore-chat", err)
		}
		return &struct {
			Body ExploreChatResponse `json:"body"`
		}{Body: ExploreChatResponse{OutputText: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-values-questions",
		Method:      http.MethodPost,
		Path:        "/openai/generate_values_questions",
		Summary:     "Generate values discovery questions",
		Description: "Returns an empty object when the model output cannot be parsed.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body GenerateValuesQuestionsRequest `json:"body"`
	}) (*struct {
		Body gateway.ValuesResult `json:"body"`
	}, error) {
		res, err := h.gateway.GenerateValuesQuestions(ctx, gateway.FilterMessages(inbound(input.Body.UserProblemInterviewMessages)))
		if err != nil {
			return nil, h.handleError(ctx, "generate-values-questions", err)
		}
		return &struct {
			Body gateway.ValuesResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-challenges",
		Method:      http.MethodPost,
		Path:        "/openai/generate_challenges",
		Summary:     "Generate challenge candidates",
		Description: "Returns an empty object when the model output cannot be parsed.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body GenerateChallengesRequest `json:"body"`
	}) (*struct {
		Body gateway.ChallengesResult `json:"body"`
	}, error) {
		res, err := h.gateway.GenerateChallenges(ctx,
			gateway.FilterMessages(inbound(input.Body.UserProblemInterviewMessages)),
			input.Body.ValuesDiscoveryQuestions.Choices,
		)
		if err != nil {
			return nil, h.handleError(ctx, "generate-challenges", err)
		}
		return &struct {
			Body gateway.ChallengesResult `json:"body"`
		}{Body: res}, nil
	})
}
