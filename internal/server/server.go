package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"gigescrow/internal/custody"
	"gigescrow/internal/domain"
	"gigescrow/internal/engine"
	"gigescrow/internal/engine/auth"
	"gigescrow/internal/oracle"
	"gigescrow/internal/registry"
	"gigescrow/internal/repo"
	"gigescrow/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"verification_pending"`
	Message string         `json:"message" example:"gig 3: verification already pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the escrow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	hcfg := huma.DefaultConfig("Gig Escrow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGigs(group, cfg.Engine)
	registerOracle(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		}).Debug("http request")
	})
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"operation": string(fe.Op)})
	}
	var te *custody.TransferError
	if errors.As(err, &te) {
		code := "custody_transfer_rejected"
		switch {
		case errors.Is(te.Kind, custody.ErrInsufficientFunds):
			code = "custody_insufficient_funds"
		case errors.Is(te.Kind, custody.ErrInsufficientAuthorization):
			code = "custody_insufficient_authorization"
		}
		return newAPIError(http.StatusUnprocessableEntity, code, msg, map[string]any{"op": te.Op, "account": te.Account.Hex()})
	}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, registry.ErrNotFound):
		return newAPIError(http.StatusNotFound, "gig_not_found", msg, nil)
	case errors.Is(err, tracker.ErrNotFound):
		return newAPIError(http.StatusNotFound, "unknown_request", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrNotOpen):
		return newAPIError(http.StatusConflict, "gig_not_open", msg, nil)
	case errors.Is(err, tracker.ErrAlreadyPending):
		return newAPIError(http.StatusConflict, "verification_pending", msg, nil)
	case errors.Is(err, engine.ErrTooRecent):
		return newAPIError(http.StatusConflict, "too_recent", msg, nil)
	case errors.Is(err, engine.ErrOracleSubmit):
		return newAPIError(http.StatusBadGateway, "oracle_unavailable", msg, nil)
	case errors.Is(err, registry.ErrZeroAddress),
		errors.Is(err, registry.ErrSameParty),
		errors.Is(err, registry.ErrInvalidAmount),
		errors.Is(err, registry.ErrEmptyDescriptor),
		errors.Is(err, engine.ErrEmptyTemplate),
		errors.Is(err, engine.ErrInvalidRouting),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidRequestID):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		log.WithError(err).Error("unhandled api error")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Gig Escrow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerGigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Create and fund a gig",
		Tags:          []string{"gigs"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGigRequest `json:"body"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		beneficiary, err := domain.ParseAddress(input.Body.Beneficiary)
		if err != nil {
			return nil, handleError(err)
		}
		amount, err := domain.ParseAmount(input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.CreateGig(ctx, engine.CreateGigOptions{
			Depositor:   principal.Address,
			Beneficiary: beneficiary,
			Amount:      amount,
			Descriptor: domain.Descriptor{
				Scope:    input.Body.Scope,
				Resource: input.Body.Resource,
				Target:   input.Body.Target,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(engine.GigView{Gig: g})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs",
		Summary:     "List gigs",
		Tags:        []string{"gigs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Depositor   string `query:"depositor"`
		Beneficiary string `query:"beneficiary"`
		Open        string `query:"open" doc:"true or false"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedGigs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := registry.ListFilter{Limit: limit + 1}
		if input.Depositor != "" {
			addr, err := domain.ParseAddress(input.Depositor)
			if err != nil {
				return nil, handleError(err)
			}
			f.Depositor = &addr
		}
		if input.Beneficiary != "" {
			addr, err := domain.ParseAddress(input.Beneficiary)
			if err != nil {
				return nil, handleError(err)
			}
			f.Beneficiary = &addr
		}
		switch input.Open {
		case "":
		case "true", "false":
			open := input.Open == "true"
			f.Open = &open
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "open must be true or false", map[string]any{"open": input.Open})
		}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Cursor = parsed
		}
		items, err := e.ListGigs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedGigs{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = mapGigs(items)
		return &struct {
			Body paginatedGigs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{id}",
		Summary:     "Get gig",
		Tags:        []string{"gigs"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		v, err := e.GetGig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "verify-gig",
		Method:        http.MethodPost,
		Path:          "/gigs/{id}/verify",
		Summary:       "Request verification of the gig's condition",
		Tags:          []string{"gigs"},
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := e.VerifyWork(ctx, input.ID, principal.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{GigID: input.ID, RequestID: id.Hex()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-gig",
		Method:      http.MethodPost,
		Path:        "/gigs/{id}/cancel",
		Summary:     "Cancel an idle gig and refund the depositor",
		Tags:        []string{"gigs"},
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CancelGig(ctx, input.ID, principal.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(engine.GigView{Gig: g})}, nil
	})
}

func registerOracle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "oracle-callback",
		Method:      http.MethodPost,
		Path:        "/oracle/callbacks",
		Summary:     "Deliver a verification result",
		Tags:        []string{"oracle"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CallbackRequest `json:"body"`
	}) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reqID, err := domain.ParseRequestID(input.Body.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		var outcome oracle.Outcome
		switch {
		case strings.TrimSpace(input.Body.Outcome.Error) != "":
			outcome = oracle.Failure(input.Body.Outcome.Error)
		case input.Body.Outcome.Confirmed != nil:
			outcome = oracle.Success(*input.Body.Outcome.Confirmed)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "outcome.confirmed or outcome.error is required", nil)
		}
		res, err := e.OnVerificationResult(ctx, reqID, outcome, principal.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: resolutionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-oracle-config",
		Method:      http.MethodGet,
		Path:        "/oracle/config",
		Summary:     "Current query template and routing",
		Tags:        []string{"oracle"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OracleConfigResponse `json:"body"`
	}, error) {
		s, err := e.OracleSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OracleConfigResponse `json:"body"`
		}{Body: oracleConfigResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-oracle-template",
		Method:      http.MethodPut,
		Path:        "/oracle/template",
		Summary:     "Replace the verification query template",
		Tags:        []string{"oracle"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*struct {
		Body OracleConfigResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetQueryTemplate(ctx, principal.Address, input.Body.Template)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OracleConfigResponse `json:"body"`
		}{Body: oracleConfigResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-oracle-routing",
		Method:      http.MethodPut,
		Path:        "/oracle/routing",
		Summary:     "Replace subscription, gas limit and DON routing",
		Tags:        []string{"oracle"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoutingRequest `json:"body"`
	}) (*struct {
		Body OracleConfigResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetOracleRouting(ctx, principal.Address, domain.OracleRouting{
			SubscriptionID: input.Body.SubscriptionID,
			GasLimit:       input.Body.GasLimit,
			DonID:          input.Body.DonID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OracleConfigResponse `json:"body"`
		}{Body: oracleConfigResponse(s)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/ledger/{address}",
		Summary:     "Balance and custody allowance of an address",
		Tags:        []string{"ledger"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		addr, err := domain.ParseAddress(input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		acct, err := e.Account(ctx, addr)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(acct)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-custody",
		Method:      http.MethodPost,
		Path:        "/ledger/approve",
		Summary:     "Set the allowance the escrow may lock from the caller",
		Tags:        []string{"ledger"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := domain.ParseAmount(input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		acct, err := e.Approve(ctx, principal.Address, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(acct)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mint",
		Method:      http.MethodPost,
		Path:        "/ledger/mint",
		Summary:     "Credit tokens to an address (admin)",
		Tags:        []string{"ledger"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body MintRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := domain.ParseAddress(input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		amount, err := domain.ParseAmount(input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		acct, err := e.Mint(ctx, principal.Address, to, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(acct)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		GigID  int64  `query:"gig_id"`
		Actor  string `query:"actor"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:   input.Type,
			GigID:  input.GigID,
			Actor:  input.Actor,
			Limit:  limit + 1,
			Cursor: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var roles []string
		for _, r := range e.Roles(principal.Address) {
			roles = append(roles, string(r))
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Address: principal.Address.Hex(),
			Roles:   nonNilSlice(roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		addr, err := domain.ParseAddress(input.Body.Address)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := SignToken(authCfg.JWTSecret, addr, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
