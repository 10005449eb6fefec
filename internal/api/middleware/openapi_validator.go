package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

// MustOpenAPIValidator creates an OpenAPI request validator and panics on setup failure.
func MustOpenAPIValidator(doc *openapi3.T, basePath string) gin.HandlerFunc {
	mw, err := NewOpenAPIValidator(doc, basePath)
	if err != nil {
		panic(fmt.Sprintf("init openapi validator: %v", err))
	}
	return mw
}

// NewOpenAPIValidator validates requests against doc. Paths the contract
// does not describe pass through unchecked.
func NewOpenAPIValidator(doc *openapi3.T, basePath string) (gin.HandlerFunc, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create openapi router: %w", err)
	}

	basePath = normalizeBasePath(basePath)
	options := &openapi3filter.Options{
		MultiError: false,
		// Bearer tokens are checked by the auth middleware.
		AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error {
			return nil
		},
	}

	return func(c *gin.Context) {
		route, pathParams, err := findRoute(router, c.Request, basePath)
		if err != nil {
			if isPathNotFound(err) {
				c.Next()
				return
			}
			Fail(c, apperrors.BadRequest(apperrors.CodeInvalidRequest, err.Error()))
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			Fail(c, apperrors.Wrap(err, apperrors.CodeValidationFailed, validationMessage(err), http.StatusBadRequest).
				WithFieldErrors(fieldErrors(err)))
			return
		}

		c.Next()
	}, nil
}

// validationMessage trims kin-openapi's multi-line errors to their first line.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
		return msg
	}
	return "request does not conform to the API contract"
}

// fieldErrors names the offending parameter or body property. Body errors
// without a property path are reported against "body".
func fieldErrors(err error) []apperrors.FieldError {
	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return nil
	}

	fe := apperrors.FieldError{Code: "INVALID", Message: reqErr.Reason}
	if reqErr.Parameter != nil {
		fe.Field = reqErr.Parameter.Name
		if reqErr.Err != nil && fe.Message == "" {
			fe.Message = reqErr.Err.Error()
		}
		return []apperrors.FieldError{fe}
	}

	fe.Field = "body"
	var schemaErr *openapi3.SchemaError
	if errors.As(reqErr.Err, &schemaErr) {
		if path := schemaErr.JSONPointer(); len(path) > 0 {
			fe.Field = strings.Join(path, ".")
		}
		fe.Message = schemaErr.Reason
		if strings.Contains(schemaErr.Reason, "is missing") {
			fe.Code = "REQUIRED"
		}
	}
	return []apperrors.FieldError{fe}
}

func normalizeBasePath(basePath string) string {
	basePath = strings.Trim(strings.TrimSpace(basePath), "/")
	if basePath == "" {
		return ""
	}
	return "/" + basePath
}

// stripBasePath maps a mounted request path onto the contract's paths.
// Paths outside basePath are returned unchanged.
func stripBasePath(basePath, path string) string {
	if basePath == "" || (path != basePath && !strings.HasPrefix(path, basePath+"/")) {
		return path
	}
	if rest := strings.TrimPrefix(path, basePath); rest != "" {
		return rest
	}
	return "/"
}

// findRoute matches req as sent, then with basePath stripped. req itself
// is never modified.
func findRoute(router routers.Router, req *http.Request, basePath string) (*routers.Route, map[string]string, error) {
	route, params, err := router.FindRoute(req)
	if err == nil || !isPathNotFound(err) {
		return route, params, err
	}

	stripped := stripBasePath(basePath, req.URL.Path)
	if stripped == req.URL.Path {
		return nil, nil, err
	}
	probe := req.Clone(req.Context())
	probe.URL.Path = stripped
	if probe.URL.RawPath != "" {
		probe.URL.RawPath = stripBasePath(basePath, probe.URL.RawPath)
	}
	return router.FindRoute(probe)
}

func isPathNotFound(err error) bool {
	if errors.Is(err, routers.ErrPathNotFound) {
		return true
	}
	var routeErr *routers.RouteError
	return errors.As(err, &routeErr) && routeErr.Reason == routers.ErrPathNotFound.Error()
}
