package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/commands"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Rule    string `json:"rule,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Error codes
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "VERSION_CONFLICT"
	CodeRejected         = "BUSINESS_RULE"
	CodeForbidden        = "OUT_OF_SCOPE"
	CodeProcessingFailed = "PROCESSING_FAILED"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// errorResponse maps an error to its HTTP status and body
func errorResponse(err error) (int, ErrorResponse) {
	var (
		validation *domain.ValidationError
		rule       *domain.BusinessRuleError
		failed     *domain.ProcessingFailedError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{Message: validation.Error(), Code: CodeValidation}
	case errors.As(err, &failed):
		return http.StatusInternalServerError, ErrorResponse{Message: failed.Error(), Code: CodeProcessingFailed, EventID: failed.EventID}
	case errors.As(err, &rule) && rule.Rule == commands.RuleOutOfScope:
		return http.StatusForbidden, ErrorResponse{Message: rule.Message, Code: CodeForbidden, Rule: rule.Rule}
	case errors.As(err, &rule):
		return http.StatusUnprocessableEntity, ErrorResponse{Message: rule.Message, Code: CodeRejected, Rule: rule.Rule}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Message: err.Error(), Code: CodeNotFound}
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, ErrorResponse{Message: err.Error(), Code: CodeConflict}
	}
	return http.StatusInternalServerError, ErrorResponse{Message: "Internal server error", Code: CodeInternal}
}

// writeError aborts the request with the mapped error response
func writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Str("code", body.Code).Msg("Request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Message: err.Error(), Code: CodeInvalidRequest})
}
