package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest      = "invalid_request"
	errorCodeValidation          = "validation_failed"
	errorCodeUnauthorized        = "unauthorized"
	errorCodeAccessDenied        = "access_denied"
	errorCodeNotFound            = "not_found"
	errorCodeConflict            = "conflict"
	errorCodeInvalidState        = "invalid_state"
	errorCodeInvalidTransition   = "invalid_transition"
	errorCodeApprovalsIncomplete = "approvals_incomplete"
	errorCodePersistenceFailure  = "persistence_failure"
	errorCodeInternal            = "internal_error"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details gin.H  `json:"details,omitempty"`
}

var registerTagNames sync.Once

// useJSONFieldNames makes validator report fields by their JSON name instead of the Go field.
func useJSONFieldNames() {
	registerTagNames.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		engine.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
}

func abortWithError(c *gin.Context, status int, code string, details gin.H) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Details: details})
}

// respondBindingError reports malformed or invalid request bodies.
func respondBindingError(c *gin.Context, err error) {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		details := gin.H{}
		for _, fieldError := range fieldErrors {
			details[fieldError.Field()] = fieldError.Tag()
		}
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, details)
		return
	}
	abortWithError(c, http.StatusBadRequest, errorCodeInvalidRequest, nil)
}

// respondServiceError maps the contracts error taxonomy onto HTTP responses.
func (h *httpHandler) respondServiceError(c *gin.Context, operation string, err error) {
	var transitionErr *contracts.TransitionError
	if errors.As(err, &transitionErr) {
		switch {
		case errors.Is(transitionErr.Kind, contracts.ErrApprovalsIncomplete):
			outstanding := transitionErr.OutstandingApprovers
			if outstanding == nil {
				outstanding = []string{}
			}
			abortWithError(c, http.StatusBadRequest, errorCodeApprovalsIncomplete, gin.H{
				"approved":              transitionErr.ApprovedCount,
				"pending":               transitionErr.PendingCount,
				"outstanding_approvers": outstanding,
			})
			return
		case errors.Is(transitionErr.Kind, contracts.ErrInvalidTransition):
			abortWithError(c, http.StatusBadRequest, errorCodeInvalidTransition, gin.H{
				"from": transitionErr.From,
				"to":   transitionErr.To,
			})
			return
		case errors.Is(transitionErr.Kind, contracts.ErrAccessDenied):
			abortWithError(c, http.StatusForbidden, errorCodeAccessDenied, gin.H{"reason": transitionErr.Reason})
			return
		}
	}

	var details gin.H
	var serviceErr *contracts.ServiceError
	if errors.As(err, &serviceErr) {
		details = gin.H{"code": serviceErr.Code()}
	}

	switch {
	case errors.Is(err, contracts.ErrValidation):
		abortWithError(c, http.StatusBadRequest, errorCodeValidation, validationDetails(details, err))
	case errors.Is(err, contracts.ErrAccessDenied):
		abortWithError(c, http.StatusForbidden, errorCodeAccessDenied, details)
	case errors.Is(err, contracts.ErrNotFound):
		abortWithError(c, http.StatusNotFound, errorCodeNotFound, details)
	case errors.Is(err, contracts.ErrConflict):
		abortWithError(c, http.StatusConflict, errorCodeConflict, details)
	case errors.Is(err, contracts.ErrInvalidState):
		abortWithError(c, http.StatusBadRequest, errorCodeInvalidState, details)
	case errors.Is(err, contracts.ErrPersistenceFailure):
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, errorCodePersistenceFailure, details)
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, errorCodeInternal, nil)
	}
}

func validationDetails(details gin.H, err error) gin.H {
	if details == nil {
		details = gin.H{}
	}
	details["message"] = err.Error()
	return details
}
