package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries the machine-readable error payload
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a 200 with the standard envelope
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// AcceptedResponse sends a 202 for work that was enqueued
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError maps an application error onto an HTTP status
// and the standard envelope
func ErrorResponseFromError(c *gin.Context, err error) {
	var statusCode int
	var apiError *APIError

	if appErr, ok := errors.AsAppError(err); ok {
		switch appErr.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeCircuitOpen, errors.ErrorTypeResourceExhausted:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeShutdown:
			statusCode = http.StatusServiceUnavailable
		case errors.ErrorTypeStallTimeout, errors.ErrorTypeHardTimeout:
			statusCode = http.StatusGatewayTimeout
		default:
			statusCode = http.StatusInternalServerError
		}

		apiError = &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
		}
		if len(appErr.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(appErr.Details))
			for k, v := range appErr.Details {
				apiError.Details[k] = v
			}
		}
	} else {
		statusCode = http.StatusInternalServerError
		apiError = &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 with a validation error payload
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "VALIDATION_ERROR", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
