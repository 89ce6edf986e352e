package platform

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// errorBody covers the error shapes returned by the platform.
type errorBody struct {
	Code             string `json:"code"`
	ServiceErrorCode int    `json:"serviceErrorCode"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyResponse turns a non-2xx response into an ExternalError.
// Throttling and server faults are retryable; other client errors are not.
func classifyResponse(op string, status int, body []byte) *domain.ExternalError {
	extErr := &domain.ExternalError{
		Op:         op,
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		extErr.Code = firstNonEmpty(parsed.Code, parsed.Error)
		extErr.Message = firstNonEmpty(parsed.Message, parsed.ErrorDescription)
	}
	if extErr.Message == "" {
		extErr.Message = strings.TrimSpace(string(body))
	}
	if extErr.Message == "" {
		extErr.Message = http.StatusText(status)
	}
	if len(extErr.Message) > 500 {
		extErr.Message = extErr.Message[:500]
	}
	return extErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
