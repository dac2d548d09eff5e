package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeTeamCodeInvalid    = "TEAM_CODE_INVALID"
	CodeTeamLockConflict   = "TEAM_LOCK_CONFLICT"
	CodeStorageError       = "STORAGE_ERROR"
	CodeLockTokenInvalid   = "LOCK_TOKEN_INVALID"
	CodeTeamMismatch       = "TEAM_MISMATCH"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeTeamNotFound       = "TEAM_NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodePersistenceFailed  = "PERSISTENCE_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

const lockTokenCookie = "lock_token"

// ErrorBody is the JSON shape of every non-2xx response.
type ErrorBody struct {
	Code                string `json:"code"`
	Message             string `json:"message"`
	RequestID           string `json:"requestId,omitempty"`
	RemainingTTLSeconds int64  `json:"remainingTtlSeconds,omitempty"`
	RetryAfterSeconds   int    `json:"retryAfterSeconds,omitempty"`
}

// Header returns the first header matching name, ignoring case.
func Header(req events.APIGatewayProxyRequest, name string) string {
	if v, ok := req.Headers[name]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// BearerToken extracts a lock token from the Authorization header or the
// lock_token cookie. It returns "" when neither is present.
func BearerToken(req events.APIGatewayProxyRequest) string {
	if auth := Header(req, "Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}

	// Cookie format: lock_token=xxx; ...
	for _, part := range strings.Split(Header(req, "Cookie"), ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, lockTokenCookie+"="); ok {
			return v
		}
	}
	return ""
}

// RequestID returns the gateway request id, or a fresh one for local calls.
func RequestID(req events.APIGatewayProxyRequest) string {
	if req.RequestContext.RequestID != "" {
		return req.RequestContext.RequestID
	}
	return uuid.NewString()
}

// SourceIP prefers the gateway identity and falls back to X-Forwarded-For.
func SourceIP(req events.APIGatewayProxyRequest) string {
	if ip := req.RequestContext.Identity.SourceIP; ip != "" {
		return ip
	}
	fwd := Header(req, "X-Forwarded-For")
	if i := strings.IndexByte(fwd, ','); i >= 0 {
		fwd = fwd[:i]
	}
	return strings.TrimSpace(fwd)
}

// body returns the raw request body, decoding it when the gateway base64
// encoded a binary payload.
func body(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: `{"code":"INTERNAL_ERROR","message":"encoding failed"}`}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

func errorResponse(status int, code, message, requestID string) events.APIGatewayProxyResponse {
	return jsonResponse(status, ErrorBody{Code: code, Message: message, RequestID: requestID})
}
