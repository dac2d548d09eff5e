package handler_test

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"

	"github.com/jun/trailhunt/backend/internal/handler"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"header", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase header", map[string]string{"authorization": "bearer abc"}, "abc"},
		{"cookie", map[string]string{"Cookie": "a=1; lock_token=xyz; b=2"}, "xyz"},
		{"header wins", map[string]string{"Authorization": "Bearer abc", "Cookie": "lock_token=xyz"}, "abc"},
		{"other scheme", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := handler.BearerToken(events.APIGatewayProxyRequest{Headers: tt.headers})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeader(t *testing.T) {
	req := events.APIGatewayProxyRequest{Headers: map[string]string{"x-origin-verify": "s", "Content-Type": "text/plain"}}
	assert.Equal(t, "s", handler.Header(req, "X-Origin-Verify"))
	assert.Equal(t, "text/plain", handler.Header(req, "Content-Type"))
	assert.Empty(t, handler.Header(req, "Authorization"))
}

func TestSourceIP(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"},
	}
	assert.Equal(t, "198.51.100.1", handler.SourceIP(req))

	req.RequestContext.Identity.SourceIP = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", handler.SourceIP(req))
}

func TestRequestID(t *testing.T) {
	req := events.APIGatewayProxyRequest{}
	assert.NotEmpty(t, handler.RequestID(req))

	req.RequestContext.RequestID = "gw-1"
	assert.Equal(t, "gw-1", handler.RequestID(req))
}
