package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/trailhunt/backend/internal/adapter/memory"
	"github.com/jun/trailhunt/backend/internal/config"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/secret"
)

const originSecret = "cloudfront-secret"

func newTestApp(t *testing.T, dev bool) (*App, *prometheus.Registry) {
	t.Helper()
	cfg, err := config.FromLookup(func(k string) string {
		if k == "DEV_MODE" {
			return "true"
		}
		return ""
	})
	require.NoError(t, err)
	cfg.DevMode = dev

	reg := prometheus.NewRegistry()
	a, err := New(cfg, Deps{
		Locks:   devicelock.NewMemoryStore(),
		Photos:  memory.NewPhotoStore(""),
		Hunt:    memory.NewHuntStore(DevTeams...),
		Secrets: &secret.Secrets{LockTokenSecret: "s3cret", OriginSecret: originSecret},
	}, logging.NewNop(), reg)
	require.NoError(t, err)
	return a, reg
}

func request(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers:    map[string]string{"x-origin-verify": originSecret},
	}
}

func TestHandleRequest_OriginCheck(t *testing.T) {
	a, _ := newTestApp(t, false)

	req := request("POST", "/api/team-verify", `{"code":"ALPHA01"}`)
	delete(req.Headers, "x-origin-verify")
	resp, err := a.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = a.HandleRequest(context.Background(), request("POST", "/api/team-verify", `{"code":"ALPHA01"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Equal(t, "http://localhost:3000", resp.Headers["Access-Control-Allow-Origin"])
}

func TestHandleRequest_Preflight(t *testing.T) {
	a, _ := newTestApp(t, false)

	resp, err := a.HandleRequest(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: "OPTIONS", Path: "/team-verify"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Headers["Access-Control-Allow-Methods"])
}

func TestHandleRequest_NotFound(t *testing.T) {
	a, _ := newTestApp(t, true)

	resp, err := a.HandleRequest(context.Background(), request("GET", "/team-verify", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRequest_VerifyThenUpload(t *testing.T) {
	a, reg := newTestApp(t, true)
	ctx := context.Background()

	resp, err := a.HandleRequest(ctx, request("POST", "/team-verify", `{"code":"alpha01","deviceHint":"p1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	var verified struct {
		TeamID    string `json:"teamId"`
		LockToken string `json:"lockToken"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &verified))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"locationTitle": "Covered Bridge", "sessionId": "s1",
		"teamId": verified.TeamID, "orgId": "demo", "huntId": "demo-hunt",
	} {
		require.NoError(t, w.WriteField(k, v))
	}
	fw, err := w.CreateFormFile("photo", "p.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := request("POST", "/api/photo-upload-orchestrated", base64.StdEncoding.EncodeToString(buf.Bytes()))
	req.IsBase64Encoded = true
	req.Headers["Content-Type"] = w.FormDataContentType()
	req.Headers["Authorization"] = "Bearer " + verified.LockToken

	resp, err = a.HandleRequest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Contains(t, resp.Body, `"locationSlug":"covered-bridge"`)

	issued, err := testutil.GatherAndCount(reg, "trailhunt_lock_tokens_issued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	health, err := a.HandleRequest(ctx, request("GET", "/health", ""))
	require.NoError(t, err)
	assert.True(t, strings.Contains(health.Body, `"storage-provider":"CLOSED"`), health.Body)
}

func TestNew_RequiresOriginSecretOutsideDev(t *testing.T) {
	cfg := &config.Config{LockTokenTTL: 0}
	_, err := New(cfg, Deps{Secrets: &secret.Secrets{LockTokenSecret: "x"}}, logging.NewNop(), nil)
	assert.Error(t, err)
}
