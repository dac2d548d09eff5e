package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/trailhunt/backend/internal/adapter/memory"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/handler"
	"github.com/jun/trailhunt/backend/internal/locktoken"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/model"
)

const testSecret = "test-secret"

var (
	alpha = model.Team{ID: "alpha", OrgID: "org1", HuntID: "hunt1", Name: "Alpha", Code: "ALPHA01", Active: true}
	beta  = model.Team{ID: "beta", OrgID: "org1", HuntID: "hunt1", Name: "Beta", Code: "BETA02", Active: true}
	gamma = model.Team{ID: "gamma", OrgID: "org1", HuntID: "hunt1", Name: "Gamma", Code: "GAMMA03"}
)

type teamFixture struct {
	h      *handler.TeamHandler
	locks  *devicelock.MemoryStore
	hunt   *memory.HuntStore
	tokens *locktoken.Service
	now    *time.Time
	issued int
}

func (f *teamFixture) LockTokenIssued() { f.issued++ }

func newTeamFixture(t *testing.T, policy devicelock.Policy) *teamFixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &teamFixture{
		locks: devicelock.NewMemoryStore(),
		hunt:  memory.NewHuntStore(alpha, beta, gamma),
		now:   &now,
	}
	clock := func() time.Time { return *f.now }

	tokens, err := locktoken.NewService(testSecret, 24*time.Hour)
	require.NoError(t, err)
	f.tokens = tokens.WithClock(clock)

	coord := devicelock.NewCoordinator(f.locks, policy, logging.NewNop(), devicelock.WithClock(clock))
	f.h = handler.NewTeamHandler(f.hunt, coord, f.tokens, logging.NewNop(), f)
	return f
}

func makeRequest(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"User-Agent":   "test-agent/1.0",
		},
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID: "req-1",
			Identity:  events.APIGatewayRequestIdentity{SourceIP: "203.0.113.7"},
		},
	}
}

func decodeError(t *testing.T, resp events.APIGatewayProxyResponse) handler.ErrorBody {
	t.Helper()
	var body handler.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	return body
}

func verify(t *testing.T, f *teamFixture, body string) events.APIGatewayProxyResponse {
	t.Helper()
	resp, err := f.h.Verify(context.Background(), makeRequest("POST", "/team-verify", body))
	require.NoError(t, err)
	return resp
}

func TestVerify_Success(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	resp := verify(t, f, `{"code":"ALPHA01","deviceHint":"phone-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	var out handler.TeamVerifyResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	assert.Equal(t, "alpha", out.TeamID)
	assert.Equal(t, "Alpha", out.TeamName)
	assert.Equal(t, int64(86400), out.TTLSeconds)
	assert.NotEmpty(t, out.LockToken)

	claims := f.tokens.Verify(out.LockToken)
	require.NotNil(t, claims)
	assert.Equal(t, "alpha", claims.TeamID)
	assert.Equal(t, 1, f.locks.Len())
	assert.Equal(t, 1, f.issued)
}

func TestVerify_CodeIsCaseInsensitive(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)
	resp := verify(t, f, `{"code":"  alpha01 "}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVerify_InvalidRequest(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	for _, body := range []string{``, `not json`, `{}`, `{"code":""}`} {
		resp := verify(t, f, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, handler.CodeInvalidRequest, decodeError(t, resp).Code, body)
	}
}

func TestVerify_UnknownOrInactiveCode(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	for _, code := range []string{"NOPE", "GAMMA03"} {
		resp := verify(t, f, `{"code":"`+code+`"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, code)
		body := decodeError(t, resp)
		assert.Equal(t, handler.CodeTeamCodeInvalid, body.Code)
		assert.Equal(t, "req-1", body.RequestID)
	}
	assert.Equal(t, 0, f.locks.Len())
}

func TestVerify_ConflictWithOtherTeam(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01","deviceHint":"phone-1"}`).StatusCode)

	*f.now = f.now.Add(time.Hour)
	resp := verify(t, f, `{"code":"BETA02","deviceHint":"phone-1"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, handler.CodeTeamLockConflict, body.Code)
	assert.Equal(t, int64(23*3600), body.RemainingTTLSeconds)
}

func TestVerify_OtherDeviceIsIndependent(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01","deviceHint":"phone-1"}`).StatusCode)
	assert.Equal(t, http.StatusOK, verify(t, f, `{"code":"BETA02","deviceHint":"phone-2"}`).StatusCode)
	assert.Equal(t, 2, f.locks.Len())
}

func TestVerify_SameTeamReverifies(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01"}`).StatusCode)
	*f.now = f.now.Add(time.Hour)
	assert.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01"}`).StatusCode)
	assert.Equal(t, 2, f.issued)
}

func TestVerify_ExpiredLockAllowsSwitch(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01"}`).StatusCode)
	*f.now = f.now.Add(25 * time.Hour)
	assert.Equal(t, http.StatusOK, verify(t, f, `{"code":"BETA02"}`).StatusCode)
}

func TestVerify_StoreDown(t *testing.T) {
	t.Run("lenient fails open", func(t *testing.T) {
		f := newTeamFixture(t, devicelock.PolicyLenient)
		f.locks.Err = errors.New("dynamo down")
		assert.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01"}`).StatusCode)
	})

	t.Run("strict fails closed", func(t *testing.T) {
		f := newTeamFixture(t, devicelock.PolicyStrict)
		f.locks.Err = errors.New("dynamo down")
		resp := verify(t, f, `{"code":"ALPHA01"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, handler.CodeStorageError, decodeError(t, resp).Code)
	})
}

func TestVerify_TeamLookupFailure(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)
	f.hunt.Err = errors.New("db down")

	resp := verify(t, f, `{"code":"ALPHA01"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, handler.CodeStorageError, decodeError(t, resp).Code)
}

func TestLogout(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)

	resp := verify(t, f, `{"code":"ALPHA01","deviceHint":"phone-1"}`)
	var out handler.TeamVerifyResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))

	req := makeRequest("POST", "/team-logout", `{"deviceHint":"phone-1"}`)
	req.Headers["Authorization"] = "Bearer " + out.LockToken
	resp, err := f.h.Logout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.locks.Len())

	// The device is free for another team now.
	assert.Equal(t, http.StatusOK, verify(t, f, `{"code":"BETA02","deviceHint":"phone-1"}`).StatusCode)
}

func TestLogout_Rejections(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)
	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01"}`).StatusCode)

	resp, err := f.h.Logout(context.Background(), makeRequest("POST", "/team-logout", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	betaToken, err := f.tokens.Generate("beta")
	require.NoError(t, err)
	req := makeRequest("POST", "/team-logout", "")
	req.Headers["Cookie"] = "theme=dark; lock_token=" + betaToken.Token
	resp, err = f.h.Logout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, f.locks.Len())
}

func TestCleanupLocks(t *testing.T) {
	f := newTeamFixture(t, devicelock.PolicyLenient)
	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"ALPHA01","deviceHint":"a"}`).StatusCode)
	require.Equal(t, http.StatusOK, verify(t, f, `{"code":"BETA02","deviceHint":"b"}`).StatusCode)

	*f.now = f.now.Add(48 * time.Hour)
	resp, err := f.h.CleanupLocks(context.Background(), makeRequest("POST", "/maintenance/locks/cleanup", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":2}`, resp.Body)
	assert.Equal(t, 0, f.locks.Len())
}
