package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/locktoken"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/model"
)

// TeamFinder resolves team codes.
type TeamFinder interface {
	FindTeamByCode(ctx context.Context, code string) (*model.Team, error)
}

// TokenRecorder counts issued lock tokens.
type TokenRecorder interface {
	LockTokenIssued()
}

// TeamVerifyRequest is the body of POST /team-verify.
type TeamVerifyRequest struct {
	Code       string `json:"code" validate:"required,max=64"`
	DeviceHint string `json:"deviceHint" validate:"max=256"`
}

// TeamVerifyResponse is returned on a successful verification.
type TeamVerifyResponse struct {
	TeamID     string `json:"teamId"`
	TeamName   string `json:"teamName"`
	LockToken  string `json:"lockToken"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// TeamHandler handles team verification and device lock lifecycle requests.
type TeamHandler struct {
	teams    TeamFinder
	locks    *devicelock.Coordinator
	tokens   *locktoken.Service
	log      logging.Logger
	recorder TokenRecorder
}

// NewTeamHandler creates a new TeamHandler. recorder may be nil.
func NewTeamHandler(teams TeamFinder, locks *devicelock.Coordinator, tokens *locktoken.Service, log logging.Logger, recorder TokenRecorder) *TeamHandler {
	return &TeamHandler{teams: teams, locks: locks, tokens: tokens, log: log, recorder: recorder}
}

// Verify resolves a team code, enforces the one-team-per-device lock and
// issues a lock token.
func (h *TeamHandler) Verify(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := RequestID(req)
	log := h.log.With("request_id", requestID)

	var in TeamVerifyRequest
	raw, err := body(req)
	if err != nil || json.Unmarshal(raw, &in) != nil {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", requestID), nil
	}
	if err := validate.Struct(&in); err != nil {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, validationMessage(err), requestID), nil
	}

	team, err := h.teams.FindTeamByCode(ctx, in.Code)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return errorResponse(http.StatusUnauthorized, CodeTeamCodeInvalid, "Team code is not valid", requestID), nil
		}
		log.Error(ctx, "team lookup failed", "error", err)
		return errorResponse(http.StatusInternalServerError, CodeStorageError, "Could not verify team code", requestID), nil
	}
	if !team.Active {
		return errorResponse(http.StatusUnauthorized, CodeTeamCodeInvalid, "Team code is not valid", requestID), nil
	}

	fp := devicelock.Fingerprint(in.DeviceHint, SourceIP(req), Header(req, "User-Agent"))
	conflict, err := h.locks.CheckConflict(ctx, fp, team.ID)
	if err != nil {
		log.Error(ctx, "device lock check failed", "team_id", team.ID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeStorageError, "Could not check device lock", requestID), nil
	}
	if conflict != nil {
		log.Info(ctx, "device locked to another team", "team_id", team.ID, "remaining_ttl_seconds", conflict.RemainingTTLSeconds)
		return jsonResponse(http.StatusConflict, ErrorBody{
			Code:                CodeTeamLockConflict,
			Message:             fmt.Sprintf("This device is signed in to another team. Try again in %d seconds.", conflict.RemainingTTLSeconds),
			RequestID:           requestID,
			RemainingTTLSeconds: conflict.RemainingTTLSeconds,
		}), nil
	}

	token, err := h.tokens.Generate(team.ID)
	if err != nil {
		log.Error(ctx, "lock token generation failed", "team_id", team.ID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeInternal, "Could not issue lock token", requestID), nil
	}

	if _, err := h.locks.Bind(ctx, fp, team.ID, token.ExpiresAt); err != nil {
		if h.locks.Policy() == devicelock.PolicyStrict {
			log.Error(ctx, "device lock write failed", "team_id", team.ID, "error", err)
			return errorResponse(http.StatusInternalServerError, CodeStorageError, "Could not store device lock", requestID), nil
		}
		log.Warn(ctx, "device lock write failed; continuing without lock", "team_id", team.ID, "error", err)
	}
	if h.recorder != nil {
		h.recorder.LockTokenIssued()
	}

	log.Info(ctx, "team verified", "team_id", team.ID)
	return jsonResponse(http.StatusOK, TeamVerifyResponse{
		TeamID:     team.ID,
		TeamName:   team.Name,
		LockToken:  token.Token,
		TTLSeconds: int64(h.tokens.TTL().Seconds()),
	}), nil
}

// Logout releases the device lock when the presented lock token belongs to
// the team holding it. Releasing an absent lock succeeds.
func (h *TeamHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := RequestID(req)

	claims := h.tokens.Verify(BearerToken(req))
	if claims == nil {
		return errorResponse(http.StatusUnauthorized, CodeLockTokenInvalid, "Lock token is missing or invalid", requestID), nil
	}

	var in struct {
		DeviceHint string `json:"deviceHint" validate:"max=256"`
	}
	if raw, err := body(req); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return errorResponse(http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", requestID), nil
		}
	}
	if err := validate.Struct(&in); err != nil {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, validationMessage(err), requestID), nil
	}

	fp := devicelock.Fingerprint(in.DeviceHint, SourceIP(req), Header(req, "User-Agent"))
	lock, err := h.locks.Lock(ctx, fp)
	if err != nil {
		h.log.Error(ctx, "device lock read failed", "request_id", requestID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeStorageError, "Could not read device lock", requestID), nil
	}
	if lock != nil {
		if lock.TeamID != claims.TeamID {
			return errorResponse(http.StatusForbidden, CodeTeamMismatch, "Device is held by another team", requestID), nil
		}
		if err := h.locks.DeleteLock(ctx, fp); err != nil {
			h.log.Error(ctx, "device lock delete failed", "request_id", requestID, "error", err)
			return errorResponse(http.StatusInternalServerError, CodeStorageError, "Could not release device lock", requestID), nil
		}
		h.log.Info(ctx, "device lock released", "request_id", requestID, "team_id", claims.TeamID)
	}

	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// CleanupLocks deletes expired device locks. It is meant for a scheduled
// invocation.
func (h *TeamHandler) CleanupLocks(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := RequestID(req)
	removed, err := h.locks.CleanupExpired(ctx)
	if err != nil {
		h.log.Error(ctx, "device lock cleanup failed", "request_id", requestID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeStorageError, "Cleanup failed", requestID), nil
	}
	h.log.Info(ctx, "expired device locks removed", "request_id", requestID, "removed", removed)
	return jsonResponse(http.StatusOK, map[string]int{"removed": removed}), nil
}
