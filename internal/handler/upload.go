package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/breaker"
	"github.com/jun/trailhunt/backend/internal/locktoken"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/upload"
)

// formOverhead is the allowance for multipart framing and text fields on top
// of the photo itself.
const formOverhead = 1 << 20

const maxFieldBytes = 4 << 10

// Uploader runs the upload saga.
type Uploader interface {
	Run(ctx context.Context, req upload.Request) (*upload.Result, error)
	MaxPhotoBytes() int
}

// UploadForm holds the text fields of POST /photo-upload-orchestrated.
type UploadForm struct {
	LocationTitle  string `form:"locationTitle" validate:"required,max=200"`
	SessionID      string `form:"sessionId" validate:"required,max=128"`
	TeamID         string `form:"teamId" validate:"required,max=64"`
	OrgID          string `form:"orgId" validate:"required,max=64"`
	HuntID         string `form:"huntId" validate:"required,max=64"`
	TeamName       string `form:"teamName" validate:"max=200"`
	LocationName   string `form:"locationName" validate:"max=200"`
	EventName      string `form:"eventName" validate:"max=200"`
	IdempotencyKey string `form:"idempotencyKey" validate:"omitempty,min=8,max=64"`
}

// UploadHandler handles orchestrated photo uploads.
type UploadHandler struct {
	uploader     Uploader
	tokens       *locktoken.Service
	log          logging.Logger
	requireToken bool
}

// UploadOption configures an UploadHandler.
type UploadOption func(*UploadHandler)

// WithRequiredLockToken rejects uploads that carry no lock token.
func WithRequiredLockToken(required bool) UploadOption {
	return func(h *UploadHandler) { h.requireToken = required }
}

// NewUploadHandler creates a new UploadHandler. The lock token is optional
// unless WithRequiredLockToken is given.
func NewUploadHandler(uploader Uploader, tokens *locktoken.Service, log logging.Logger, opts ...UploadOption) *UploadHandler {
	h := &UploadHandler{uploader: uploader, tokens: tokens, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Upload parses the multipart submission and runs the upload saga.
func (h *UploadHandler) Upload(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := RequestID(req)
	maxPhoto := h.uploader.MaxPhotoBytes()

	raw, err := body(req)
	if err != nil {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, "Invalid request body encoding", requestID), nil
	}
	if len(raw) > maxPhoto+formOverhead {
		return errorResponse(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, fmt.Sprintf("Photo must be at most %d bytes", maxPhoto), requestID), nil
	}

	form, photo, err := parseUploadForm(Header(req, "Content-Type"), raw, maxPhoto)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			return errorResponse(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, fmt.Sprintf("Photo must be at most %d bytes", maxPhoto), requestID), nil
		}
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, err.Error(), requestID), nil
	}
	if err := validate.Struct(form); err != nil {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, validationMessage(err), requestID), nil
	}
	if len(photo) == 0 {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, "photo is required", requestID), nil
	}

	detected := mimetype.Detect(photo)
	if !strings.HasPrefix(detected.String(), "image/") {
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, "photo must be an image", requestID), nil
	}

	tok := BearerToken(req)
	if tok == "" && h.requireToken {
		return errorResponse(http.StatusUnauthorized, CodeLockTokenInvalid, "Lock token is required", requestID), nil
	}
	if tok != "" {
		claims := h.tokens.Verify(tok)
		if claims == nil {
			return errorResponse(http.StatusUnauthorized, CodeLockTokenInvalid, "Lock token is invalid or expired", requestID), nil
		}
		if claims.TeamID != form.TeamID {
			return errorResponse(http.StatusForbidden, CodeTeamMismatch, "Lock token belongs to another team", requestID), nil
		}
	}

	res, err := h.uploader.Run(ctx, upload.Request{
		RequestID:      requestID,
		Photo:          photo,
		ContentType:    detected.String(),
		LocationTitle:  form.LocationTitle,
		SessionID:      form.SessionID,
		TeamID:         form.TeamID,
		OrgID:          form.OrgID,
		HuntID:         form.HuntID,
		TeamName:       form.TeamName,
		LocationName:   form.LocationName,
		EventName:      form.EventName,
		IdempotencyKey: form.IdempotencyKey,
	})
	if err != nil {
		return h.uploadError(ctx, requestID, err), nil
	}
	return jsonResponse(http.StatusOK, res), nil
}

// uploadError maps saga errors to responses. Unclassified errors become a
// generic 500 carrying the request id.
func (h *UploadHandler) uploadError(ctx context.Context, requestID string, err error) events.APIGatewayProxyResponse {
	var open *breaker.OpenError
	var verr *upload.ValidationError
	var serr *upload.StorageError
	var perr *upload.PersistenceError

	switch {
	case errors.As(err, &open):
		resp := jsonResponse(http.StatusServiceUnavailable, ErrorBody{
			Code:              CodeServiceUnavailable,
			Message:           "Service temporarily unavailable, please retry later",
			RequestID:         requestID,
			RetryAfterSeconds: open.RetryAfterSeconds(),
		})
		resp.Headers["Retry-After"] = strconv.Itoa(open.RetryAfterSeconds())
		return resp
	case errors.As(err, &verr):
		return errorResponse(http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("%s %s", verr.Field, verr.Reason), requestID)
	case errors.Is(err, upload.ErrTooLarge):
		return errorResponse(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Photo is too large", requestID)
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(ctx, "upload timed out", "request_id", requestID, "error", err)
		return errorResponse(http.StatusGatewayTimeout, CodeTimeout, "Upload timed out, please retry", requestID)
	case errors.Is(err, adapter.ErrNotFound):
		return errorResponse(http.StatusNotFound, CodeTeamNotFound, "Team not found for this hunt", requestID)
	case errors.As(err, &serr):
		h.log.Error(ctx, "upload failed", "request_id", requestID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeUploadFailed, "Photo upload failed", requestID)
	case errors.As(err, &perr):
		h.log.Error(ctx, "upload not persisted", "request_id", requestID, "compensated", perr.Compensated(), "retained", perr.Retained, "error", err)
		return errorResponse(http.StatusInternalServerError, CodePersistenceFailed, "Photo could not be saved", requestID)
	default:
		h.log.Error(ctx, "upload failed unexpectedly", "request_id", requestID, "error", err)
		return errorResponse(http.StatusInternalServerError, CodeInternal, "Internal error", requestID)
	}
}

// parseUploadForm reads the text fields and the photo part. The photo is
// read at most maxPhoto+1 bytes so oversize uploads are detected without
// buffering them whole.
func parseUploadForm(contentType string, raw []byte, maxPhoto int) (*UploadForm, []byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, nil, errors.New("content type must be multipart/form-data")
	}

	form := &UploadForm{}
	fields := map[string]*string{
		"locationTitle":  &form.LocationTitle,
		"sessionId":      &form.SessionID,
		"teamId":         &form.TeamID,
		"orgId":          &form.OrgID,
		"huntId":         &form.HuntID,
		"teamName":       &form.TeamName,
		"locationName":   &form.LocationName,
		"eventName":      &form.EventName,
		"idempotencyKey": &form.IdempotencyKey,
	}

	var photo []byte
	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.New("malformed multipart body")
		}

		name := part.FormName()
		switch {
		case name == "photo":
			data, err := io.ReadAll(io.LimitReader(part, int64(maxPhoto)+1))
			if err != nil {
				return nil, nil, errors.New("could not read photo")
			}
			if len(data) > maxPhoto {
				return nil, nil, upload.ErrTooLarge
			}
			photo = data
		case fields[name] != nil:
			data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil || len(data) > maxFieldBytes {
				return nil, nil, fmt.Errorf("field %s is invalid", name)
			}
			*fields[name] = strings.TrimSpace(string(data))
		}
		part.Close()
	}
	return form, photo, nil
}
