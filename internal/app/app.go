package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/breaker"
	"github.com/jun/trailhunt/backend/internal/config"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/handler"
	"github.com/jun/trailhunt/backend/internal/idempotency"
	"github.com/jun/trailhunt/backend/internal/locktoken"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/metrics"
	"github.com/jun/trailhunt/backend/internal/secret"
	"github.com/jun/trailhunt/backend/internal/upload"
)

// Deps are the backing stores the application runs on.
type Deps struct {
	Locks   devicelock.Datastore
	Photos  adapter.PhotoStore
	Hunt    adapter.HuntStore
	Secrets *secret.Secrets
}

// App holds the dependencies for the Lambda function.
type App struct {
	teamHandler   *handler.TeamHandler
	uploadHandler *handler.UploadHandler

	breakers     *breaker.Registry
	log          logging.Logger
	originSecret string
	devMode      bool
	frontendURL  string
}

// New assembles the services and handlers over deps. reg receives the
// application metrics; nil disables them.
func New(cfg *config.Config, deps Deps, log logging.Logger, reg prometheus.Registerer) (*App, error) {
	if deps.Secrets == nil {
		return nil, errors.New("secrets are required")
	}
	if !cfg.DevMode && deps.Secrets.OriginSecret == "" {
		return nil, errors.New("origin secret is required outside DEV_MODE")
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	tokens, err := locktoken.NewService(deps.Secrets.LockTokenSecret, cfg.LockTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("lock tokens: %w", err)
	}

	coordOpts := []devicelock.Option{devicelock.WithRefreshOnReverify(cfg.LockRefreshOnReverify)}
	if m != nil {
		coordOpts = append(coordOpts, devicelock.WithRecorder(m))
	}
	locks := devicelock.NewCoordinator(deps.Locks, cfg.LockPolicy, log, coordOpts...)

	breakerOpts := make([]breaker.Option, 0, len(cfg.Breakers)+1)
	for dep, c := range cfg.Breakers {
		breakerOpts = append(breakerOpts, breaker.WithConfig(dep, c))
	}
	if m != nil {
		breakerOpts = append(breakerOpts, breaker.WithObserver(m))
	}
	breakers := breaker.NewRegistry(breakerOpts...)

	var fallback idempotency.FallbackRecorder
	var sagaRecorder upload.Recorder
	var tokenRecorder handler.TokenRecorder
	if m != nil {
		fallback, sagaRecorder, tokenRecorder = m, m, m
	}

	orchOpts := []upload.Option{
		upload.WithRetryPolicy(cfg.Retry),
		upload.WithMaxPhotoBytes(cfg.MaxPhotoBytes),
		upload.WithCompensationTimeout(cfg.CompensationTimeout),
	}
	if sagaRecorder != nil {
		orchOpts = append(orchOpts, upload.WithRecorder(sagaRecorder))
	}
	orch := upload.NewOrchestrator(deps.Photos, deps.Hunt, breakers,
		idempotency.NewDeriver(log, fallback), log, orchOpts...)

	return &App{
		teamHandler:   handler.NewTeamHandler(deps.Hunt, locks, tokens, log, tokenRecorder),
		uploadHandler: handler.NewUploadHandler(orch, tokens, log, handler.WithRequiredLockToken(cfg.RequireLockToken)),
		breakers:      breakers,
		log:           log,
		originSecret:  deps.Secrets.OriginSecret,
		devMode:       cfg.DevMode,
		frontendURL:   cfg.FrontendURL,
	}, nil
}

// Breakers exposes the shared breaker registry, e.g. for health output.
func (app *App) Breakers() *breaker.Registry {
	return app.breakers
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.log.Debug(ctx, "request", "method", method, "path", path)

	// CORS Preflight
	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Only CloudFront knows the origin secret.
	if !app.devMode {
		if app.originSecret == "" || handler.Header(req, "X-Origin-Verify") != app.originSecret {
			app.log.Warn(ctx, "missing or invalid X-Origin-Verify header", "path", path)
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	switch {
	case path == "/team-verify" && method == http.MethodPost:
		return app.corsResponse(app.must(ctx)(app.teamHandler.Verify(ctx, req))), nil
	case path == "/team-logout" && method == http.MethodPost:
		return app.corsResponse(app.must(ctx)(app.teamHandler.Logout(ctx, req))), nil
	case path == "/photo-upload-orchestrated" && method == http.MethodPost:
		return app.corsResponse(app.must(ctx)(app.uploadHandler.Upload(ctx, req))), nil
	case path == "/maintenance/locks/cleanup" && method == http.MethodPost:
		return app.corsResponse(app.must(ctx)(app.teamHandler.CleanupLocks(ctx, req))), nil
	case path == "/health" && method == http.MethodGet:
		return app.corsResponse(app.health()), nil
	}

	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// health reports the breaker state of each dependency.
func (app *App) health() events.APIGatewayProxyResponse {
	deps := []string{upload.DepStorage, upload.DepDatabase}
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		parts = append(parts, fmt.Sprintf("%q:%q", dep, app.breakers.Snapshot(dep).State.String()))
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"status":"ok","breakers":{` + strings.Join(parts, ",") + `}}`,
	}
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	resp.Headers["Access-Control-Expose-Headers"] = "Retry-After"
	return resp
}

// must unwraps a handler response. Handlers report failures as status
// codes, so a returned error is a bug and becomes a bare 500.
func (app *App) must(ctx context.Context) func(events.APIGatewayProxyResponse, error) events.APIGatewayProxyResponse {
	return func(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
		if err != nil {
			app.log.Error(ctx, "handler error", "error", err)
			return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
		}
		return resp
	}
}
