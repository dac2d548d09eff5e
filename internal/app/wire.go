package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/adapter/googledrive"
	"github.com/jun/trailhunt/backend/internal/adapter/memory"
	"github.com/jun/trailhunt/backend/internal/adapter/postgres"
	"github.com/jun/trailhunt/backend/internal/adapter/s3"
	"github.com/jun/trailhunt/backend/internal/config"
	"github.com/jun/trailhunt/backend/internal/crypto"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/model"
	"github.com/jun/trailhunt/backend/internal/secret"
)

const devLockTokenSecret = "dev-lock-token-secret"

// DevTeams seed the in-memory hunt store in DEV_MODE.
var DevTeams = []model.Team{
	{ID: "alpha", OrgID: "demo", HuntID: "demo-hunt", Name: "Alpha", Code: "ALPHA01", Active: true},
	{ID: "beta", OrgID: "demo", HuntID: "demo-hunt", Name: "Beta", Code: "BETA02", Active: true},
}

// NewApp resolves secrets and builds the configured backends, then the
// application. The returned func releases what was opened.
func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger, reg prometheus.Registerer) (*App, func(), error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		log.Info(ctx, "using environment secret resolver (DEV_MODE=true)")
	} else {
		resolver = secret.NewCachingResolver(secret.NewSSMResolver(ssm.NewFromConfig(awsCfg)))
	}

	secrets, warnings, err := secret.Load(ctx, resolver, cfg.Params)
	if err != nil {
		if !cfg.DevMode || !errors.Is(err, secret.ErrMissing) {
			return nil, nil, err
		}
		log.Warn(ctx, "lock token secret not set; using development secret")
		dev := devSecretResolver{next: resolver, lockParam: cfg.Params.LockTokenSecret}
		if secrets, warnings, err = secret.Load(ctx, dev, cfg.Params); err != nil {
			return nil, nil, err
		}
	}
	for _, w := range warnings {
		log.Warn(ctx, "optional secret unavailable", "error", w)
	}

	cleanup := func() {}
	deps := Deps{Secrets: secrets}

	// ---------- Device locks ----------
	switch cfg.LockBackend {
	case config.LockBackendDynamo:
		deps.Locks = devicelock.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DeviceLocksTable)
	default:
		log.Info(ctx, "using in-memory device lock store")
		deps.Locks = devicelock.NewMemoryStore()
	}

	// ---------- Hunt store ----------
	switch cfg.HuntBackend {
	case config.HuntBackendPostgres:
		if secrets.DatabaseURL == "" {
			return nil, nil, errors.New("database url is required for the postgres hunt backend")
		}
		db, err := postgres.Open(ctx, secrets.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := postgres.RunMigrations(ctx, db); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		cleanup = func() { db.Close() }
		deps.Hunt = postgres.NewStore(db)
	default:
		log.Info(ctx, "using in-memory hunt store", "teams", len(DevTeams))
		deps.Hunt = memory.NewHuntStore(DevTeams...)
	}

	// ---------- Photo store ----------
	photos, err := newPhotoStore(ctx, cfg, awsCfg, secrets)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Photos = photos

	app, err := New(cfg, deps, log, reg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.Info(ctx, "application ready",
		"photo_backend", cfg.PhotoBackend, "hunt_backend", cfg.HuntBackend,
		"lock_backend", cfg.LockBackend, "lock_policy", string(cfg.LockPolicy))
	return app, cleanup, nil
}

func newPhotoStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, secrets *secret.Secrets) (adapter.PhotoStore, error) {
	switch cfg.PhotoBackend {
	case config.PhotoBackendS3:
		client := awss3.NewFromConfig(awsCfg, s3.Options(cfg.S3Endpoint))
		return s3.NewPhotoStore(client, cfg.S3Bucket, cfg.S3PublicURL), nil
	case config.PhotoBackendDrive:
		var dec crypto.Decrypter = crypto.DevDecrypter{}
		if !cfg.DevMode {
			dec = crypto.NewKMSDecrypter(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
		}
		oauthCfg := googledrive.OAuthConfig(cfg.GoogleClient, secrets.DriveClientSecret)
		httpClient, err := googledrive.NewClient(ctx, oauthCfg, secrets.DriveRefreshToken, dec)
		if err != nil {
			return nil, fmt.Errorf("drive client: %w", err)
		}
		store, err := googledrive.NewPhotoStore(ctx, httpClient, cfg.DriveFolderID)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.NewPhotoStore(""), nil
	}
}

// devSecretResolver answers the lock token secret with a fixed development
// value when the environment does not set one.
type devSecretResolver struct {
	next      secret.Resolver
	lockParam string
}

func (d devSecretResolver) GetSecret(ctx context.Context, name string) (string, error) {
	v, err := d.next.GetSecret(ctx, name)
	if err != nil && name == d.lockParam {
		return devLockTokenSecret, nil
	}
	return v, err
}
