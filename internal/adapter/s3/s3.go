// Package s3 stores hunt photos in an S3 bucket, one object per public id.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jun/trailhunt/backend/internal/adapter"
)

// Client is the subset of *s3.Client used by PhotoStore.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// PhotoStore implements adapter.PhotoStore. The object key is the public id,
// so uploading the same id twice replaces the object.
type PhotoStore struct {
	client        Client
	bucket        string
	publicBaseURL string
}

// NewPhotoStore creates a PhotoStore. publicBaseURL is the CDN or bucket URL
// photo links are built from; empty means the virtual-hosted bucket URL.
func NewPhotoStore(client Client, bucket, publicBaseURL string) *PhotoStore {
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &PhotoStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// Options returns s3 client options pointing at a custom endpoint such as
// LocalStack or MinIO. An empty endpoint leaves the client untouched.
func Options(baseEndpoint string) func(*s3.Options) {
	return func(o *s3.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
			o.UsePathStyle = true
		}
	}
}

func (p *PhotoStore) Upload(ctx context.Context, data []byte, publicID string, meta adapter.PhotoMetadata) (*adapter.Asset, error) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(publicID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      meta.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object %q: %w", publicID, err)
	}

	return &adapter.Asset{PublicID: publicID, URL: p.publicBaseURL + "/" + publicID}, nil
}

func (p *PhotoStore) Exists(ctx context.Context, publicID string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(publicID),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %q: %w", publicID, err)
	}
	return true, nil
}

func (p *PhotoStore) Delete(ctx context.Context, publicID string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(publicID),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %q: %w", publicID, err)
	}
	return nil
}

// isNotFound recognises both the modelled HeadObject 404 and the generic API
// error codes S3-compatible servers return.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
