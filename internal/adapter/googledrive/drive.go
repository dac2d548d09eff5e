package googledrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const publicIDProperty = "publicId"

// toDriveName flattens a public id into a single Drive file name.
func toDriveName(publicID string) string {
	return strings.ReplaceAll(publicID, "/", "__")
}

// quote escapes a value for use inside a Drive query string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// PhotoStore implements adapter.PhotoStore on Google Drive. Photos live in
// one folder; each file carries its public id as an app property, which is
// how re-uploads find and overwrite the previous file.
type PhotoStore struct {
	service  *drive.Service
	FolderID string
}

// NewPhotoStore creates a PhotoStore.
// client should be an authenticated http.Client for the account owning the folder.
func NewPhotoStore(ctx context.Context, client *http.Client, folderID string, opts ...option.ClientOption) (*PhotoStore, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %v", err)
	}
	if folderID == "" {
		folderID = "root"
	}
	return &PhotoStore{service: srv, FolderID: folderID}, nil
}

// find returns the Drive file carrying publicID, or nil.
func (d *PhotoStore) find(ctx context.Context, publicID string) (*drive.File, error) {
	q := fmt.Sprintf("appProperties has { key='%s' and value='%s' } and '%s' in parents and trashed = false",
		publicIDProperty, quote(publicID), quote(d.FolderID))

	r, err := d.service.Files.List().
		Q(q).
		Fields("files(id, name, webContentLink)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to look up photo: %v", err)
	}
	if len(r.Files) == 0 {
		return nil, nil
	}
	return r.Files[0], nil
}

func (d *PhotoStore) Upload(ctx context.Context, data []byte, publicID string, meta adapter.PhotoMetadata) (*adapter.Asset, error) {
	existing, err := d.find(ctx, publicID)
	if err != nil {
		return nil, err
	}

	var media []googleapi.MediaOption
	if meta.ContentType != "" {
		media = append(media, googleapi.ContentType(meta.ContentType))
	}

	var res *drive.File
	if existing != nil {
		res, err = d.service.Files.Update(existing.Id, &drive.File{}).
			Media(bytes.NewReader(data), media...).
			SupportsAllDrives(true).
			Fields("id, webContentLink").
			Context(ctx).
			Do()
	} else {
		props := map[string]string{publicIDProperty: publicID}
		for k, v := range meta.Tags {
			props[k] = v
		}
		f := &drive.File{
			Name:          toDriveName(publicID),
			Parents:       []string{d.FolderID},
			AppProperties: props,
		}
		res, err = d.service.Files.Create(f).
			Media(bytes.NewReader(data), media...).
			SupportsAllDrives(true).
			Fields("id, webContentLink").
			Context(ctx).
			Do()
	}
	if err != nil {
		return nil, fmt.Errorf("unable to upload photo: %v", err)
	}

	url := res.WebContentLink
	if url == "" {
		url = "https://drive.google.com/uc?id=" + res.Id
	}
	return &adapter.Asset{PublicID: publicID, URL: url}, nil
}

func (d *PhotoStore) Exists(ctx context.Context, publicID string) (bool, error) {
	f, err := d.find(ctx, publicID)
	if err != nil {
		return false, err
	}
	return f != nil, nil
}

func (d *PhotoStore) Delete(ctx context.Context, publicID string) error {
	f, err := d.find(ctx, publicID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	if err := d.service.Files.Delete(f.Id).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("unable to delete photo: %v", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}
