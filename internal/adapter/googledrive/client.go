package googledrive

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jun/trailhunt/backend/internal/crypto"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes requested for the photo folder's service account owner.
var Scopes = []string{"https://www.googleapis.com/auth/drive.file"}

// OAuthConfig builds the oauth2 config used to refresh the Drive token.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// NewClient returns an http.Client authorised with the folder owner's
// refresh token. The token is stored encrypted and decrypted here.
func NewClient(ctx context.Context, cfg *oauth2.Config, encryptedRefreshToken string, dec crypto.Decrypter) (*http.Client, error) {
	if encryptedRefreshToken == "" {
		return nil, fmt.Errorf("no drive refresh token configured")
	}

	refreshToken, err := dec.Decrypt(ctx, encryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-1 * time.Hour), // Force refresh
	}
	return oauth2.NewClient(ctx, cfg.TokenSource(ctx, token)), nil
}
