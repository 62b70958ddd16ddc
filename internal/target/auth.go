package target

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/oauth2"
)

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per
// Go convention "accept interfaces, return structs". Token acquisition
// flows live outside this program; we only read a stored token.
type TokenSource interface {
	Token() (string, error)
}

// oauth2TokenSource adapts an oauth2.TokenSource to the narrow TokenSource
// interface used by Client.
type oauth2TokenSource struct {
	src oauth2.TokenSource
}

func (t *oauth2TokenSource) Token() (string, error) {
	tok, err := t.src.Token()
	if err != nil {
		return "", fmt.Errorf("target: fetching token: %w", err)
	}

	return tok.AccessToken, nil
}

// TokenSourceFromPath loads a stored OAuth token from a JSON file and wraps
// it in a reusable oauth2 token source.
func TokenSourceFromPath(tokenPath string, logger *slog.Logger) (TokenSource, error) {
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("target: reading token file %s: %w", tokenPath, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("target: parsing token file %s: %w", tokenPath, err)
	}

	logger.Debug("loaded target platform token", slog.String("path", tokenPath))

	return &oauth2TokenSource{src: oauth2.StaticTokenSource(&tok)}, nil
}
