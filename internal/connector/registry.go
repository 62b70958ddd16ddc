package connector

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/callbridge/crmsync/internal/config"
	"github.com/callbridge/crmsync/internal/sync"
)

// New builds the connector for one integration by vendor name. Every
// shipped vendor speaks the common REST shape today, so all names route to
// the REST connector; the registry exists so a vendor needing bespoke
// handling can diverge without touching callers.
func New(ic config.IntegrationConfig, httpClient *http.Client, logger *slog.Logger) (sync.Connector, error) {
	apiKey, err := readAPIKey(ic.APIKeyPath)
	if err != nil {
		return nil, err
	}

	switch ic.Vendor {
	case "":
		return nil, fmt.Errorf("connector: vendor not configured")
	default:
		return NewRESTConnector(ic.BaseURL, apiKey, httpClient, logger), nil
	}
}

func readAPIKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("connector: reading api key: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}
