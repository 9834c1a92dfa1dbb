// Package gcp resolves credentials shared by the Pub/Sub and BigQuery clients.
package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
)

// ClientOptions prefers inline JSON credentials over a key file. With neither
// set the clients use application default credentials.
func ClientOptions(cfg config.GCPConfig) []option.ClientOption {
	if raw := strings.TrimSpace(cfg.CredentialsJSON); raw != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	if path := strings.TrimSpace(cfg.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

// ProjectID returns the trimmed project id or "" when unset.
func ProjectID(cfg config.GCPConfig) string {
	return strings.TrimSpace(cfg.ProjectID)
}
