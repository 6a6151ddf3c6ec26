package backend

import (
	"errors"
	"fmt"

	"ledger/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}

	backendType := BackendType(appConfig.SourceBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.SourceBackend)
	}

	return Config{
		Type:     backendType,
		PageSize: appConfig.SourcePageSize,
		SeedFile: appConfig.SourceSeedFile,

		HTTPBaseURL:      appConfig.SourceHTTPBaseURL,
		HTTPToken:        appConfig.SourceHTTPToken,
		HTTPIdentityPath: appConfig.SourceHTTPIdentityPath,
		HTTPPagePath:     appConfig.SourceHTTPPagePath,
		HTTPTimeout:      appConfig.SourceHTTPTimeout,

		GoogleSpreadsheetID: appConfig.GoogleSpreadsheetID,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case HTTPBackend:
		if c.HTTPBaseURL == "" {
			return errors.New("base URL is required for http backend")
		}
	case SheetsBackend:
		if c.GoogleSpreadsheetID == "" {
			return errors.New("Google Spreadsheet ID is required for sheets backend")
		}
	case MemoryBackend:
		// A missing seed file falls back to the demo ledger
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{MemoryBackend, SheetsBackend, HTTPBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}
