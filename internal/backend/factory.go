package backend

import (
	"context"
	"fmt"
	"log/slog"

	"ledger/internal/source/google"
	"ledger/internal/source/httpapi"
	"ledger/internal/source/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case MemoryBackend:
		return f.createMemoryBackend(config)
	case SheetsBackend:
		return f.createSheetsBackend(ctx, config)
	case HTTPBackend:
		return f.createHTTPBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	store, err := memory.NewFromFile(config.SeedFile, config.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory ledger: %w", err)
	}

	f.logger.Info("Initialized memory backend", "seed_file", config.SeedFile)

	return &BackendResult{Fetcher: store}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*BackendResult, error) {
	cli, err := google.NewFromCredentials(ctx, config.GoogleSpreadsheetID, config.PageSize, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	f.logger.Info("Initialized Google Sheets backend", "page_size", config.PageSize)

	return &BackendResult{Fetcher: cli}, nil
}

func (f *DefaultFactory) createHTTPBackend(config Config) (*BackendResult, error) {
	cli, err := httpapi.New(httpapi.Options{
		BaseURL:      config.HTTPBaseURL,
		Token:        config.HTTPToken,
		IdentityPath: config.HTTPIdentityPath,
		PagePath:     config.HTTPPagePath,
		Timeout:      config.HTTPTimeout,
		Logger:       f.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP ledger client: %w", err)
	}

	f.logger.Info("Initialized HTTP backend",
		"base_url", config.HTTPBaseURL,
		"authenticated", config.HTTPToken != "")

	return &BackendResult{Fetcher: cli}, nil
}
