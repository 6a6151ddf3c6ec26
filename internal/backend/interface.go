package backend

import (
	"context"
	"time"

	"ledger/internal/source"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the ledger source and optional cleanup function
type BackendResult struct {
	Fetcher source.Fetcher
	Cleanup CleanupFunc
}

// Factory creates ledger sources based on configuration
type Factory interface {
	// CreateBackend creates a source instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for source creation
type Config struct {
	// Backend type
	Type BackendType

	// Shared by memory and sheets
	PageSize int

	// Memory specific
	SeedFile string

	// HTTP specific
	HTTPBaseURL      string
	HTTPToken        string
	HTTPIdentityPath string
	HTTPPagePath     string
	HTTPTimeout      time.Duration

	// Google Sheets specific
	GoogleSpreadsheetID string
}

// BackendType represents the type of ledger source
type BackendType string

const (
	MemoryBackend BackendType = "memory"
	SheetsBackend BackendType = "sheets"
	HTTPBackend   BackendType = "http"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SheetsBackend, HTTPBackend:
		return true
	default:
		return false
	}
}
