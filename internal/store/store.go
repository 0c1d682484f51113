//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_store.go -package=mocks github.com/dshills/osgrep/internal/store Store

// Package store defines the backend contract the indexer and query paths
// talk to, with a local SQLite backend and a remote Qdrant backend.
package store

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/pkg/types"
)

var (
	// ErrStoreNotFound is returned when a store id does not exist
	ErrStoreNotFound = errors.New("store not found")
	// ErrFileExists is returned by UploadFile without Overwrite when the
	// external id is already present
	ErrFileExists = errors.New("file already exists")
)

// ListPageSize is the page size ListFiles fetches from the backend
const ListPageSize = 100

// Store is implemented by every index backend. Callers never branch on the
// concrete type.
type Store interface {
	// ListFiles yields every file in the store, fetching pages lazily
	ListFiles(ctx context.Context, storeID string) iter.Seq2[StoreFile, error]

	// UploadFile chunks, embeds and stores content under opts.ExternalID,
	// replacing any previous version when opts.Overwrite is set
	UploadFile(ctx context.Context, storeID string, content io.Reader, opts UploadOptions) error

	// DeleteFile removes a file and its chunks. Missing files are not an error.
	DeleteFile(ctx context.Context, storeID, externalID string) error

	Search(ctx context.Context, storeID, query string, topK int, opts SearchOptions, filters *Filters) ([]types.SearchResult, error)
	Ask(ctx context.Context, storeID, question string, topK int, opts SearchOptions, filters *Filters) (*AskResponse, error)

	Retrieve(ctx context.Context, storeID string) (*Info, error)
	Create(ctx context.Context, opts CreateOptions) (*Info, error)
	GetInfo(ctx context.Context, storeID string) (*Info, error)

	Close() error
}

// Metadata is stored with each file
type Metadata struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// StoreFile is one entry returned by ListFiles
type StoreFile struct {
	ExternalID string   `json:"external_id"`
	Metadata   Metadata `json:"metadata"`
	Chunks     int      `json:"chunks"`
}

// UploadOptions controls UploadFile
type UploadOptions struct {
	ExternalID string
	Overwrite  bool
	Metadata   Metadata

	// OnProgress is called after each embedded batch
	OnProgress func(done, total int)
}

// SearchOptions tunes retrieval
type SearchOptions struct {
	Rerank bool
	// Mode selects hybrid (default), vector or keyword retrieval
	Mode searcher.SearchMode
}

// Filters narrows results by path
type Filters struct {
	PathPrefix string `json:"path_prefix,omitempty"`
	PathGlob   string `json:"path_glob,omitempty"`
}

// CreateOptions describes a new store
type CreateOptions struct {
	Name        string
	Description string
}

// Counts is the amount of work the store has not finished yet
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
}

// Info describes a store
type Info struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Counts      Counts    `json:"counts"`
	Files       int       `json:"files"`
	Chunks      int       `json:"chunks"`
}

// AskResponse is an answer with the chunks it was built from
type AskResponse struct {
	Answer  string               `json:"answer"`
	Sources []types.SearchResult `json:"sources"`
}

// Validate checks the options every backend requires
func (o UploadOptions) Validate() error {
	if o.ExternalID == "" {
		return errors.New("external id is required")
	}
	return nil
}
