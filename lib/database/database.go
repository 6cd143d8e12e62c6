package database

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
)

// ErrNotFound is returned when no document matches
var ErrNotFound = errors.New("document not found")

// ErrConflict is returned when a document with the same id exists
var ErrConflict = errors.New("document already exists")

// FindOptions selects, orders and pages documents
type FindOptions struct {
	Filter query.Filter
	// Params resolves $parameter references of the filter
	Params map[string]any
	Sort   query.Sort
	Skip   int
	// Limit of 0 means no limit
	Limit int
}

// IDatabase is the document database behind the entity storage. Every write
// publishes the matching entity.Event on the exchange channel of the entity
// type so live queries of all connections see it.
type IDatabase interface {
	// Get returns the first document matching filter or ErrNotFound
	Get(ctx context.Context, entityName string, filter query.Filter) (entity.Document, error)
	// Find returns the matching documents
	Find(ctx context.Context, entityName string, opts FindOptions) ([]entity.Document, error)
	// Count returns the number of matching documents
	Count(ctx context.Context, entityName string, filter query.Filter, params map[string]any) (int, error)

	// Add stores a new document with version 1. An empty id is generated.
	Add(ctx context.Context, entityName string, doc entity.Document) (entity.Document, error)
	// Update replaces a document and increments its version
	Update(ctx context.Context, entityName string, doc entity.Document) (entity.Document, error)
	// Patch applies dot path changes and increments the version
	Patch(ctx context.Context, entityName, id string, patch map[string]any) (entity.Document, error)
	// Remove deletes a document
	Remove(ctx context.Context, entityName, id string) error
	// RemoveMany deletes every matching document and returns their ids
	RemoveMany(ctx context.Context, entityName string, filter query.Filter) ([]string, error)
}

// IEventPublisher publishes entity events. The exchange client implements it.
type IEventPublisher interface {
	PublishEntity(ctx context.Context, entityName string, event *entity.Event) error
	GetSubscribedEntityFields(ctx context.Context, entityName string) ([]string, error)
}
