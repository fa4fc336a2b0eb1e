// Package store implements the DocStore facade: CRUD over the six
// logical collections (structures, services, limits, rules, events,
// requests) with optimistic-concurrency retry, backed by a
// CouchDB-like JSON-REST document store.
package store

import (
	"context"

	"github.com/serverless-containers/guardian/internal/domain"
)

// DocStore is the interface the rest of the Guardian programs against;
// internal/scheduler and friends never see kivik directly.
type DocStore interface {
	GetStructures(ctx context.Context, subtype domain.Subtype) ([]domain.Structure, error)
	GetRules(ctx context.Context) ([]domain.Rule, error)
	GetLimits(ctx context.Context, structureName string) (*domain.Limits, error)
	UpdateLimits(ctx context.Context, limits *domain.Limits) error

	AddEvents(ctx context.Context, events []domain.Event) error
	GetEvents(ctx context.Context, structureName string) ([]domain.Event, error)
	DeleteEvents(ctx context.Context, events []domain.Event) error
	DeleteNumEventsByStructure(ctx context.Context, structureName, eventName string, n int) error

	AddRequests(ctx context.Context, requests []domain.Request) error

	GetService(ctx context.Context, name string) (*domain.Service, error)
	Heartbeat(ctx context.Context, name string, at int64) error
}
