package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/go-playground/validator/v10"

	"github.com/serverless-containers/guardian/internal/domain"
)

// validate checks documents read back from CouchDB against their
// `validate:"..."` struct tags. The store is the system boundary where
// hand-edited or externally-written documents enter the Guardian, so
// this is the one place malformed shapes are caught rather than trusted.
var validate = validator.New()

// Collection names match spec's six logical collections exactly; each
// is its own CouchDB database.
const (
	collStructures = "structures"
	collServices   = "services"
	collLimits     = "limits"
	collRules      = "rules"
	collEvents     = "events"
	collRequests   = "requests"
)

const (
	maxUpdateTries  = 5
	notFoundBackoff = 2 * time.Second
)

// CouchStore is the production DocStore implementation, backed by a
// CouchDB-like server via the kivik driver.
type CouchStore struct {
	client *kivik.Client
	dbs    map[string]*kivik.DB
	logger *slog.Logger
}

// Config is the minimal connection info CouchStore needs.
type Config struct {
	URL      string
	Username string
	Password string
}

// NewCouchStore dials the server and ensures all six collections exist,
// creating any that are missing.
func NewCouchStore(ctx context.Context, cfg Config, logger *slog.Logger) (*CouchStore, error) {
	url := cfg.URL
	if cfg.Username != "" {
		url = fmt.Sprintf("http://%s:%s@%s", cfg.Username, cfg.Password, trimScheme(cfg.URL))
	}

	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", domain.ErrTransport)
	}

	s := &CouchStore{client: client, dbs: make(map[string]*kivik.DB), logger: logger}
	for _, name := range []string{collStructures, collServices, collLimits, collRules, collEvents, collRequests} {
		db, err := s.ensureDB(ctx, name)
		if err != nil {
			return nil, err
		}
		s.dbs[name] = db
	}
	return s, nil
}

func trimScheme(url string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if len(url) > len(prefix) && url[:len(prefix)] == prefix {
			return url[len(prefix):]
		}
	}
	return url
}

func (s *CouchStore) ensureDB(ctx context.Context, name string) (*kivik.DB, error) {
	exists, err := s.client.DBExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("store: check db %s exists: %w", name, domain.ErrTransport)
	}
	if !exists {
		if err := s.client.CreateDB(ctx, name); err != nil {
			return nil, fmt.Errorf("store: create db %s: %w", name, domain.ErrTransport)
		}
	}
	return s.client.DB(name), nil
}

// wireError maps a kivik/CouchDB HTTP status to the Guardian's error
// taxonomy.
func wireError(err error, notFoundKind error) error {
	if err == nil {
		return nil
	}
	switch kivik.HTTPStatus(err) {
	case 404:
		return fmt.Errorf("%w: %v", notFoundKind, err)
	case 409:
		return fmt.Errorf("store: conflict: %w", err)
	default:
		return fmt.Errorf("store: %w: %v", domain.ErrTransport, err)
	}
}

func isConflict(err error) bool { return kivik.HTTPStatus(err) == 409 }
func isMissingDB(err error) bool { return kivik.HTTPStatus(err) == 404 }

// put saves doc (already containing its own _id, and _rev if known)
// and returns the new revision. Implements the exact retry contract
// observed in the original resilient update: HTTP 409 rebases and
// retries immediately (no sleep); HTTP 404 ("db missing") sleeps a
// constant backoff, starting at 2s, before retrying; both capped at
// five total attempts. Conflict rebase overwrites all caller-set
// fields, preserving only the opaque revision token, matching the
// contract in spec.md section 4.1.
func put[T any](ctx context.Context, db *kivik.DB, id string, doc T, rebase func(current T) T) (rev string, err error) {
	current := doc
	for attempt := 0; attempt < maxUpdateTries; attempt++ {
		jsonDoc, mErr := toMap(current)
		if mErr != nil {
			return "", mErr
		}
		rev, err = db.Put(ctx, id, jsonDoc)
		if err == nil {
			return rev, nil
		}

		if isConflict(err) {
			row := db.Get(ctx, id)
			var latest T
			if scanErr := row.ScanDoc(&latest); scanErr != nil {
				return "", fmt.Errorf("store: rebase %s after conflict: %w", id, domain.ErrTransport)
			}
			current = rebase(latest)
			continue
		}

		if isMissingDB(err) {
			select {
			case <-time.After(notFoundBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}

		return "", fmt.Errorf("store: put %s: %w", id, domain.ErrTransport)
	}
	return "", fmt.Errorf("store: put %s: %w", id, domain.ErrConflictExhausted)
}

func toMap[T any](doc T) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal: %w", err)
	}
	return m, nil
}

// GetStructures lists structures, optionally filtered by subtype.
func (s *CouchStore) GetStructures(ctx context.Context, subtype domain.Subtype) ([]domain.Structure, error) {
	db := s.dbs[collStructures]
	rows := db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var out []domain.Structure
	for rows.Next() {
		var st domain.Structure
		if err := rows.ScanDoc(&st); err != nil {
			continue
		}
		if err := validate.Struct(st); err != nil {
			s.logger.Warn("dropping malformed structure document", "structure", st.Name, "error", err)
			continue
		}
		if subtype == "" || st.Subtype == subtype {
			out = append(out, st)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list structures: %w", domain.ErrTransport)
	}
	return out, nil
}

// GetRules returns every rule document.
func (s *CouchStore) GetRules(ctx context.Context) ([]domain.Rule, error) {
	db := s.dbs[collRules]
	rows := db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		var r domain.Rule
		if err := rows.ScanDoc(&r); err != nil {
			continue
		}
		if err := validate.Struct(r); err != nil {
			s.logger.Warn("dropping malformed rule document", "rule", r.Name, "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rules: %w", domain.ErrTransport)
	}
	return out, nil
}

// GetLimits fetches the Limits document matching structureName, or nil
// if none exists (limits are tolerated absent, unlike a strict getter).
func (s *CouchStore) GetLimits(ctx context.Context, structureName string) (*domain.Limits, error) {
	db := s.dbs[collLimits]
	row := db.Get(ctx, structureName)
	if row.Err() != nil {
		if isMissingDB(row.Err()) {
			return nil, nil
		}
		return nil, wireError(row.Err(), domain.ErrNotFound)
	}
	var l domain.Limits
	if err := row.ScanDoc(&l); err != nil {
		return nil, fmt.Errorf("store: scan limits %s: %w", structureName, domain.ErrTransport)
	}
	if err := validate.Struct(l); err != nil {
		return nil, fmt.Errorf("store: limits %s failed validation: %w: %v", structureName, domain.ErrResourceStateInvalid, err)
	}
	return &l, nil
}

// UpdateLimits writes back a (possibly repaired) Limits document with
// optimistic-concurrency retry.
func (s *CouchStore) UpdateLimits(ctx context.Context, limits *domain.Limits) error {
	db := s.dbs[collLimits]
	rev, err := put(ctx, db, limits.Name, *limits, func(current domain.Limits) domain.Limits {
		rebased := *limits
		rebased.Rev = current.Rev
		return rebased
	})
	if err != nil {
		return err
	}
	limits.Rev = rev
	return nil
}

// AddEvents writes new event documents one at a time. The first failed
// write stops the batch and is returned as ErrTransport; events already
// written stay written.
func (s *CouchStore) AddEvents(ctx context.Context, events []domain.Event) error {
	db := s.dbs[collEvents]
	for i := range events {
		id, rev, err := db.CreateDoc(ctx, events[i])
		if err != nil {
			return fmt.Errorf("store: add event %s: %w", events[i].Name, domain.ErrTransport)
		}
		events[i].ID, events[i].Rev = id, rev
	}
	return nil
}

// GetEvents returns every event document belonging to structureName via
// a Mango selector equality match.
func (s *CouchStore) GetEvents(ctx context.Context, structureName string) ([]domain.Event, error) {
	db := s.dbs[collEvents]
	selector := map[string]any{"selector": map[string]any{"structure": structureName}}
	rows := db.Find(ctx, selector)
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.ScanDoc(&e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find events for %s: %w", structureName, domain.ErrTransport)
	}
	return out, nil
}

// DeleteEvents deletes a specific set of events by id+rev.
func (s *CouchStore) DeleteEvents(ctx context.Context, events []domain.Event) error {
	db := s.dbs[collEvents]
	for _, e := range events {
		if _, err := db.Delete(ctx, e.ID, e.Rev); err != nil && !isMissingDB(err) {
			return fmt.Errorf("store: delete event %s: %w", e.ID, domain.ErrTransport)
		}
	}
	return nil
}

// DeleteNumEventsByStructure scans events for structureName/eventName
// and deletes up to n of them. Ordering among equal candidates is
// whatever the store returns them in, which is deterministic per run
// (matches spec.md section 4.1's contract).
func (s *CouchStore) DeleteNumEventsByStructure(ctx context.Context, structureName, eventName string, n int) error {
	if n <= 0 {
		return nil
	}
	all, err := s.GetEvents(ctx, structureName)
	if err != nil {
		return err
	}
	db := s.dbs[collEvents]
	deleted := 0
	for _, e := range all {
		if deleted >= n {
			break
		}
		if e.Name != eventName {
			continue
		}
		if _, err := db.Delete(ctx, e.ID, e.Rev); err != nil && !isMissingDB(err) {
			return fmt.Errorf("store: delete %d events %s/%s: %w", n, structureName, eventName, domain.ErrTransport)
		}
		deleted++
	}
	return nil
}

// AddRequests writes a batch of new request documents.
func (s *CouchStore) AddRequests(ctx context.Context, requests []domain.Request) error {
	db := s.dbs[collRequests]
	for i := range requests {
		id, rev, err := db.CreateDoc(ctx, requests[i])
		if err != nil {
			return fmt.Errorf("store: add request %s: %w", requests[i].Structure, domain.ErrTransport)
		}
		requests[i].ID, requests[i].Rev = id, rev
	}
	return nil
}

// GetService is a strict getter: an absent service document is
// domain.ErrNotFound. The scheduler's loadConfig treats that error as
// "use the defaults" and the tick still runs.
func (s *CouchStore) GetService(ctx context.Context, name string) (*domain.Service, error) {
	db := s.dbs[collServices]
	row := db.Get(ctx, name)
	if row.Err() != nil {
		return nil, wireError(row.Err(), domain.ErrNotFound)
	}
	var svc domain.Service
	if err := row.ScanDoc(&svc); err != nil {
		return nil, fmt.Errorf("store: scan service %s: %w", name, domain.ErrTransport)
	}
	return &svc, nil
}

// Heartbeat updates the service document's last-seen timestamp with
// optimistic-concurrency retry.
func (s *CouchStore) Heartbeat(ctx context.Context, name string, at int64) error {
	db := s.dbs[collServices]
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return err
	}
	svc.Heartbeat = at
	_, err = put(ctx, db, name, *svc, func(current domain.Service) domain.Service {
		rebased := *svc
		rebased.Rev = current.Rev
		return rebased
	})
	return err
}
