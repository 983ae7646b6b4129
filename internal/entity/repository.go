package entity

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicate is returned when a record with the same natural key already exists
var ErrDuplicate = errors.New("duplicate record")

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Attributes is the flat attribute map stored for a record
type Attributes map[string]string

// Value implements driver.Valuer
func (a Attributes) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *Attributes) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = nil
		return nil
	default:
		return fmt.Errorf("unsupported attributes column type %T", src)
	}
}

// Record is one persisted business record
type Record struct {
	OrganizationID string     `db:"organization_id"`
	Entity         string     `db:"entity"`
	NaturalKey     string     `db:"natural_key"`
	Attributes     Attributes `db:"attributes"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Repository stores records keyed by (organization, entity, natural key)
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, organizationID, entity string, filters map[string]string) ([]Record, error)
}

// PostgresRepository keeps records in the entity_records table
type PostgresRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a repository backed by db
func NewPostgresRepository(db *sqlx.DB, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// Insert adds rec; a unique violation maps to ErrDuplicate, anything else is retryable
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO entity_records (organization_id, entity, natural_key, attributes, created_at)
		VALUES (:organization_id, :entity, :natural_key, :attributes, :created_at)
	`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s %q", ErrDuplicate, rec.Entity, rec.NaturalKey)
		}
		r.logger.Error("Failed to insert entity record",
			slog.String("entity", rec.Entity),
			slog.String("error", err.Error()),
		)
		return job.NewRetryableError(fmt.Errorf("failed to insert %s record: %w", rec.Entity, err))
	}

	return nil
}

// List returns the records of an entity, filtered by exact attribute matches, in insertion order
func (r *PostgresRepository) List(ctx context.Context, organizationID, entity string, filters map[string]string) ([]Record, error) {
	query := `
		SELECT organization_id, entity, natural_key, attributes, created_at
		FROM entity_records
		WHERE organization_id = $1 AND entity = $2
	`
	args := []interface{}{organizationID, entity}
	argIdx := 3

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		query += fmt.Sprintf(" AND attributes ->> $%d = $%d", argIdx, argIdx+1)
		args = append(args, k, filters[k])
		argIdx += 2
	}

	query += " ORDER BY created_at, natural_key"

	var records []Record
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, job.NewRetryableError(fmt.Errorf("failed to list %s records: %w", entity, err))
	}

	return records, nil
}

// MemoryRepository is an in-process Repository
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
	keys    map[string]struct{}
	now     func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		keys: make(map[string]struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.OrganizationID + "\x00" + rec.Entity + "\x00" + rec.NaturalKey
	if _, exists := r.keys[key]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, rec.Entity, rec.NaturalKey)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	attrs := make(Attributes, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	rec.Attributes = attrs

	r.keys[key] = struct{}{}
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, organizationID, entity string, filters map[string]string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.OrganizationID != organizationID || rec.Entity != entity {
			continue
		}
		if !matches(rec.Attributes, filters) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of stored records
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func matches(attrs Attributes, filters map[string]string) bool {
	for k, v := range filters {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
