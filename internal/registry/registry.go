// Package registry maps job kinds to the row handlers that run them.
package registry

import (
	"context"
	"fmt"

	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/job"
)

// ImportHandler persists one parsed row for an organization.
// Untyped errors are row-level failures; wrap with job.NewRetryableError or
// job.NewFatalError to abort the attempt.
type ImportHandler interface {
	ImportRow(ctx context.Context, organizationID string, row codec.Row) error
}

// ExportHandler materializes the datasets of an export
type ExportHandler interface {
	Export(ctx context.Context, organizationID string, filters map[string]string) ([]codec.Dataset, error)
}

// ImportFunc adapts a function to ImportHandler
type ImportFunc func(ctx context.Context, organizationID string, row codec.Row) error

func (f ImportFunc) ImportRow(ctx context.Context, organizationID string, row codec.Row) error {
	return f(ctx, organizationID, row)
}

// ExportFunc adapts a function to ExportHandler
type ExportFunc func(ctx context.Context, organizationID string, filters map[string]string) ([]codec.Dataset, error)

func (f ExportFunc) Export(ctx context.Context, organizationID string, filters map[string]string) ([]codec.Dataset, error) {
	return f(ctx, organizationID, filters)
}

// Registry is an immutable kind -> handler table
type Registry struct {
	imports map[job.Kind]ImportHandler
	exports map[job.Kind]ExportHandler
}

// New builds a registry and checks every entry against the kind's direction
func New(imports map[job.Kind]ImportHandler, exports map[job.Kind]ExportHandler) (*Registry, error) {
	r := &Registry{
		imports: make(map[job.Kind]ImportHandler, len(imports)),
		exports: make(map[job.Kind]ExportHandler, len(exports)),
	}

	for kind, h := range imports {
		if _, err := job.ParseKind(string(kind)); err != nil {
			return nil, err
		}
		if kind.Direction() != job.DirectionImport {
			return nil, fmt.Errorf("kind %q is not an import kind", kind)
		}
		if h == nil {
			return nil, fmt.Errorf("nil import handler for %q", kind)
		}
		r.imports[kind] = h
	}

	for kind, h := range exports {
		if _, err := job.ParseKind(string(kind)); err != nil {
			return nil, err
		}
		if kind.Direction() != job.DirectionExport {
			return nil, fmt.Errorf("kind %q is not an export kind", kind)
		}
		if h == nil {
			return nil, fmt.Errorf("nil export handler for %q", kind)
		}
		r.exports[kind] = h
	}

	return r, nil
}

// Supports reports whether a handler is registered for kind
func (r *Registry) Supports(kind job.Kind) bool {
	if _, ok := r.imports[kind]; ok {
		return true
	}
	_, ok := r.exports[kind]
	return ok
}

// Import returns the import handler for kind
func (r *Registry) Import(kind job.Kind) (ImportHandler, error) {
	h, ok := r.imports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no import handler for %q", job.ErrUnknownKind, kind)
	}
	return h, nil
}

// Export returns the export handler for kind
func (r *Registry) Export(kind job.Kind) (ExportHandler, error) {
	h, ok := r.exports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no export handler for %q", job.ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds in the canonical order of job.Kinds
func (r *Registry) Kinds() []job.Kind {
	var kinds []job.Kind
	for _, k := range job.Kinds {
		if r.Supports(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
