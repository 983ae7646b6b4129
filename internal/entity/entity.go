// Package entity holds the reference row handlers for the business entities the
// pipeline imports and exports.
package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/registry"
	"github.com/go-playground/validator/v10"
)

const (
	Inventory       = "inventory"
	NetworkDevices  = "network_devices"
	Vulnerabilities = "vulnerabilities"
)

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// InventoryItem is one row of an inventory import
type InventoryItem struct {
	AssetTag string `row:"asset_tag" validate:"required,max=64"`
	Name     string `row:"name" validate:"required,max=255"`
	Category string `row:"category" validate:"omitempty,max=64"`
	Quantity *int   `row:"quantity" validate:"omitempty,gte=0"`
	Location string `row:"location" validate:"omitempty,max=255"`
}

// NetworkDevice is one row of a network device import
type NetworkDevice struct {
	Hostname   string `row:"hostname" validate:"required,hostname_rfc1123"`
	IPAddress  string `row:"ip_address" validate:"required,ip"`
	MACAddress string `row:"mac_address" validate:"omitempty,mac"`
	DeviceType string `row:"device_type" validate:"omitempty,oneof=router switch firewall access_point server other"`
	Vendor     string `row:"vendor" validate:"omitempty,max=128"`
}

// Vulnerability is one row of a vulnerability import
type Vulnerability struct {
	CVEID    string   `row:"cve_id" validate:"required,cve"`
	Severity string   `row:"severity" validate:"required,oneof=low medium high critical"`
	CVSS     *float64 `row:"cvss" validate:"omitempty,gte=0,lte=10"`
	AssetTag string   `row:"asset_tag" validate:"omitempty,max=64"`
	Title    string   `row:"title" validate:"omitempty,max=512"`
}

// Definition describes how rows of one entity are decoded and keyed
type Definition struct {
	Name    string
	Columns []string
	newRow  func() any
	key     func(v any) string
}

var definitions = map[string]Definition{
	Inventory: {
		Name:    Inventory,
		Columns: []string{"asset_tag", "name", "category", "quantity", "location"},
		newRow:  func() any { return &InventoryItem{} },
		key:     func(v any) string { return v.(*InventoryItem).AssetTag },
	},
	NetworkDevices: {
		Name:    NetworkDevices,
		Columns: []string{"hostname", "ip_address", "mac_address", "device_type", "vendor"},
		newRow:  func() any { return &NetworkDevice{} },
		key:     func(v any) string { return strings.ToLower(v.(*NetworkDevice).Hostname) },
	},
	Vulnerabilities: {
		Name:    Vulnerabilities,
		Columns: []string{"cve_id", "severity", "cvss", "asset_tag", "title"},
		newRow:  func() any { return &Vulnerability{} },
		key: func(v any) string {
			vuln := v.(*Vulnerability)
			return vuln.CVEID + "/" + vuln.AssetTag
		},
	},
}

// Lookup returns the definition of a named entity
func Lookup(name string) (Definition, bool) {
	def, ok := definitions[name]
	return def, ok
}

// NewValidator returns a validator that reports fields by their column name
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("row"); name != "" {
			return name
		}
		return fld.Name
	})
	_ = v.RegisterValidation("cve", func(fl validator.FieldLevel) bool {
		return cvePattern.MatchString(fl.Field().String())
	})
	return v
}

// Handler imports and exports one entity
type Handler struct {
	def      Definition
	repo     Repository
	validate *validator.Validate
}

// NewHandler creates a handler for a named entity
func NewHandler(name string, repo Repository, validate *validator.Validate) (*Handler, error) {
	def, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return &Handler{def: def, repo: repo, validate: validate}, nil
}

// ImportRow validates row and stores it under its natural key
func (h *Handler) ImportRow(ctx context.Context, organizationID string, row codec.Row) error {
	v := h.def.newRow()
	if err := decodeRow(row, v); err != nil {
		return err
	}

	if err := h.validate.StructCtx(ctx, v); err != nil {
		return validationMessage(err)
	}

	attrs := make(Attributes, len(h.def.Columns))
	for _, col := range h.def.Columns {
		attrs[col] = strings.TrimSpace(row[col])
	}

	return h.repo.Insert(ctx, Record{
		OrganizationID: organizationID,
		Entity:         h.def.Name,
		NaturalKey:     h.def.key(v),
		Attributes:     attrs,
	})
}

// Export returns the entity's records as one dataset. Filters must name known columns.
func (h *Handler) Export(ctx context.Context, organizationID string, filters map[string]string) ([]codec.Dataset, error) {
	ds, err := h.dataset(ctx, organizationID, filters)
	if err != nil {
		return nil, err
	}
	return []codec.Dataset{ds}, nil
}

func (h *Handler) dataset(ctx context.Context, organizationID string, filters map[string]string) (codec.Dataset, error) {
	for k := range filters {
		if !h.hasColumn(k) {
			return codec.Dataset{}, job.NewFatalError(fmt.Errorf("unknown filter %q for %s", k, h.def.Name))
		}
	}

	records, err := h.repo.List(ctx, organizationID, h.def.Name, filters)
	if err != nil {
		return codec.Dataset{}, err
	}

	ds := codec.Dataset{
		Name:    h.def.Name,
		Columns: h.def.Columns,
		Rows:    make([]codec.Row, 0, len(records)),
	}
	for _, rec := range records {
		row := make(codec.Row, len(h.def.Columns))
		for _, col := range h.def.Columns {
			row[col] = rec.Attributes[col]
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func (h *Handler) hasColumn(name string) bool {
	for _, col := range h.def.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// SecurityReport bundles every entity into one composite export.
// Filters apply to each section that has the filtered column.
type SecurityReport struct {
	handlers []*Handler
}

func (s *SecurityReport) Export(ctx context.Context, organizationID string, filters map[string]string) ([]codec.Dataset, error) {
	datasets := make([]codec.Dataset, 0, len(s.handlers))
	for _, h := range s.handlers {
		scoped := make(map[string]string)
		for k, v := range filters {
			if h.hasColumn(k) {
				scoped[k] = v
			}
		}
		ds, err := h.dataset(ctx, organizationID, scoped)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

// NewRegistry wires the reference handlers for every job kind
func NewRegistry(repo Repository) (*registry.Registry, error) {
	validate := NewValidator()

	handlers := make(map[string]*Handler, len(definitions))
	for _, name := range []string{Inventory, NetworkDevices, Vulnerabilities} {
		h, err := NewHandler(name, repo, validate)
		if err != nil {
			return nil, err
		}
		handlers[name] = h
	}

	return registry.New(
		map[job.Kind]registry.ImportHandler{
			job.KindImportInventory:       handlers[Inventory],
			job.KindImportNetworkDevices:  handlers[NetworkDevices],
			job.KindImportVulnerabilities: handlers[Vulnerabilities],
		},
		map[job.Kind]registry.ExportHandler{
			job.KindExportInventory:       handlers[Inventory],
			job.KindExportNetworkDevices:  handlers[NetworkDevices],
			job.KindExportVulnerabilities: handlers[Vulnerabilities],
			job.KindExportSecurityReport: &SecurityReport{
				handlers: []*Handler{handlers[Inventory], handlers[NetworkDevices], handlers[Vulnerabilities]},
			},
		},
	)
}

// decodeRow copies row values into the `row`-tagged fields of dest (a struct pointer)
func decodeRow(row codec.Row, dest any) error {
	rv := reflect.ValueOf(dest).Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		col := field.Tag.Get("row")
		if col == "" {
			continue
		}
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}

		fv := rv.Field(i)
		switch fv.Interface().(type) {
		case string:
			fv.SetString(raw)
		case *int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s must be an integer, got %q", col, raw)
			}
			fv.Set(reflect.ValueOf(&n))
		case *float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s must be a number, got %q", col, raw)
			}
			fv.Set(reflect.ValueOf(&f))
		}
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s is out of range", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is not a valid %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
