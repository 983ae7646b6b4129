package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T, name string, repo Repository) *Handler {
	t.Helper()
	h, err := NewHandler(name, repo, NewValidator())
	require.NoError(t, err)
	return h
}

func TestHandler_ImportRow(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		row     codec.Row
		wantErr string
	}{
		{
			name:   "valid inventory row",
			entity: Inventory,
			row:    codec.Row{"asset_tag": "A-1", "name": "Laptop", "quantity": "3"},
		},
		{
			name:    "inventory missing name",
			entity:  Inventory,
			row:     codec.Row{"asset_tag": "A-1"},
			wantErr: "name is required",
		},
		{
			name:    "inventory negative quantity",
			entity:  Inventory,
			row:     codec.Row{"asset_tag": "A-1", "name": "Laptop", "quantity": "-2"},
			wantErr: "quantity is out of range",
		},
		{
			name:    "inventory non numeric quantity",
			entity:  Inventory,
			row:     codec.Row{"asset_tag": "A-1", "name": "Laptop", "quantity": "three"},
			wantErr: "quantity must be an integer",
		},
		{
			name:   "valid network device",
			entity: NetworkDevices,
			row:    codec.Row{"hostname": "core-sw-1", "ip_address": "10.0.0.1", "device_type": "switch"},
		},
		{
			name:    "network device bad ip",
			entity:  NetworkDevices,
			row:     codec.Row{"hostname": "core-sw-1", "ip_address": "10.0.0.300"},
			wantErr: "ip_address is not a valid ip",
		},
		{
			name:    "network device bad type",
			entity:  NetworkDevices,
			row:     codec.Row{"hostname": "core-sw-1", "ip_address": "10.0.0.1", "device_type": "toaster"},
			wantErr: "device_type must be one of",
		},
		{
			name:   "valid vulnerability",
			entity: Vulnerabilities,
			row:    codec.Row{"cve_id": "CVE-2024-12345", "severity": "high", "cvss": "7.5"},
		},
		{
			name:    "vulnerability bad cve",
			entity:  Vulnerabilities,
			row:     codec.Row{"cve_id": "CVE-24-1", "severity": "high"},
			wantErr: "cve_id is not a valid cve",
		},
		{
			name:    "vulnerability cvss out of range",
			entity:  Vulnerabilities,
			row:     codec.Row{"cve_id": "CVE-2024-1234", "severity": "low", "cvss": "11"},
			wantErr: "cvss is out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			h := newHandler(t, tt.entity, repo)

			err := h.ImportRow(context.Background(), "org-1", tt.row)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, job.ErrorKindRow, job.Classify(err))
				assert.Zero(t, repo.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, repo.Len())
		})
	}
}

func TestHandler_DuplicateIsRowError(t *testing.T) {
	repo := NewMemoryRepository()
	h := newHandler(t, Inventory, repo)
	ctx := context.Background()
	row := codec.Row{"asset_tag": "A-1", "name": "Laptop"}

	require.NoError(t, h.ImportRow(ctx, "org-1", row))

	err := h.ImportRow(ctx, "org-1", row)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, job.ErrorKindRow, job.Classify(err))

	require.NoError(t, h.ImportRow(ctx, "org-2", row), "natural keys are scoped by organization")
}

func TestHandler_Export(t *testing.T) {
	repo := NewMemoryRepository()
	h := newHandler(t, NetworkDevices, repo)
	ctx := context.Background()

	require.NoError(t, h.ImportRow(ctx, "org-1", codec.Row{"hostname": "sw-1", "ip_address": "10.0.0.1", "device_type": "switch"}))
	require.NoError(t, h.ImportRow(ctx, "org-1", codec.Row{"hostname": "fw-1", "ip_address": "10.0.0.2", "device_type": "firewall"}))
	require.NoError(t, h.ImportRow(ctx, "org-2", codec.Row{"hostname": "sw-9", "ip_address": "10.9.0.1"}))

	datasets, err := h.Export(ctx, "org-1", nil)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, NetworkDevices, datasets[0].Name)
	assert.Len(t, datasets[0].Rows, 2)
	assert.Equal(t, "sw-1", datasets[0].Rows[0]["hostname"])

	datasets, err = h.Export(ctx, "org-1", map[string]string{"device_type": "firewall"})
	require.NoError(t, err)
	require.Len(t, datasets[0].Rows, 1)
	assert.Equal(t, "fw-1", datasets[0].Rows[0]["hostname"])

	_, err = h.Export(ctx, "org-1", map[string]string{"password": "x"})
	require.Error(t, err)
	assert.Equal(t, job.ErrorKindFatal, job.Classify(err))
}

func TestNewRegistry_SecurityReport(t *testing.T) {
	repo := NewMemoryRepository()
	reg, err := NewRegistry(repo)
	require.NoError(t, err)

	for _, kind := range job.Kinds {
		assert.True(t, reg.Supports(kind), "kind %s should be registered", kind)
	}

	ctx := context.Background()
	imp, err := reg.Import(job.KindImportInventory)
	require.NoError(t, err)
	require.NoError(t, imp.ImportRow(ctx, "org-1", codec.Row{"asset_tag": "A-1", "name": "Laptop"}))

	imp, err = reg.Import(job.KindImportVulnerabilities)
	require.NoError(t, err)
	require.NoError(t, imp.ImportRow(ctx, "org-1", codec.Row{"cve_id": "CVE-2024-0001", "severity": "critical", "asset_tag": "A-1"}))

	exp, err := reg.Export(job.KindExportSecurityReport)
	require.NoError(t, err)

	datasets, err := exp.Export(ctx, "org-1", map[string]string{"asset_tag": "A-1"})
	require.NoError(t, err)
	require.Len(t, datasets, 3)
	assert.Equal(t, Inventory, datasets[0].Name)
	assert.Len(t, datasets[0].Rows, 1)
	assert.Equal(t, NetworkDevices, datasets[1].Name)
	assert.Empty(t, datasets[1].Rows)
	assert.Len(t, datasets[2].Rows, 1)
}

func TestNewHandler_UnknownEntity(t *testing.T) {
	_, err := NewHandler("payroll", NewMemoryRepository(), NewValidator())
	assert.Error(t, err)
}
