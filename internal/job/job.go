package job

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job is the persisted state of one import or export request
type Job struct {
	ID               string     `db:"job_id" json:"job_id"`
	OrganizationID   string     `db:"organization_id" json:"organization_id"`
	Kind             Kind       `db:"kind" json:"kind"`
	Direction        Direction  `db:"direction" json:"direction"`
	Status           Status     `db:"status" json:"status"`
	Priority         Priority   `db:"priority" json:"priority"`
	Format           string     `db:"format" json:"format"`
	Source           Source     `db:"source" json:"source"`
	TotalRecords     *int       `db:"total_records" json:"total_records,omitempty"`
	ProcessedRecords int        `db:"processed_records" json:"processed_records"`
	SuccessRecords   int        `db:"success_records" json:"success_records"`
	ErrorRecords     int        `db:"error_records" json:"error_records"`
	ErrorLog         ErrorLog   `db:"error_log" json:"error_log"`
	Result           *FileRef   `db:"result" json:"result,omitempty"`
	Attempts         int        `db:"attempts" json:"attempts"`
	MaxAttempts      int        `db:"max_attempts" json:"max_attempts"`
	LastError        string     `db:"last_error" json:"last_error,omitempty"`
	WorkerID         string     `db:"worker_id" json:"-"`
	LeaseExpiresAt   *time.Time `db:"lease_expires_at" json:"-"`
	CancelRequested  bool       `db:"cancel_requested" json:"cancel_requested"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Source describes the input of a job: an uploaded file for imports,
// filter criteria for exports.
type Source struct {
	File    *FileRef          `json:"file,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Value implements driver.Valuer
func (s Source) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *Source) Scan(src any) error {
	return scanJSON(src, s)
}

// FileRef points at a stored file
type FileRef struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Value implements driver.Valuer
func (f *FileRef) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner
func (f *FileRef) Scan(src any) error {
	return scanJSON(src, f)
}

// RowError is one entry of a job's error log
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ErrorLog is the bounded list of row errors recorded for an attempt
type ErrorLog struct {
	Entries []RowError `json:"entries"`
	Omitted int        `json:"omitted,omitempty"`
}

// Summary returns the trailing marker for errors past the cap, or "" when nothing was omitted
func (l ErrorLog) Summary() string {
	if l.Omitted == 0 {
		return ""
	}
	return fmt.Sprintf("%d additional errors omitted", l.Omitted)
}

// MarshalJSON adds the omitted-errors marker to the serialized log
func (l ErrorLog) MarshalJSON() ([]byte, error) {
	type alias ErrorLog
	entries := l.Entries
	if entries == nil {
		entries = []RowError{}
	}
	return json.Marshal(struct {
		alias
		Entries []RowError `json:"entries"`
		Summary string     `json:"summary,omitempty"`
	}{alias: alias(l), Entries: entries, Summary: l.Summary()})
}

// Value implements driver.Valuer
func (l ErrorLog) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *ErrorLog) Scan(src any) error {
	return scanJSON(src, l)
}

// Snapshot is the counter state of one attempt
type Snapshot struct {
	Total     *int
	Processed int
	Success   int
	Errors    int
	ErrorLog  ErrorLog
}

// Apply copies the counters of s into j
func (j *Job) Apply(s Snapshot) {
	j.TotalRecords = s.Total
	j.ProcessedRecords = s.Processed
	j.SuccessRecords = s.Success
	j.ErrorRecords = s.Errors
	j.ErrorLog = s.ErrorLog
}

// ResetCounters discards the counters of a previous attempt
func (j *Job) ResetCounters() {
	j.Apply(Snapshot{})
}

// ResultAvailable reports whether an export result can be downloaded at now
func (j *Job) ResultAvailable(now time.Time) bool {
	if j.Status != StatusCompleted || j.Result == nil {
		return false
	}
	return j.ExpiresAt == nil || !now.After(*j.ExpiresAt)
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
