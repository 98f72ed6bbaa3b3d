// Package importer registers beneficiaries in bulk from roster files.
//
// Two formats are accepted: JSONL (one JSON object per line) and YAML (a
// top-level sequence of records). Each record goes through the same write
// path as an interactive registration, so imported rows are queued in the
// outbox when the device is offline.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

// ErrUnsupportedFormat is returned for files that are neither JSONL nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported roster format")

// Record is one roster row.
type Record struct {
	Name        string   `json:"name" yaml:"name"`
	Age         int      `json:"age" yaml:"age"`
	Gender      string   `json:"gender,omitempty" yaml:"gender,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Phone       string   `json:"phone,omitempty" yaml:"phone,omitempty"`
	AltPhone    string   `json:"alt_phone,omitempty" yaml:"alt_phone,omitempty"`
	Address     string   `json:"address,omitempty" yaml:"address,omitempty"`
	NationalID  string   `json:"national_id,omitempty" yaml:"national_id,omitempty"`
	FollowUpDue string   `json:"follow_up_due,omitempty" yaml:"follow_up_due,omitempty"`
	Documents   []string `json:"documents,omitempty" yaml:"documents,omitempty"`

	// Line is the 1-based line (JSONL) or item index (YAML) of the record.
	Line int `json:"-" yaml:"-"`
}

// Beneficiary converts the record for registration.
func (r Record) Beneficiary() (schema.Beneficiary, error) {
	b := schema.Beneficiary{
		Name:         strings.TrimSpace(r.Name),
		Age:          r.Age,
		Gender:       r.Gender,
		Category:     r.Category,
		Phone:        r.Phone,
		AltPhone:     r.AltPhone,
		Address:      r.Address,
		DocumentURIs: r.Documents,
	}
	if r.FollowUpDue != "" {
		due, err := parseDate(r.FollowUpDue)
		if err != nil {
			return schema.Beneficiary{}, fmt.Errorf("invalid follow_up_due %q: %w", r.FollowUpDue, err)
		}
		b.FollowUpDue = &due
	}
	return b, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ReadJSONL parses one record per non-empty line.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		rec.Line = lineNum
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, nil
}

// ReadYAML parses a top-level sequence of records.
func ReadYAML(r io.Reader) ([]Record, error) {
	var records []Record
	if err := yaml.NewDecoder(r).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	for i := range records {
		records[i].Line = i + 1
	}
	return records, nil
}

// Supported reports whether path has a roster extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".yaml", ".yml":
		return true
	}
	return false
}

// ReadFile parses a roster file by extension.
func ReadFile(path string) ([]Record, error) {
	// #nosec G304 - path comes from the CLI or the watched directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return ReadJSONL(f)
	case ".yaml", ".yml":
		return ReadYAML(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Adder registers one beneficiary.
type Adder interface {
	AddBeneficiary(ctx context.Context, b schema.Beneficiary, nationalID string) (schema.Beneficiary, error)
}

// RecordError is a record that could not be registered.
type RecordError struct {
	Line int    `json:"line"`
	Name string `json:"name"`
	Err  string `json:"error"`
}

// Result summarizes an import.
type Result struct {
	Path     string        `json:"path"`
	Total    int           `json:"total"`
	Imported int           `json:"imported"`
	Queued   int           `json:"queued"`
	Failed   int           `json:"failed"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// Importer feeds roster records to an Adder.
type Importer struct {
	adder  Adder
	logger *zap.Logger
}

// New creates an importer. logger may be nil.
func New(adder Adder, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{adder: adder, logger: logger.Named("importer")}
}

// ImportFile reads and registers every record in path. Per-record failures
// are collected in the result; only an unreadable file is an error.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	records, err := ReadFile(path)
	if err != nil {
		return Result{Path: path}, err
	}
	res := im.Import(ctx, records)
	res.Path = path
	im.logger.Info("roster imported",
		zap.String("path", path),
		zap.Int("total", res.Total),
		zap.Int("imported", res.Imported),
		zap.Int("queued", res.Queued),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Import registers records in order.
func (im *Importer) Import(ctx context.Context, records []Record) Result {
	res := Result{Total: len(records)}
	for _, rec := range records {
		if ctx.Err() != nil {
			res.Failed++
			res.Errors = append(res.Errors, RecordError{Line: rec.Line, Name: rec.Name, Err: ctx.Err().Error()})
			continue
		}

		b, err := rec.Beneficiary()
		if err == nil {
			b, err = im.adder.AddBeneficiary(ctx, b, rec.NationalID)
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, RecordError{Line: rec.Line, Name: rec.Name, Err: err.Error()})
			im.logger.Warn("record rejected", zap.Int("line", rec.Line), zap.Error(err))
			continue
		}

		res.Imported++
		if b.Pending {
			res.Queued++
		}
	}
	return res
}
