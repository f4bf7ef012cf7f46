package qa

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
)

// Validator report statuses.
const (
	StatusApproved             = "APPROVED"
	StatusApprovedWithWarnings = "APPROVED_WITH_WARNINGS"
	StatusRejected             = "REJECTED"
)

// Rejected reports whether status blocks approval.
func Rejected(status string) bool { return status == StatusRejected }

// Finding is one issue a validator raised.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// Tracking carries execution provenance for one validator run.
type Tracking struct {
	ProcessID   string    `json:"processId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Model       string    `json:"model,omitempty"`
}

// Report is the structured output of one validator execution, stored as
// <validator>.json in the round directory.
type Report struct {
	Validator string    `json:"validator"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Findings  []Finding `json:"findings"`
	Tracking  Tracking  `json:"tracking"`
}

// reportSchema is the bundled validator-output contract. Reports are checked
// against it on both write and read so a tampered or truncated file can
// never approve a promotion.
const reportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["validator", "status", "findings", "tracking"],
  "properties": {
    "validator": {"type": "string", "minLength": 1},
    "status": {"enum": ["APPROVED", "APPROVED_WITH_WARNINGS", "REJECTED"]},
    "summary": {"type": "string"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "message"],
        "properties": {
          "severity": {"type": "string"},
          "message": {"type": "string"},
          "path": {"type": "string"}
        }
      }
    },
    "tracking": {
      "type": "object",
      "required": ["processId", "startedAt", "completedAt", "durationMs"],
      "properties": {
        "processId": {"type": "string", "minLength": 1},
        "startedAt": {"type": "string"},
        "completedAt": {"type": "string"},
        "durationMs": {"type": "integer", "minimum": 0},
        "model": {"type": "string"}
      }
    }
  }
}`

var (
	reportSchemaOnce     sync.Once
	reportSchemaCompiled *jsonschema.Schema
	reportSchemaErr      error
)

func compiledReportSchema() (*jsonschema.Schema, error) {
	reportSchemaOnce.Do(func() {
		reportSchemaCompiled, reportSchemaErr = config.CompileSchema("report.schema.json", []byte(reportSchema))
	})
	return reportSchemaCompiled, reportSchemaErr
}

func validateReportBytes(path string, data []byte) error {
	sch, err := compiledReportSchema()
	if err != nil {
		return errs.Internalf("compile report schema: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &errs.ValidationError{Subject: "validator report " + path, Reason: err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return &errs.ValidationError{Subject: "validator report " + path, Reason: err.Error()}
	}
	return nil
}

// ReportPath is the report file for a validator within a round directory.
func ReportPath(roundDir, validatorID string) string {
	return filepath.Join(roundDir, validatorID+".json")
}

// SummaryPath is the human-readable companion to a report.
func SummaryPath(roundDir, validatorID string) string {
	return filepath.Join(roundDir, validatorID+".md")
}

// WriteReport validates and writes both the structured report and its
// markdown summary atomically.
func WriteReport(roundDir string, r Report, summaryMD string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.Internalf("marshal report %s: %v", r.Validator, err)
	}
	path := ReportPath(roundDir, r.Validator)
	if err := validateReportBytes(path, data); err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return storage.WriteTextAtomic(SummaryPath(roundDir, r.Validator), summaryMD)
}

// ReadReport loads and schema-validates one validator report.
func ReadReport(roundDir, validatorID string) (Report, error) {
	path := ReportPath(roundDir, validatorID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, &errs.NotFound{Kind: "validator report", ID: validatorID, Path: path}
		}
		return Report{}, &errs.IOError{Op: "read", Path: path, Err: err}
	}
	if err := validateReportBytes(path, data); err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, &errs.ValidationError{Subject: "validator report " + path, Reason: err.Error()}
	}
	return r, nil
}

// RenderSummary produces the default markdown companion for a report.
func RenderSummary(r Report) string {
	out := fmt.Sprintf("# %s\n\nStatus: %s\n", r.Validator, r.Status)
	if r.Summary != "" {
		out += "\n" + r.Summary + "\n"
	}
	if len(r.Findings) > 0 {
		out += "\n## Findings\n\n"
		for _, f := range r.Findings {
			if f.Path != "" {
				out += fmt.Sprintf("- [%s] %s (%s)\n", f.Severity, f.Message, f.Path)
			} else {
				out += fmt.Sprintf("- [%s] %s\n", f.Severity, f.Message)
			}
		}
	}
	return out
}
