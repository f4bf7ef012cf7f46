// Package audit provides append-only JSONL event streams with a per-stream
// hash chain. Every record carries the blake3 digest of the previous line,
// so truncation or in-place edits are detectable after the fact. Streams are
// advisory-locked through internal/storage; appends never block readers.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
)

// Shared journal streams under .project/journal/.
const (
	StreamTransitions   = "transitions"
	StreamEvidence      = "evidence"
	StreamProcessEvents = "process-events"
)

// Event kinds written by the engine. Callers may append their own kinds;
// readers must tolerate unknown ones.
const (
	KindTransition   = "transition"
	KindRelationship = "relationship"
	KindSession      = "session"
	KindProcess      = "process"
	KindEvidence     = "evidence"
	KindValidation   = "validation"
)

// Event is one journal record. TS is strictly increasing within a stream.
type Event struct {
	TS       time.Time      `json:"ts"`
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Actor    string         `json:"actor,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	PrevHash string         `json:"prevHash,omitempty"`
}

// Journal is a handle on one stream file. Zero-value is not usable; construct
// with New.
type Journal struct {
	path string
	now  func() time.Time
}

func New(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Path returns the stream file path.
func (j *Journal) Path() string { return j.path }

// Hash is the chain digest of one serialized line (no trailing newline).
func Hash(line []byte) string {
	sum := blake3.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// Append writes one event. The previous line is read and hashed under the
// same lock as the write, so concurrent appenders chain correctly.
func (j *Journal) Append(kind, actor, subject string, payload map[string]any) (Event, error) {
	var ev Event
	err := storage.AppendChainedLine(j.path, func(last []byte) ([]byte, error) {
		ts := j.now().UTC()
		prevHash := ""
		if len(last) > 0 {
			prevHash = Hash(last)
			var prev Event
			if err := json.Unmarshal(last, &prev); err == nil && !ts.After(prev.TS) {
				ts = prev.TS.Add(time.Nanosecond)
			}
		}
		ev = Event{
			TS:       ts,
			ID:       ulid.Make().String(),
			Kind:     kind,
			Actor:    actor,
			Subject:  subject,
			Payload:  payload,
			PrevHash: prevHash,
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, errs.Internalf("marshal audit event: %v", err)
		}
		return line, nil
	})
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Scan streams every event oldest-first. Lines that fail to decode stop the
// scan with an IntegrityError naming the stream.
func (j *Journal) Scan(fn func(Event) error) error {
	n := 0
	return storage.ScanJSONL(j.path, func(line []byte) error {
		n++
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return &errs.IntegrityError{
				Subject: j.path,
				Reason:  fmt.Sprintf("line %d is not a valid event: %v", n, err),
				Paths:   []string{j.path},
			}
		}
		return fn(ev)
	})
}

// Tail returns the events inside the trailing maxBytes window, oldest first.
// Undecodable lines in the window are skipped; tails are best-effort reads.
func (j *Journal) Tail(maxBytes int64) ([]Event, error) {
	lines, err := storage.TailLines(j.path, maxBytes)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Verify walks the whole stream and checks the hash chain and timestamp
// order. It returns the number of verified events.
func (j *Journal) Verify() (int, error) {
	var (
		prevLine []byte
		prevTS   time.Time
		n        int
	)
	err := storage.ScanJSONL(j.path, func(line []byte) error {
		n++
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return &errs.IntegrityError{
				Subject: j.path,
				Reason:  fmt.Sprintf("line %d is not a valid event: %v", n, err),
				Paths:   []string{j.path},
			}
		}
		want := ""
		if prevLine != nil {
			want = Hash(prevLine)
		}
		if ev.PrevHash != want {
			return &errs.IntegrityError{
				Subject: j.path,
				Reason:  fmt.Sprintf("hash chain broken at line %d (event %s)", n, ev.ID),
				Paths:   []string{j.path},
			}
		}
		if prevLine != nil && !ev.TS.After(prevTS) {
			return &errs.IntegrityError{
				Subject: j.path,
				Reason:  fmt.Sprintf("timestamp order broken at line %d (event %s)", n, ev.ID),
				Paths:   []string{j.path},
			}
		}
		prevLine = append(prevLine[:0], line...)
		prevTS = ev.TS
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
