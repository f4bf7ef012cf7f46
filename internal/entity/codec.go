package entity

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

const fence = "---"

// Header keys in serialization order. Parsing accepts them in any order;
// saves always emit this order so round-trips are byte-stable.
var headerOrder = []string{
	"id", "title", "type", "state", "priority", "session", "owner", "model",
	"created_at", "updated_at", "claimed_at", "last_active", "continuation_id",
	"relationships",
}

// Legacy relationship attributes accepted on read. Writes always emit the
// unified relationships list.
var legacyRelKeys = map[string]string{
	"parent":      RelParent,
	"depends_on":  RelDependsOn,
	"blocks":      RelBlocks,
	"related":     RelRelated,
	"bundle_root": RelBundleRoot,
}

// Parse decodes one entity file: a YAML header between --- fences followed
// by the markdown body. Unknown header keys fail with a ValidationError
// naming the key; legacy relationship attributes are folded into the
// unified relationships list.
func Parse(content string) (*Entity, error) {
	header, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
		return nil, &errs.ValidationError{Subject: "entity header", Reason: err.Error()}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, &errs.ValidationError{Subject: "entity header", Reason: "header is not a key/value mapping"}
	}

	e := &Entity{Body: body}
	mapping := doc.Content[0]
	seen := map[string]bool{}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		val := mapping.Content[i+1]
		if seen[key] {
			return nil, &errs.ValidationError{Subject: "entity header", Reason: fmt.Sprintf("duplicate key %q", key)}
		}
		seen[key] = true
		if err := decodeHeaderKey(e, key, val); err != nil {
			return nil, err
		}
	}

	if e.ID == "" {
		return nil, &errs.ValidationError{Subject: "entity header", Reason: "missing required key \"id\""}
	}
	if !ValidID(e.ID) {
		return nil, &errs.ValidationError{Subject: "entity header", Reason: fmt.Sprintf("invalid id %q", e.ID)}
	}
	// Self-edges are re-checked here because the relationships key may have
	// been decoded before the id key.
	for _, r := range e.Relationships {
		if r.Target == e.ID {
			return nil, &errs.ValidationError{Subject: "entity " + e.ID, Reason: "self-referencing " + r.Type + " edge"}
		}
	}
	if err := checkMarkers(e.Body); err != nil {
		return nil, err
	}
	e.SortRelationships()
	return e, nil
}

func decodeHeaderKey(e *Entity, key string, val *yaml.Node) error {
	fail := func(err error) error {
		return &errs.ValidationError{Subject: "entity header", Reason: fmt.Sprintf("key %q: %v", key, err)}
	}
	switch key {
	case "id":
		return val.Decode(&e.ID)
	case "title":
		return val.Decode(&e.Title)
	case "type":
		return val.Decode(&e.Type)
	case "state":
		return val.Decode(&e.State)
	case "priority":
		return val.Decode(&e.Priority)
	case "session":
		return val.Decode(&e.Session)
	case "owner":
		return val.Decode(&e.Owner)
	case "model":
		return val.Decode(&e.Model)
	case "continuation_id":
		return val.Decode(&e.ContinuationID)
	case "created_at":
		return decodeTime(val, &e.CreatedAt, fail)
	case "updated_at":
		return decodeTime(val, &e.UpdatedAt, fail)
	case "claimed_at":
		return decodeTime(val, &e.ClaimedAt, fail)
	case "last_active":
		return decodeTime(val, &e.LastActive, fail)
	case "relationships":
		var rels []Relationship
		if err := val.Decode(&rels); err != nil {
			return fail(err)
		}
		for _, r := range rels {
			if err := e.AddRel(r.Type, r.Target); err != nil {
				return err
			}
		}
		return nil
	default:
		if relType, ok := legacyRelKeys[key]; ok {
			return decodeLegacyRel(e, relType, val, fail)
		}
		return &errs.ValidationError{
			Subject: "entity header",
			Reason:  fmt.Sprintf("unknown key %q", key),
			Remedy:  "remove the key or migrate it into the relationships list",
		}
	}
}

func decodeTime(val *yaml.Node, target *time.Time, fail func(error) error) error {
	var raw string
	if err := val.Decode(&raw); err != nil {
		return fail(err)
	}
	if strings.TrimSpace(raw) == "" {
		*target = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fail(err)
	}
	*target = t.UTC()
	return nil
}

// decodeLegacyRel folds a legacy attribute into the unified list. parent and
// bundle_root take a scalar; the rest take a sequence.
func decodeLegacyRel(e *Entity, relType string, val *yaml.Node, fail func(error) error) error {
	switch relType {
	case RelParent, RelBundleRoot:
		var target string
		if err := val.Decode(&target); err != nil {
			return fail(err)
		}
		if target == "" {
			return nil
		}
		return e.AddRel(relType, target)
	default:
		var targets []string
		if err := val.Decode(&targets); err != nil {
			return fail(err)
		}
		for _, t := range targets {
			if err := e.AddRel(relType, t); err != nil {
				return err
			}
		}
		return nil
	}
}

// Serialize renders the entity deterministically: fixed key order, sorted
// relationships, RFC3339 UTC timestamps, body appended verbatim. Optional
// zero-valued fields are omitted so Parse(Serialize(e)) == e.
func Serialize(e *Entity) (string, error) {
	if !ValidID(e.ID) {
		return "", &errs.ValidationError{Subject: "entity", Reason: fmt.Sprintf("invalid id %q", e.ID)}
	}
	if err := checkMarkers(e.Body); err != nil {
		return "", err
	}
	e.SortRelationships()

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	for _, key := range headerOrder {
		if err := emitHeaderKey(&buf, e, key); err != nil {
			return "", err
		}
	}
	buf.WriteString(fence + "\n")
	buf.WriteString(e.Body)
	return buf.String(), nil
}

func emitHeaderKey(buf *bytes.Buffer, e *Entity, key string) error {
	switch key {
	case "id":
		return emitKV(buf, key, e.ID)
	case "title":
		return emitOptional(buf, key, e.Title)
	case "type":
		return emitOptional(buf, key, e.Type)
	case "state":
		return emitOptional(buf, key, e.State)
	case "priority":
		if e.Priority == 0 {
			return nil
		}
		return emitKV(buf, key, e.Priority)
	case "session":
		return emitOptional(buf, key, e.Session)
	case "owner":
		return emitOptional(buf, key, e.Owner)
	case "model":
		return emitOptional(buf, key, e.Model)
	case "continuation_id":
		return emitOptional(buf, key, e.ContinuationID)
	case "created_at":
		return emitTime(buf, key, e.CreatedAt)
	case "updated_at":
		return emitTime(buf, key, e.UpdatedAt)
	case "claimed_at":
		return emitTime(buf, key, e.ClaimedAt)
	case "last_active":
		return emitTime(buf, key, e.LastActive)
	case "relationships":
		if len(e.Relationships) == 0 {
			return nil
		}
		return emitKV(buf, key, e.Relationships)
	default:
		return errs.Internalf("unhandled header key %q", key)
	}
}

func emitOptional(buf *bytes.Buffer, key, value string) error {
	if value == "" {
		return nil
	}
	return emitKV(buf, key, value)
}

func emitTime(buf *bytes.Buffer, key string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return emitKV(buf, key, t.UTC().Format(time.RFC3339Nano))
}

// emitKV writes one header entry through a YAML encoder so values are quoted
// exactly as yaml.v3 would quote them on read.
func emitKV(buf *bytes.Buffer, key string, value any) error {
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{key: value}); err != nil {
		return errs.Internalf("encode header key %q: %v", key, err)
	}
	return enc.Close()
}

func splitFrontmatter(content string) (header, body string, err error) {
	if !strings.HasPrefix(content, fence+"\n") {
		return "", "", &errs.ValidationError{Subject: "entity file", Reason: "missing leading --- fence"}
	}
	rest := content[len(fence)+1:]
	idx := strings.Index(rest, "\n"+fence+"\n")
	if idx < 0 {
		// Header-only files end with the closing fence and no body.
		if strings.HasSuffix(rest, "\n"+fence) {
			return rest[:len(rest)-len(fence)-1], "", nil
		}
		return "", "", &errs.ValidationError{Subject: "entity file", Reason: "missing closing --- fence"}
	}
	return rest[:idx], rest[idx+len(fence)+2:], nil
}

const (
	markerOpen  = "<!-- EXTENSIBLE: "
	markerClose = "<!-- /EXTENSIBLE: "
	markerEnd   = " -->"
)

// checkMarkers validates that EXTENSIBLE region markers are balanced and
// properly nested. The regions themselves are opaque to the engine.
func checkMarkers(body string) error {
	var stack []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, markerOpen) && strings.HasSuffix(trimmed, markerEnd):
			name := trimmed[len(markerOpen) : len(trimmed)-len(markerEnd)]
			stack = append(stack, name)
		case strings.HasPrefix(trimmed, markerClose) && strings.HasSuffix(trimmed, markerEnd):
			name := trimmed[len(markerClose) : len(trimmed)-len(markerEnd)]
			if len(stack) == 0 || stack[len(stack)-1] != name {
				return &errs.ValidationError{
					Subject: "entity body",
					Reason:  fmt.Sprintf("unbalanced EXTENSIBLE marker %q", name),
				}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return &errs.ValidationError{
			Subject: "entity body",
			Reason:  fmt.Sprintf("unclosed EXTENSIBLE marker %q", stack[len(stack)-1]),
		}
	}
	return nil
}
