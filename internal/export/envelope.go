package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/uuid"
)

// SchemaVersion tags every envelope this build produces.
const SchemaVersion = 1

const schemaURL = "https://litany.local/schema/envelope.schema.json"

//go:embed schema/envelope.schema.json
var envelopeSchema []byte

// Envelope is the interchange representation of a whole collection.
type Envelope struct {
	SchemaVersion int                                 `json:"schemaVersion"`
	ExportedAt    int64                               `json:"exportedAt"`
	Records       []models.Record                     `json:"records"`
	Trash         []models.TrashEntry                 `json:"trash"`
	Preferences   map[models.Field]models.Preference `json:"preferences"`
}

// Problem is one offending entry found while decoding an envelope.
type Problem struct {
	Path     string      `json:"path"`
	RecordID models.UUID `json:"recordId,omitempty"`
	Message  string      `json:"message"`
}

func (p Problem) String() string {
	if p.RecordID != "" {
		return fmt.Sprintf("%s (%s): %s", p.Path, p.RecordID, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Path, p.Message)
}

// ImportError carries every problem that caused an import to be rejected.
type ImportError struct {
	Problems []Problem
}

func (e *ImportError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid envelope"
	}
	if len(e.Problems) == 1 {
		return e.Problems[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", e.Problems[0], len(e.Problems)-1)
}

// ProblemsOf extracts the problem list from an import error.
func ProblemsOf(err error) []Problem {
	var ie *ImportError
	if stderrors.As(err, &ie) {
		return ie.Problems
	}
	return nil
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func envelopeValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// schemaProblems flattens a validation error into its leaf causes.
func schemaProblems(err error) []Problem {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return []Problem{{Path: "/", Message: err.Error()}}
	}
	var out []Problem
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, Problem{
				Path:    "/" + strings.Join(v.InstanceLocation, "/"),
				Message: v.Error(),
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

type rawEnvelope struct {
	SchemaVersion int               `json:"schemaVersion"`
	ExportedAt    int64             `json:"exportedAt"`
	Records       []json.RawMessage `json:"records"`
	Trash         []json.RawMessage `json:"trash"`
	Preferences   map[string]string `json:"preferences"`
}

// Decode validates data against the envelope schema and decodes it. The
// structure must be valid or an IMPORT_FAILED error is returned. Entries
// that fail per-record checks are reported as problems and left out of
// the returned envelope.
func Decode(data []byte) (*Envelope, []Problem, error) {
	validator, err := envelopeValidator()
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "compile envelope schema", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrImportFailed, "envelope is not valid JSON",
			&ImportError{Problems: []Problem{{Path: "/", Message: err.Error()}}})
	}
	if err := validator.Validate(inst); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrImportFailed, "envelope structure invalid",
			&ImportError{Problems: schemaProblems(err)})
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrImportFailed, "decode envelope", err)
	}

	env := &Envelope{
		SchemaVersion: raw.SchemaVersion,
		ExportedAt:    raw.ExportedAt,
		Records:       make([]models.Record, 0, len(raw.Records)),
		Trash:         make([]models.TrashEntry, 0, len(raw.Trash)),
		Preferences:   make(map[models.Field]models.Preference, len(raw.Preferences)),
	}
	var problems []Problem
	seen := make(map[models.UUID]string)

	for i, msg := range raw.Records {
		path := fmt.Sprintf("/records/%d", i)
		var r models.Record
		if err := json.Unmarshal(msg, &r); err != nil {
			problems = append(problems, Problem{Path: path, Message: err.Error()})
			continue
		}
		if p := checkRecord(path, &r, seen); len(p) > 0 {
			problems = append(problems, p...)
			continue
		}
		seen[r.ID] = path
		if r.Tags == nil {
			r.Tags = []string{}
		}
		env.Records = append(env.Records, r)
	}

	for i, msg := range raw.Trash {
		path := fmt.Sprintf("/trash/%d", i)
		var e models.TrashEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			problems = append(problems, Problem{Path: path, Message: err.Error()})
			continue
		}
		if p := checkRecord(path, &e.Record, seen); len(p) > 0 {
			problems = append(problems, p...)
			continue
		}
		seen[e.ID] = path
		if e.Tags == nil {
			e.Tags = []string{}
		}
		env.Trash = append(env.Trash, e)
	}

	names := make([]string, 0, len(raw.Preferences))
	for name := range raw.Preferences {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := raw.Preferences[name]
		field, pref := models.Field(name), models.Preference(value)
		path := "/preferences/" + name
		switch {
		case !field.Valid():
			problems = append(problems, Problem{Path: path, Message: "unknown field"})
		case !pref.Valid():
			problems = append(problems, Problem{Path: path, Message: fmt.Sprintf("unknown preference %q", value)})
		default:
			env.Preferences[field] = pref
		}
	}

	return env, problems, nil
}

// checkRecord reports the required-field problems of one entry.
func checkRecord(path string, r *models.Record, seen map[models.UUID]string) []Problem {
	var out []Problem
	add := func(field, msg string) {
		out = append(out, Problem{Path: path + "/" + field, RecordID: r.ID, Message: msg})
	}

	switch {
	case r.ID == "":
		add("id", "required")
	case !uuid.IsValid(string(r.ID)):
		add("id", "not a UUID v4")
	default:
		if prev, dup := seen[r.ID]; dup {
			add("id", "duplicate of "+prev)
		}
	}
	if strings.TrimSpace(r.Title) == "" {
		add("title", "required")
	}
	if strings.TrimSpace(r.Category) == "" {
		add("category", "required")
	}
	if r.UpdatedAt < r.CreatedAt {
		add("updatedAt", "earlier than createdAt")
	}
	return out
}

// Marshal encodes env as indented JSON. Missing sections are written empty.
func Marshal(env *Envelope) ([]byte, error) {
	out := *env
	if out.SchemaVersion == 0 {
		out.SchemaVersion = SchemaVersion
	}
	if out.Records == nil {
		out.Records = []models.Record{}
	}
	if out.Trash == nil {
		out.Trash = []models.TrashEntry{}
	}
	if out.Preferences == nil {
		out.Preferences = map[models.Field]models.Preference{}
	}
	return json.MarshalIndent(&out, "", "  ")
}
