package agents

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Each agent kind carries its own typed parameter struct plus a JSON Schema.
// A request is decoded into the matching variant only after the schema
// passes, so a missing field is a validation failure, not a zero-value
// surprise downstream.

type HookWriterParams struct {
	Topic    string `json:"topic"`
	Tone     string `json:"tone,omitempty"`
	Variants int    `json:"variants,omitempty"`
}

type ScriptWriterParams struct {
	Topic           string `json:"topic"`
	DurationSeconds int    `json:"duration_seconds"`
	Style           string `json:"style,omitempty"`
}

type CaptionWriterParams struct {
	Transcript   string `json:"transcript"`
	HashtagCount int    `json:"hashtag_count,omitempty"`
}

type ThumbnailArtistParams struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

const hookWriterSchema = `{
	"type": "object",
	"required": ["topic"],
	"additionalProperties": false,
	"properties": {
		"topic": {"type": "string", "minLength": 1, "maxLength": 500},
		"tone": {"type": "string", "enum": ["casual", "dramatic", "educational", "funny"]},
		"variants": {"type": "integer", "minimum": 1, "maximum": 10}
	}
}`

const scriptWriterSchema = `{
	"type": "object",
	"required": ["topic", "duration_seconds"],
	"additionalProperties": false,
	"properties": {
		"topic": {"type": "string", "minLength": 1, "maxLength": 500},
		"duration_seconds": {"type": "integer", "minimum": 15, "maximum": 180},
		"style": {"type": "string", "maxLength": 100}
	}
}`

const captionWriterSchema = `{
	"type": "object",
	"required": ["transcript"],
	"additionalProperties": false,
	"properties": {
		"transcript": {"type": "string", "minLength": 1},
		"hashtag_count": {"type": "integer", "minimum": 0, "maximum": 30}
	}
}`

const thumbnailArtistSchema = `{
	"type": "object",
	"required": ["prompt"],
	"additionalProperties": false,
	"properties": {
		"prompt": {"type": "string", "minLength": 1, "maxLength": 1000},
		"aspect_ratio": {"type": "string", "enum": ["9:16", "1:1", "16:9"]}
	}
}`

// ValidationError reports every failing field of a parameter payload, not
// just the first.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid params: " + strings.Join(e.Fields, "; ")
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func compileSchema(kind, src string) *jsonschema.Schema {
	return jsonschema.MustCompileString("https://clipsmith.dev/schemas/"+kind+".params", src)
}

// collectCauses flattens a jsonschema validation tree into leaf messages,
// one per failing field.
func collectCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, collectCauses(c)...)
	}
	return out
}
