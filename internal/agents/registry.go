package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clipsmith/backend/internal/usage"
)

// Agent kinds offered to creators.
const (
	KindHookWriter      = "hook_writer"
	KindScriptWriter    = "script_writer"
	KindCaptionWriter   = "caption_writer"
	KindThumbnailArtist = "thumbnail_artist"
)

// WorkFunc executes one run. It must observe ctx at each sub-step boundary
// (cancellation is cooperative), record every billable call on rec, and may
// emit progress lines. On cancellation it returns whatever partial output it
// already produced alongside the context error.
type WorkFunc func(ctx context.Context, params json.RawMessage, emit func(string), rec *usage.Recorder) (json.RawMessage, error)

// Definition describes one agent kind: its worst-case cost (what reserve
// holds), its parameter schema, and its work function.
type Definition struct {
	Kind            string
	MaxCostEstimate int64
	Work            WorkFunc

	schema *jsonschema.Schema
}

// ValidateParams checks raw against the kind's schema and reports every
// failing field.
func (d *Definition) ValidateParams(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Fields: []string{"/: invalid JSON"}}
	}
	if err := d.schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return &ValidationError{Fields: collectCauses(ve)}
		}
		return err
	}
	return nil
}

// Registry maps agent kinds to their definitions. It is constructed once at
// process start and passed by reference into whatever needs it; there is no
// module-level registry.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds the agent catalogue against the given provider clients.
func NewRegistry(clients Clients) *Registry {
	w := &workSet{clients: clients}
	defs := map[string]*Definition{
		KindHookWriter: {
			Kind:            KindHookWriter,
			MaxCostEstimate: 30,
			Work:            w.hookWriter,
			schema:          compileSchema(KindHookWriter, hookWriterSchema),
		},
		KindScriptWriter: {
			Kind:            KindScriptWriter,
			MaxCostEstimate: 80,
			Work:            w.scriptWriter,
			schema:          compileSchema(KindScriptWriter, scriptWriterSchema),
		},
		KindCaptionWriter: {
			Kind:            KindCaptionWriter,
			MaxCostEstimate: 25,
			Work:            w.captionWriter,
			schema:          compileSchema(KindCaptionWriter, captionWriterSchema),
		},
		KindThumbnailArtist: {
			Kind:            KindThumbnailArtist,
			MaxCostEstimate: 120,
			Work:            w.thumbnailArtist,
			schema:          compileSchema(KindThumbnailArtist, thumbnailArtistSchema),
		},
	}
	return &Registry{defs: defs}
}

// Get returns the definition for kind.
func (r *Registry) Get(kind string) (*Definition, error) {
	d, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return d, nil
}

// Kinds returns the sorted list of registered agent kinds.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
