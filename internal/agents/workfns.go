package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipsmith/backend/internal/models"
	"github.com/clipsmith/backend/internal/usage"
)

// workSet holds the provider clients the built-in work functions call.
type workSet struct {
	clients Clients
}

// hookWriter generates N opening-hook variants for a short-form video topic.
func (w *workSet) hookWriter(ctx context.Context, raw json.RawMessage, emit func(string), rec *usage.Recorder) (json.RawMessage, error) {
	var p HookWriterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	variants := p.Variants
	if variants == 0 {
		variants = 3
	}
	tone := p.Tone
	if tone == "" {
		tone = "casual"
	}

	var hooks []string
	for i := 0; i < variants; i++ {
		if err := ctx.Err(); err != nil {
			return marshalPartial(map[string]any{"hooks": hooks}, len(hooks) > 0), err
		}
		emit(fmt.Sprintf("writing hook %d/%d", i+1, variants))
		c, err := w.clients.LLM.Complete(ctx, hookPrompt(p.Topic, tone, i))
		if err != nil {
			return marshalPartial(map[string]any{"hooks": hooks}, len(hooks) > 0), err
		}
		rec.Record(models.UsageResourceLLMTokens, c.TokensUsed, c.CostUnits)
		hooks = append(hooks, c.Text)
	}
	return json.Marshal(map[string]any{"hooks": hooks})
}

// scriptWriter drafts a timed script, then punches up the opening.
func (w *workSet) scriptWriter(ctx context.Context, raw json.RawMessage, emit func(string), rec *usage.Recorder) (json.RawMessage, error) {
	var p ScriptWriterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	emit("drafting script")
	draft, err := w.clients.LLM.Complete(ctx, scriptPrompt(p))
	if err != nil {
		return nil, err
	}
	rec.Record(models.UsageResourceLLMTokens, draft.TokensUsed, draft.CostUnits)

	if err := ctx.Err(); err != nil {
		return marshalPartial(map[string]any{"script": draft.Text}, true), err
	}

	emit("polishing opening lines")
	polished, err := w.clients.LLM.Complete(ctx, "Rewrite the first three seconds of this script to hook harder:\n"+draft.Text)
	if err != nil {
		// The draft is usable on its own.
		return marshalPartial(map[string]any{"script": draft.Text}, true), err
	}
	rec.Record(models.UsageResourceLLMTokens, polished.TokensUsed, polished.CostUnits)

	return json.Marshal(map[string]any{"script": draft.Text, "opening": polished.Text})
}

// captionWriter writes a post caption plus hashtags from a transcript.
func (w *workSet) captionWriter(ctx context.Context, raw json.RawMessage, emit func(string), rec *usage.Recorder) (json.RawMessage, error) {
	var p CaptionWriterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	hashtags := p.HashtagCount
	if hashtags == 0 {
		hashtags = 5
	}

	emit("writing caption")
	c, err := w.clients.LLM.Complete(ctx,
		fmt.Sprintf("Write a caption with %d hashtags for this short-form video transcript:\n%s", hashtags, p.Transcript))
	if err != nil {
		return nil, err
	}
	rec.Record(models.UsageResourceLLMTokens, c.TokensUsed, c.CostUnits)
	return json.Marshal(map[string]any{"caption": c.Text})
}

// thumbnailArtist expands the prompt with the LLM, then renders the image.
func (w *workSet) thumbnailArtist(ctx context.Context, raw json.RawMessage, emit func(string), rec *usage.Recorder) (json.RawMessage, error) {
	var p ThumbnailArtistParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	aspect := p.AspectRatio
	if aspect == "" {
		aspect = "9:16"
	}

	emit("expanding prompt")
	expanded, err := w.clients.LLM.Complete(ctx, "Expand into a detailed thumbnail art prompt: "+p.Prompt)
	if err != nil {
		return nil, err
	}
	rec.Record(models.UsageResourceLLMTokens, expanded.TokensUsed, expanded.CostUnits)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	emit("rendering thumbnail")
	img, err := w.clients.Image.Render(ctx, expanded.Text, aspect)
	if err != nil {
		return nil, err
	}
	rec.Record(models.UsageResourceImageGen, 1, img.CostUnits)

	return json.Marshal(map[string]any{"url": img.URL, "aspect_ratio": aspect})
}

func hookPrompt(topic, tone string, variant int) string {
	return fmt.Sprintf("Write a %s opening hook (variant %d) for a short-form video about: %s", tone, variant+1, topic)
}

func scriptPrompt(p ScriptWriterParams) string {
	style := p.Style
	if style == "" {
		style = "conversational"
	}
	return fmt.Sprintf("Write a %d-second %s short-form video script about: %s", p.DurationSeconds, style, p.Topic)
}

// marshalPartial returns the partial output if any was produced, or nil so
// the lifecycle manager can tell an empty cancellation from a degraded one.
func marshalPartial(v map[string]any, hasContent bool) json.RawMessage {
	if !hasContent {
		return nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return out
}
