// Package classify asks a vision model for the taxonomy of a detected crop.
package classify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/pkg/anthropic"
)

var (
	// ErrBlocked is returned when the model refused or returned no content.
	ErrBlocked = eris.New("classify: response blocked or empty")
	// ErrUnparseable is returned when the reply holds no taxonomy object.
	ErrUnparseable = eris.New("classify: unparseable response")
)

// Classifier resolves the taxonomy of an organism in an encoded image.
type Classifier interface {
	Classify(ctx context.Context, img []byte, mediaType string) (*model.Taxonomy, error)
}

const systemPrompt = `You identify marine and freshwater organisms in cropped video frames.
Identify the most likely species, genus, family, order, class, phylum, and kingdom of the animal in the image.
Output the result only as a JSON object in the following format, with no other commentary, introductions, or explanations:

{
  "Kingdom": "...",
  "Phylum": "...",
  "Class": "...",
  "Order": "...",
  "Family": "...",
  "Genus": "...",
  "Species": "..."
}

If you cannot confidently identify the animal or one of its classifications, use "Unknown" for that field.`

const userPrompt = "Classify the animal in this image."

// AnthropicConfig configures AnthropicClassifier.
type AnthropicConfig struct {
	Model     string
	MaxTokens int64
	CacheTTL  string
}

// AnthropicClassifier classifies crops with a Claude vision request.
type AnthropicClassifier struct {
	client anthropic.Client
	cfg    AnthropicConfig
	system []anthropic.SystemBlock
}

// NewAnthropic creates a classifier on top of client.
func NewAnthropic(client anthropic.Client, cfg AnthropicConfig) *AnthropicClassifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &AnthropicClassifier{
		client: client,
		cfg:    cfg,
		system: anthropic.BuildCachedSystemBlocks(systemPrompt, cfg.CacheTTL),
	}
}

// Classify sends img to the model and parses the taxonomy from its reply.
func (c *AnthropicClassifier) Classify(ctx context.Context, img []byte, mediaType string) (*model.Taxonomy, error) {
	if len(img) == 0 {
		return nil, eris.New("classify: empty image")
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    c.system,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: userPrompt,
			Images:  []anthropic.Image{{MediaType: mediaType, Data: img}},
		}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "classify: request")
	}
	resp.Usage.Log(c.cfg.Model, zap.String("stop_reason", resp.StopReason))

	text := resp.Text()
	if resp.StopReason == "refusal" || strings.TrimSpace(text) == "" {
		return nil, eris.Wrapf(ErrBlocked, "stop reason %q", resp.StopReason)
	}

	tax, err := ParseTaxonomy(text)
	if err != nil {
		zap.L().Debug("classify: unparseable reply",
			zap.String("model", resp.Model),
			zap.String("text", text),
		)
		return nil, err
	}
	return tax, nil
}

// ParseTaxonomy extracts and normalizes a taxonomy object from model text.
func ParseTaxonomy(text string) (*model.Taxonomy, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return nil, eris.Wrap(ErrUnparseable, "no JSON object found")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, eris.Wrapf(ErrUnparseable, "decode: %v", err)
	}

	tax := &model.Taxonomy{}
	for key, v := range fields {
		s, _ := v.(string)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "kingdom":
			tax.Kingdom = normalizeRank(s)
		case "phylum":
			tax.Phylum = normalizeRank(s)
		case "class":
			tax.Class = normalizeRank(s)
		case "order":
			tax.Order = normalizeRank(s)
		case "family":
			tax.Family = normalizeRank(s)
		case "genus":
			tax.Genus = normalizeRank(s)
		case "species":
			tax.Species = normalizeSpecies(s)
		}
	}
	tax.FillUnknown()
	return tax, nil
}

// ExtractJSON returns the outermost {...} span of text, with markdown
// fences and a doubled {{ }} wrapper removed.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	text = strings.TrimSpace(text[start : end+1])

	if strings.HasPrefix(text, "{{") && strings.HasSuffix(text, "}}") {
		text = text[1 : len(text)-1]
	}
	return text, true
}

func normalizeRank(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if isUnknown(s) {
		return model.Unknown
	}
	return cases.Title(language.Und).String(s)
}

// normalizeSpecies keeps binomial form: capitalized genus, lower-case
// epithet.
func normalizeSpecies(s string) string {
	parts := strings.Fields(s)
	if isUnknown(strings.Join(parts, " ")) {
		return model.Unknown
	}
	// cases.Caser holds state, so each call builds its own.
	title, lower := cases.Title(language.Und), cases.Lower(language.Und)
	parts[0] = title.String(parts[0])
	for i := 1; i < len(parts); i++ {
		parts[i] = lower.String(parts[i])
	}
	return strings.Join(parts, " ")
}

func isUnknown(s string) bool {
	switch strings.ToLower(s) {
	case "", "unknown", "n/a", "na", "none", "...":
		return true
	}
	return false
}
