// Package describe produces marketing copy for an analyzed product image.
// It asks the configured generative provider with the image first, then
// without it, and finally falls back to a fixed template so the stage never
// fails.
package describe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/productlens/internal/ai"
	"github.com/kiranshivaraju/productlens/pkg/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateModel is recorded as the description model when no provider answered.
const TemplateModel = "fallback-template"

// Strategy names, in the order they are attempted.
const (
	StrategyWithImage = "with_image"
	StrategyTextOnly  = "text_only"
	StrategyTemplate  = "template"
)

// Input is what the generator knows about the product.
type Input struct {
	Category   string
	Attributes []models.Attribute
	Defects    []models.Defect
	Image      []byte
	MediaType  string
}

// Generator runs the description strategy chain.
type Generator struct {
	provider ai.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGenerator creates a Generator. provider may be nil, in which case only
// the template is used. timeout bounds each provider call; zero means no bound
// beyond the caller's context.
func NewGenerator(provider ai.Provider, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: provider, timeout: timeout, logger: logger}
}

// Generate never fails. The returned strategy tells which path produced the text.
func (g *Generator) Generate(ctx context.Context, in Input) (models.Description, string) {
	if g.provider != nil {
		prompt := BuildPrompt(in)

		if len(in.Image) > 0 {
			text, err := g.call(ctx, ai.Prompt{Text: prompt, Image: in.Image, MediaType: in.MediaType})
			if err == nil {
				return models.Description{Text: text, ModelName: g.provider.Model()}, StrategyWithImage
			}
			g.logger.Warn("description with image failed, retrying without image",
				"provider", g.provider.Name(), "error", err)
		}

		text, err := g.call(ctx, ai.Prompt{Text: prompt})
		if err == nil {
			return models.Description{Text: text, ModelName: g.provider.Model()}, StrategyTextOnly
		}
		g.logger.Warn("text-only description failed, using template",
			"provider", g.provider.Name(), "error", err)
	}

	return models.Description{
		Text:      Template(in.Category, in.Attributes, in.Defects),
		ModelName: TemplateModel,
	}, StrategyTemplate
}

func (g *Generator) call(ctx context.Context, p ai.Prompt) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	text, err := g.provider.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

const promptTemplate = `You are an expert e-commerce copywriter. Generate a professional product listing description based on the following AI-analyzed product information.

Product Category: %s

Detected Attributes:
%s

Defects Found:
%s

Instructions:
- Write a compelling, accurate product description suitable for an e-commerce listing
- Length: 150-250 words
- Tone: Professional but approachable
- Include the product category, key attributes (color, material, condition)
- If defects were found, mention them honestly but diplomatically
- End with a brief value proposition
- Do NOT include a title/heading, just the description body
- Do NOT use markdown formatting

Generate the product description:`

// BuildPrompt renders the copywriting prompt for in.
func BuildPrompt(in Input) string {
	return fmt.Sprintf(promptTemplate, in.Category, formatAttributes(in.Attributes), formatDefects(in.Defects))
}

var titleCaser = cases.Title(language.English)

func humanize(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func formatAttributes(attrs []models.Attribute) string {
	if len(attrs) == 0 {
		return "No attributes detected"
	}
	lines := make([]string, 0, len(attrs))
	for _, a := range attrs {
		line := fmt.Sprintf("- %s: %s", humanize(a.Name), a.Value)
		if a.Confidence > 0 {
			line += fmt.Sprintf(" (confidence: %.0f%%)", a.Confidence*100)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatDefects(defects []models.Defect) string {
	if len(defects) == 0 {
		return "No defects detected"
	}
	lines := make([]string, 0, len(defects))
	for _, d := range defects {
		severity := d.Severity
		if severity == "" {
			severity = "unknown"
		}
		line := fmt.Sprintf("- %s (%s severity)", humanize(d.Type), severity)
		if d.Confidence > 0 {
			line += fmt.Sprintf(" (confidence: %.0f%%)", d.Confidence*100)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Template is the deterministic description used when every provider failed.
// Missing color or material are dropped; condition defaults to "good".
func Template(category string, attrs []models.Attribute, defects []models.Defect) string {
	values := make(map[string]string, len(attrs))
	for _, a := range attrs {
		values[a.Name] = a.Value
	}
	condition := values["condition"]
	if condition == "" {
		condition = "good"
	}

	subject := strings.Join(strings.Fields(strings.Join([]string{values["color"], values["material"], category}, " ")), " ")
	parts := []string{fmt.Sprintf("This %s product is in %s condition.", subject, condition)}

	if len(defects) == 0 {
		parts = append(parts, "No defects were detected during quality inspection.")
	} else {
		types := make([]string, 0, len(defects))
		for _, d := range defects {
			types = append(types, strings.ReplaceAll(d.Type, "_", " "))
		}
		parts = append(parts, fmt.Sprintf("Minor imperfections noted: %s.", strings.Join(types, ", ")))
	}

	parts = append(parts, "A great addition to your collection at excellent value.")
	return strings.Join(parts, " ")
}
