package component

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/a-h/templ"
)

// Layout types accepted by a preview.
const (
	LayoutStack = "stack"
	LayoutGrid  = "grid"
	LayoutFlex  = "flex"
)

const maxPreviewDepth = 16

// PreviewRequest is a set of components to render as one HTML page.
type PreviewRequest struct {
	Components []*Component `json:"components"`
	Layout     Layout       `json:"layout"`
	Theme      Theme        `json:"theme"`
}

// Layout arranges the top-level components.
type Layout struct {
	Type    string `json:"type,omitempty"`
	Columns int    `json:"columns,omitempty"`
	Gap     string `json:"gap,omitempty"`
	Padding string `json:"padding,omitempty"`
}

// Theme sets the preview colors.
type Theme struct {
	Primary    string `json:"primary,omitempty"`
	Secondary  string `json:"secondary,omitempty"`
	Text       string `json:"text,omitempty"`
	Background string `json:"background,omitempty"`
}

// cssValue allows colors, lengths and simple functions like rgb(...).
var cssValue = regexp.MustCompile(`^[#A-Za-z0-9 .,%()-]{1,64}$`)

func cssOr(v, fallback string) string {
	if cssValue.MatchString(v) {
		return v
	}
	return fallback
}

// RenderPreview returns a templ component that writes a standalone HTML
// document for req. All component text is escaped.
func RenderPreview(req PreviewRequest) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &printer{w: w}
		p.print(`<!DOCTYPE html><html><head><meta charset="UTF-8">`,
			`<meta name="viewport" content="width=device-width, initial-scale=1.0">`,
			`<title>Component Preview</title><style>`, previewStyles(req.Layout, req.Theme), `</style></head>`,
			`<body><div class="container">`)
		for _, c := range req.Components {
			if c == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			p.component(c.Type, c.Content, 0)
		}
		p.print(`</div></body></html>`)
		return p.err
	})
}

func previewStyles(layout Layout, theme Theme) string {
	display := "flex"
	extra := "flex-direction: column;"
	switch layout.Type {
	case LayoutGrid:
		cols := layout.Columns
		if cols <= 0 || cols > 12 {
			cols = 3
		}
		display = "grid"
		extra = "grid-template-columns: repeat(" + strconv.Itoa(cols) + ", 1fr);"
	case LayoutFlex:
		extra = "flex-wrap: wrap;"
	}

	return fmt.Sprintf(`:root { --primary: %s; --secondary: %s; --text: %s; --background: %s; }
body { margin: 0; padding: 20px; font-family: system-ui, -apple-system, sans-serif; background: var(--background); color: var(--text); }
.container { display: %s; %s gap: %s; padding: %s; }
.button { padding: 10px 20px; border: none; border-radius: 4px; background: var(--primary); color: white; cursor: pointer; font-size: 16px; }
.button:disabled { opacity: 0.5; cursor: not-allowed; }
.input { padding: 8px 12px; border: 1px solid var(--secondary); border-radius: 4px; font-size: 16px; width: 100%%; }
.card { border: 1px solid var(--secondary); border-radius: 8px; overflow: hidden; }
.card-header { padding: 16px; background: var(--primary); color: white; }
.card-content { padding: 16px; }
.card-image { width: 100%%; height: auto; }`,
		cssOr(theme.Primary, "#007bff"),
		cssOr(theme.Secondary, "#6c757d"),
		cssOr(theme.Text, "#212529"),
		cssOr(theme.Background, "#ffffff"),
		display, extra,
		cssOr(layout.Gap, "20px"),
		cssOr(layout.Padding, "20px"),
	)
}

// printer writes markup and keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) print(parts ...string) {
	for _, s := range parts {
		if p.err != nil {
			return
		}
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *printer) attr(name string, v any) {
	p.print(` `, name, `="`, templ.EscapeString(text(v)), `"`)
}

func (p *printer) flag(name string, v any) {
	if on, _ := v.(bool); on {
		p.print(` `, name)
	}
}

func (p *printer) component(typ string, content map[string]any, depth int) {
	if depth > maxPreviewDepth {
		p.print(`<div class="unknown">Nesting too deep</div>`)
		return
	}

	switch typ {
	case "button":
		p.print(`<button class="button"`)
		p.flag("disabled", content["disabled"])
		p.attr("style", content["style"])
		p.attr("data-action", content["action"])
		p.print(`>`, templ.EscapeString(text(content["label"])), `</button>`)

	case "input":
		p.print(`<input class="input"`)
		p.attr("type", content["type"])
		p.attr("name", content["name"])
		p.attr("placeholder", content["placeholder"])
		p.attr("value", content["value"])
		p.flag("required", content["required"])
		p.flag("disabled", content["disabled"])
		p.print(` />`)

	case "card":
		p.print(`<div class="card"><div class="card-header"><h2>`, templ.EscapeString(text(content["title"])), `</h2>`)
		if sub := text(content["subtitle"]); sub != "" {
			p.print(`<p>`, templ.EscapeString(sub), `</p>`)
		}
		p.print(`</div>`)
		if img := text(content["image"]); img != "" {
			p.print(`<img class="card-image"`)
			p.attr("src", img)
			p.attr("alt", content["title"])
			p.print(` />`)
		}
		p.print(`<div class="card-content">`, templ.EscapeString(text(content["content"])))
		if actions, ok := content["actions"].([]any); ok && len(actions) > 0 {
			p.print(`<div class="card-actions">`)
			for _, a := range actions {
				action, _ := a.(map[string]any)
				p.print(`<button class="button"`)
				p.attr("data-action", action["action"])
				p.print(`>`, templ.EscapeString(text(action["label"])), `</button>`)
			}
			p.print(`</div>`)
		}
		p.print(`</div></div>`)

	case "container":
		p.print(`<div class="container"`)
		p.attr("style", content["style"])
		p.print(`>`)
		children, _ := content["children"].([]any)
		for _, child := range children {
			m, ok := child.(map[string]any)
			if !ok {
				continue
			}
			childContent, _ := m["content"].(map[string]any)
			p.component(text(m["type"]), childContent, depth+1)
		}
		p.print(`</div>`)

	default:
		p.print(`<div class="unknown">Unknown component type: `, templ.EscapeString(typ), `</div>`)
	}
}

func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
