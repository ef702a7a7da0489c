package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var pageTemplate = template.Must(template.New("page").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("Jan 2, 2006")
	},
}).Parse(pageHTML))

// TemplateData holds data for page template rendering.
type TemplateData struct {
	Title       string
	Author      string
	UpdatedAt   time.Time
	ServerName  string
	FeatureName string
	Tags        []string
	Blocks      []Block
}

// Block is one rendered unit of page text.
type Block struct {
	Kind  string // "h1", "h2", "h3", "p" or "ul"
	Text  string
	Items []string
}

// RenderPageHTML renders the page template with provided data.
func RenderPageHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ParseBlocks splits wiki text into headings, bullet lists and paragraphs.
// Blank lines end a paragraph; "# ", "## " and "### " open headings; "- "
// and "* " lines form a list.
func ParseBlocks(text string) []Block {
	blocks := make([]Block, 0)
	var para []string
	var list []string

	flushPara := func() {
		if len(para) > 0 {
			blocks = append(blocks, Block{Kind: "p", Text: strings.Join(para, " ")})
			para = nil
		}
	}
	flushList := func() {
		if len(list) > 0 {
			blocks = append(blocks, Block{Kind: "ul", Items: list})
			list = nil
		}
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flushPara()
			flushList()
		case strings.HasPrefix(line, "### "):
			flushPara()
			flushList()
			blocks = append(blocks, Block{Kind: "h3", Text: strings.TrimSpace(line[4:])})
		case strings.HasPrefix(line, "## "):
			flushPara()
			flushList()
			blocks = append(blocks, Block{Kind: "h2", Text: strings.TrimSpace(line[3:])})
		case strings.HasPrefix(line, "# "):
			flushPara()
			flushList()
			blocks = append(blocks, Block{Kind: "h1", Text: strings.TrimSpace(line[2:])})
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			flushPara()
			list = append(list, strings.TrimSpace(line[2:]))
		default:
			flushList()
			para = append(para, line)
		}
	}
	flushPara()
	flushList()
	return blocks
}

const pageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1.title { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .tag { display: inline-block; background: #eee; border-radius: 3px; padding: 0 0.4rem; margin-right: 0.3rem; }
  </style>
</head>
<body>
  <h1 class="title">{{.Title}}</h1>
  <div class="meta">{{.ServerName}} / {{.FeatureName}}{{if .Author}} | {{.Author}}{{end}}{{with formatDate .UpdatedAt}} | {{.}}{{end}}</div>
  {{range .Blocks}}{{if eq .Kind "ul"}}<ul>{{range .Items}}<li>{{.}}</li>{{end}}</ul>
  {{else if eq .Kind "h1"}}<h1>{{.Text}}</h1>
  {{else if eq .Kind "h2"}}<h2>{{.Text}}</h2>
  {{else if eq .Kind "h3"}}<h3>{{.Text}}</h3>
  {{else}}<p>{{.Text}}</p>
  {{end}}{{end}}
  {{if .Tags}}<div class="tags">{{range .Tags}}<span class="tag">{{.}}</span>{{end}}</div>{{end}}
</body>
</html>`
