package source

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	h1Regex       = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	wikiLinkRegex = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
	commentRegex  = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Markdown strips YAML frontmatter and HTML comments, flattens
// [[wiki-style]] links to their label and takes the title from the
// frontmatter or the first h1.
func Markdown(data []byte) (Document, error) {
	doc, err := PlainText(data)
	if err != nil {
		return Document{}, err
	}
	content := strings.ReplaceAll(doc.Text, "\r\n", "\n")

	doc.Frontmatter = make(map[string]any)
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx >= 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			content = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil {
				// Ignore YAML errors, just use empty frontmatter
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	content = commentRegex.ReplaceAllString(content, "")
	content = wikiLinkRegex.ReplaceAllStringFunc(content, func(m string) string {
		parts := wikiLinkRegex.FindStringSubmatch(m)
		if parts[2] != "" {
			return strings.TrimSpace(parts[2])
		}
		return strings.TrimSpace(parts[1])
	})

	doc.Title = extractTitle(doc.Frontmatter, content)
	doc.Text = strings.TrimSpace(content)
	return doc, nil
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}
