// Package lexical flattens notes saved by the Lexical rich-text editor into
// markdown for prompt context.
package lexical

import (
	"encoding/json"
	"strconv"
	"strings"
)

type document struct {
	Root node `json:"root"`
}

type node struct {
	Type     string      `json:"type"`
	Children []node      `json:"children,omitempty"`
	Text     string      `json:"text,omitempty"`
	Format   interface{} `json:"format,omitempty"` // bitmask on text, alignment on blocks
	Tag      string      `json:"tag,omitempty"`
	URL      string      `json:"url,omitempty"`
	ListType string      `json:"listType,omitempty"`
	Start    int         `json:"start,omitempty"`
	Checked  bool        `json:"checked,omitempty"`
}

const (
	formatBold   = 1
	formatItalic = 2
	formatCode   = 16
)

// ToMarkdown converts editor JSON to markdown. Content that is not editor
// JSON is returned unchanged.
func ToMarkdown(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, `{"root"`) {
		return content
	}

	var doc document
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return content
	}

	var sb strings.Builder
	for _, block := range doc.Root.Children {
		writeBlock(&sb, block, 0)
	}
	return strings.TrimSpace(sb.String())
}

func writeBlock(sb *strings.Builder, n node, depth int) {
	switch n.Type {
	case "heading":
		level := 1
		if len(n.Tag) == 2 && n.Tag[0] == 'h' {
			if l, err := strconv.Atoi(n.Tag[1:]); err == nil {
				level = l
			}
		}
		sb.WriteString(strings.Repeat("#", level) + " ")
		writeInline(sb, n.Children)
		sb.WriteString("\n\n")
	case "quote":
		sb.WriteString("> ")
		writeInline(sb, n.Children)
		sb.WriteString("\n\n")
	case "code":
		sb.WriteString("```\n")
		writeInline(sb, n.Children)
		sb.WriteString("\n```\n\n")
	case "list":
		writeList(sb, n, depth)
		if depth == 0 {
			sb.WriteString("\n")
		}
	case "table":
		writeTable(sb, n)
	case "horizontalrule":
		sb.WriteString("---\n\n")
	default:
		writeInline(sb, n.Children)
		if n.Text != "" {
			sb.WriteString(n.Text)
		}
		sb.WriteString("\n\n")
	}
}

func writeList(sb *strings.Builder, list node, depth int) {
	index := 1
	if list.Start > 0 {
		index = list.Start
	}
	for _, item := range list.Children {
		if item.Type != "listitem" {
			continue
		}
		sb.WriteString(strings.Repeat("  ", depth))
		switch list.ListType {
		case "number":
			sb.WriteString(strconv.Itoa(index) + ". ")
			index++
		case "check":
			if item.Checked {
				sb.WriteString("- [x] ")
			} else {
				sb.WriteString("- [ ] ")
			}
		default:
			sb.WriteString("- ")
		}

		var nested []node
		var inline []node
		for _, child := range item.Children {
			if child.Type == "list" {
				nested = append(nested, child)
			} else {
				inline = append(inline, child)
			}
		}
		writeInline(sb, inline)
		sb.WriteString("\n")
		for _, child := range nested {
			writeList(sb, child, depth+1)
		}
	}
}

// writeTable renders the first row as the header.
func writeTable(sb *strings.Builder, table node) {
	var rows [][]string
	cols := 0
	for _, row := range table.Children {
		if row.Type != "tablerow" {
			continue
		}
		var cells []string
		for _, cell := range row.Children {
			var cb strings.Builder
			for _, content := range cell.Children {
				writeInline(&cb, content.Children)
				cb.WriteString(" ")
			}
			cells = append(cells, strings.TrimSpace(cb.String()))
		}
		if len(cells) > cols {
			cols = len(cells)
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	writeRow := func(cells []string) {
		sb.WriteString("|")
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteString("\n")
	}
	writeRow(rows[0])
	sb.WriteString("|" + strings.Repeat("---|", cols) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	sb.WriteString("\n")
}

func writeInline(sb *strings.Builder, nodes []node) {
	for _, n := range nodes {
		switch n.Type {
		case "text", "code-highlight":
			sb.WriteString(decorate(n.Text, textFormat(n.Format)))
		case "linebreak":
			sb.WriteString("\n")
		case "link", "autolink":
			sb.WriteString("[")
			writeInline(sb, n.Children)
			sb.WriteString("](" + n.URL + ")")
		default:
			writeInline(sb, n.Children)
		}
	}
}

func textFormat(v interface{}) int {
	switch f := v.(type) {
	case float64:
		return int(f)
	case int:
		return f
	}
	return 0
}

func decorate(text string, format int) string {
	if text == "" {
		return text
	}
	if format&formatCode != 0 {
		return "`" + text + "`"
	}
	if format&formatItalic != 0 {
		text = "_" + text + "_"
	}
	if format&formatBold != 0 {
		text = "**" + text + "**"
	}
	return text
}
