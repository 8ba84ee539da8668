package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToMarkdownPassesPlainTextThrough(t *testing.T) {
	assert.Equal(t, "just text", ToMarkdown("just text"))
	assert.Equal(t, `{"root": broken`, ToMarkdown(`{"root": broken`))
}

func TestToMarkdownConvertsBlocks(t *testing.T) {
	doc := `{"root":{"type":"root","children":[
		{"type":"heading","tag":"h2","children":[{"type":"text","text":"Normal forms"}]},
		{"type":"paragraph","children":[
			{"type":"text","text":"A table is in "},
			{"type":"text","text":"3NF","format":1},
			{"type":"text","text":" when "},
			{"type":"link","url":"https://example.com/3nf","children":[{"type":"text","text":"no transitive dependency"}]},
			{"type":"text","text":" exists."}
		]},
		{"type":"list","listType":"number","children":[
			{"type":"listitem","children":[{"type":"text","text":"1NF"}]},
			{"type":"listitem","children":[
				{"type":"text","text":"2NF"},
				{"type":"list","listType":"bullet","children":[{"type":"listitem","children":[{"type":"text","text":"no partial keys"}]}]}
			]}
		]},
		{"type":"table","children":[
			{"type":"tablerow","children":[
				{"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"Form"}]}]},
				{"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"Rule"}]}]}
			]},
			{"type":"tablerow","children":[
				{"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"BCNF","format":16}]}]}
			]}
		]}
	]}}`

	want := "## Normal forms\n\n" +
		"A table is in **3NF** when [no transitive dependency](https://example.com/3nf) exists.\n\n" +
		"1. 1NF\n" +
		"2. 2NF\n" +
		"  - no partial keys\n" +
		"\n" +
		"| Form | Rule |\n" +
		"|---|---|\n" +
		"| `BCNF` |  |"

	assert.Equal(t, want, ToMarkdown(doc))
}
