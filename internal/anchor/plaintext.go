package anchor

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// Flatten renders markdown down to the plain text a reader sees, with block
// boundaries as single newlines. Anchors are always computed against this
// flattened form so offsets line up regardless of intervening markup.
func Flatten(markdown string) string {
	source := []byte(markdown)
	parser := goldmark.New().Parser()
	root := parser.Parse(gtext.NewReader(source))

	var buf strings.Builder
	_ = ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if node.Type() == ast.TypeBlock && node.Kind() != ast.KindDocument {
				if buf.Len() > 0 && !strings.HasSuffix(buf.String(), "\n") {
					buf.WriteByte('\n')
				}
			}
			return ast.WalkContinue, nil
		}

		switch typed := node.(type) {
		case *ast.Text:
			buf.Write(typed.Segment.Value(source))
			if typed.SoftLineBreak() || typed.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(typed.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				segment := lines.At(i)
				buf.Write(segment.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimRight(buf.String(), "\n")
}
