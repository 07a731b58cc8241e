package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><style>body{color:red}</style>
<script>alert("hi")</script></head><body>
<nav><a href="/">home</a></nav>
<h1>Release Notes</h1>
<p>Version <strong>2.0</strong> is <em>out</em>.</p>
<ul><li>faster</li><li>smaller</li></ul>
<p>See <a href="https://example.com/docs">the docs</a> &amp; more.</p>
<footer>copyright</footer>
</body></html>`

	md := htmlToMarkdown(html)
	assert.Contains(t, md, "# Release Notes")
	assert.Contains(t, md, "**2.0**")
	assert.Contains(t, md, "*out*")
	assert.Contains(t, md, "- faster")
	assert.Contains(t, md, "[the docs](https://example.com/docs)")
	assert.Contains(t, md, "& more")
	assert.NotContains(t, md, "alert")
	assert.NotContains(t, md, "color:red")
	assert.NotContains(t, md, "home")
	assert.NotContains(t, md, "copyright")
}

func TestHTMLToMarkdownCodeBlocks(t *testing.T) {
	md := htmlToMarkdown(`<pre>func main() {}</pre> and <code>go run</code>`)
	assert.Contains(t, md, "```\nfunc main() {}\n```")
	assert.Contains(t, md, "`go run`")
}

func TestHTMLToText(t *testing.T) {
	text := htmlToText(`<p>First &lt;line&gt;</p><br><div>Second   line</div>`)
	assert.Equal(t, "First <line>\nSecond line", text)
}

func TestPrettyJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", prettyJSON([]byte(`{"a":1}`)))
	// non-JSON passes through untouched
	assert.Equal(t, "not json", prettyJSON([]byte("not json")))
}
