package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/security"
)

const (
	siteURL    = "https://news.ycombinator.com"
	dateLayout = "2006 Jan 02 15:04:05"
	deleted    = "[deleted]"
)

const pageStyle = `
.comment, .job, .poll, .pollopt, .story { padding-left: 20px; margin: 4px 4px 4px 0; }
.job, .poll, .story { border: 2px solid blue; }
body > .story + .comment, body > .comment + .comment { margin-top: 10px; }
.comment, .pollopt { border: 1px solid black; }
`

// Renderer はツリーをHTMLページに変換する。
type Renderer struct {
	sanitizer security.TextSanitizerService
}

// NewRenderer はRendererを生成する。
func NewRenderer(sanitizer security.TextSanitizerService) *Renderer {
	return &Renderer{sanitizer: sanitizer}
}

// RenderPage はツリーをHTMLドキュメントとしてwに書き出す。
// story/pollの場合、コメントツリーは本体の後ろに並べる。
func (r *Renderer) RenderPage(w io.Writer, tree *Tree) error {
	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})

	root := element(atom.Html)
	doc.AppendChild(root)

	head := element(atom.Head)
	head.AppendChild(element(atom.Meta, "charset", "utf-8"))
	head.AppendChild(withText(element(atom.Title), pageTitle(tree.Item)))
	head.AppendChild(withText(element(atom.Style), pageStyle))
	root.AppendChild(head)

	body := element(atom.Body)
	root.AppendChild(body)

	item := tree.Item
	switch item.Type {
	case "comment":
		body.AppendChild(r.commentTree(tree))
	case "job":
		body.AppendChild(r.job(item))
	case "poll":
		body.AppendChild(r.poll(item, tree.Options))
		for _, child := range tree.Children {
			body.AppendChild(r.commentTree(child))
		}
	default:
		body.AppendChild(r.story(item))
		for _, child := range tree.Children {
			body.AppendChild(r.commentTree(child))
		}
	}

	if err := html.Render(w, doc); err != nil {
		return fmt.Errorf("failed to render item %d: %w", item.ID, err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (r *Renderer) commentTree(tree *Tree) *html.Node {
	div := r.comment(tree.Item)
	for _, child := range tree.Children {
		div.AppendChild(r.commentTree(child))
	}
	return div
}

func (r *Renderer) comment(item *model.Item) *html.Node {
	div := itemDiv(item)

	meta := element(atom.P)
	author := item.Author
	if author == "" {
		author = deleted
	}
	meta.AppendChild(userLink(author))
	meta.AppendChild(text(" | "))
	meta.AppendChild(dateLink(item))
	div.AppendChild(meta)

	body := item.Text
	if body == "" {
		body = deleted
	}
	r.appendText(div, body)
	return div
}

func (r *Renderer) job(item *model.Item) *html.Node {
	div := itemDiv(item)
	div.AppendChild(withText(element(atom.H1), item.Title))
	if item.Text != "" {
		r.appendText(div, item.Text)
	}
	return div
}

func (r *Renderer) poll(item *model.Item, options []*model.Item) *html.Node {
	div := r.story(item)
	for _, opt := range options {
		div.AppendChild(r.pollOption(opt))
	}
	return div
}

func (r *Renderer) pollOption(item *model.Item) *html.Node {
	div := itemDiv(item)
	r.appendText(div, item.Text)
	div.AppendChild(withText(element(atom.P), points(item)))
	return div
}

func (r *Renderer) story(item *model.Item) *html.Node {
	div := itemDiv(item)

	h := element(atom.H1)
	if item.URL != "" {
		h.AppendChild(withText(element(atom.A, "href", item.URL), item.Title))
	} else {
		h.AppendChild(text(item.Title))
	}
	div.AppendChild(h)

	if item.Text != "" {
		r.appendText(div, item.Text)
	}

	meta := element(atom.P)
	meta.AppendChild(userLink(item.Author))
	meta.AppendChild(text(" | "))
	meta.AppendChild(dateLink(item))
	meta.AppendChild(text(" | "))
	meta.AppendChild(withText(element(atom.Span), points(item)))
	div.AppendChild(meta)
	return div
}

// appendText は本文を段落に整形・サニタイズしてparentに追加する。
// パースできない場合はプレーンテキストとして追加する。
func (r *Renderer) appendText(parent *html.Node, body string) {
	clean := r.sanitizer.Sanitize(security.FixParagraphs(body))
	nodes, err := html.ParseFragment(strings.NewReader(clean), element(atom.Div))
	if err != nil {
		parent.AppendChild(text(body))
		return
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
}

func pageTitle(item *model.Item) string {
	if item.Title != "" {
		return item.Title
	}
	return "Item " + strconv.FormatInt(item.ID, 10)
}

func points(item *model.Item) string {
	score := 0
	if item.Score != nil {
		score = *item.Score
	}
	return strconv.Itoa(score) + " points"
}

func itemDiv(item *model.Item) *html.Node {
	return element(atom.Div, "class", item.Type, "id", strconv.FormatInt(item.ID, 10))
}

func userLink(author string) *html.Node {
	return withText(element(atom.A, "href", siteURL+"/user?id="+author), author)
}

func dateLink(item *model.Item) *html.Node {
	href := siteURL + "/item?id=" + strconv.FormatInt(item.ID, 10)
	return withText(element(atom.A, "href", href), item.CreatedAt.UTC().Format(dateLayout))
}

// element はキーと値の組で属性を指定して要素ノードを作る。
func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func withText(n *html.Node, s string) *html.Node {
	n.AppendChild(text(s))
	return n
}
