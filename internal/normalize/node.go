package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind tags a node in the flattened document.
type Kind int

// Node kinds produced by the walker.
const (
	KindHeading Kind = iota + 1
	KindParagraph
	KindListItem
)

func (k Kind) String() string {
	switch k {
	case KindHeading:
		return "heading"
	case KindParagraph:
		return "paragraph"
	case KindListItem:
		return "list_item"
	default:
		return "unknown"
	}
}

// Node is one block of text in document order.
type Node struct {
	Kind Kind
	// Level is the raw heading rank (1 for h1); zero for other kinds.
	Level int
	Text  string
	// Links holds absolute http(s) URLs found in the block.
	Links []string
	// InReferences marks blocks inside a reference or citation region.
	InReferences bool
}

const boilerplateSelector = "script, style, nav, header, footer, button, aside, noscript, form, template, svg, iframe"

var (
	leafBlocks = map[string]Kind{
		"p":          KindParagraph,
		"blockquote": KindParagraph,
		"pre":        KindParagraph,
		"figcaption": KindParagraph,
		"caption":    KindParagraph,
		"dt":         KindParagraph,
		"dd":         KindParagraph,
		"td":         KindParagraph,
		"th":         KindParagraph,
		"li":         KindListItem,
	}
	headingLevels = map[string]int{"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6}

	blockSelector = "p, blockquote, pre, figcaption, caption, dt, dd, td, th, li, h1, h2, h3, h4, h5, h6, div, section, article, main, ul, ol, dl, table, figure"

	referenceMarker = regexp.MustCompile(`(?i)reference|citation|footnote|bibliograph`)
)

// walker flattens a DOM subtree into Nodes. Inline content between blocks is
// gathered into synthetic paragraphs.
type walker struct {
	nodes   []Node
	pending []string
	links   []string
	refs    int
}

func (w *walker) walk(sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		if name == "#text" {
			w.pending = append(w.pending, c.Text())
			return
		}
		if name == "#comment" || name == "" {
			return
		}

		if level, ok := headingLevels[name]; ok {
			w.flush()
			w.emit(Node{Kind: KindHeading, Level: level, Text: c.Text()}, c)
			return
		}
		if kind, ok := leafBlocks[name]; ok {
			w.flush()
			w.leaf(kind, c)
			return
		}
		if name == "a" || (c.Find(blockSelector).Length() == 0 && !isContainer(name)) {
			w.pending = append(w.pending, c.Text())
			w.links = append(w.links, w.hrefs(c)...)
			return
		}

		w.flush()
		marked := isReferenceContainer(c)
		if marked {
			w.refs++
		}
		w.walk(c)
		w.flush()
		if marked {
			w.refs--
		}
	})
}

func (w *walker) leaf(kind Kind, c *goquery.Selection) {
	if kind != KindListItem {
		w.emit(Node{Kind: kind, Text: c.Text()}, c)
		return
	}
	own := c.Clone()
	own.Find("ul, ol").Remove()
	w.emit(Node{Kind: KindListItem, Text: own.Text()}, own)
	c.ChildrenFiltered("ul, ol").Each(func(_ int, list *goquery.Selection) {
		w.walk(list)
	})
}

func (w *walker) emit(n Node, src *goquery.Selection) {
	n.Text = collapse(n.Text)
	if n.Text == "" {
		return
	}
	n.Links = w.hrefs(src)
	n.InReferences = w.refs > 0 || isReferenceContainer(src)
	w.nodes = append(w.nodes, n)
}

func (w *walker) flush() {
	text := collapse(strings.Join(w.pending, " "))
	links := w.links
	w.pending, w.links = nil, nil
	if text == "" {
		return
	}
	w.nodes = append(w.nodes, Node{Kind: KindParagraph, Text: text, Links: links, InReferences: w.refs > 0})
}

// hrefs returns the absolute http(s) links in sel, including sel itself.
func (w *walker) hrefs(sel *goquery.Selection) []string {
	var out []string
	sel.Find("a[href]").AddSelection(sel.Filter("a[href]")).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if abs, ok := absoluteHTTP(href); ok {
			out = append(out, abs)
		}
	})
	return out
}

func absoluteHTTP(href string) (string, bool) {
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return href, true
}

func isContainer(name string) bool {
	switch name {
	case "div", "section", "article", "main", "body", "ul", "ol", "dl", "table", "thead", "tbody", "tfoot", "tr", "figure", "details":
		return true
	}
	return false
}

func isReferenceContainer(sel *goquery.Selection) bool {
	for _, attr := range []string{"id", "class", "role"} {
		if v, ok := sel.Attr(attr); ok && referenceMarker.MatchString(v) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// flatten removes boilerplate from root and returns its nodes.
func flatten(root *goquery.Selection) []Node {
	root.Find(boilerplateSelector).Remove()
	w := &walker{}
	w.walk(root)
	w.flush()
	return w.nodes
}
