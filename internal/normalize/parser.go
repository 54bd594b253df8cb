// Package normalize turns upstream article HTML into the structured article
// model. The document is first flattened into a typed node stream (headings,
// paragraphs, list items); every extraction rule then runs over that stream.
package normalize

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/grokipedia-api/internal/article"
)

// DefaultMinSummaryChars is the length a block needs to count as substantial.
const DefaultMinSummaryChars = 200

var (
	summarySkipPrefixes = []string{"Jump to", "From ", "Fact-checked by"}

	referenceHeading = regexp.MustCompile(`(?i)^(references?|sources|citations|notes|bibliography|external links)$`)
	factCheckMeta    = regexp.MustCompile(`Fact-checked by (.+?)(?:\.\s|\.$|$)`)
	factCheckText    = regexp.MustCompile(`(?i)fact-checked by\s+(.+)`)
	articlesCount    = regexp.MustCompile(`Articles Available\s*([\d,]+)`)
)

// Config tunes the parser.
type Config struct {
	MinSummaryChars int
}

// Parser implements article.Parser.
type Parser struct {
	minSummary int
}

// New constructs a Parser.
func New(cfg Config) *Parser {
	if cfg.MinSummaryChars <= 0 {
		cfg.MinSummaryChars = DefaultMinSummaryChars
	}
	return &Parser{minSummary: cfg.MinSummaryChars}
}

// Parse normalizes raw into an Article. sourceURL is the page's canonical URL
// and also identifies which links are internal.
func (p *Parser) Parse(raw []byte, slug, sourceURL string) (article.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return article.Article{}, &article.ParseError{Slug: slug, Reason: fmt.Sprintf("read html: %v", err)}
	}

	title := collapse(doc.Find("h1").First().Text())
	if title == "" {
		title = collapse(metaContent(doc, "og:title"))
	}
	if title == "" {
		return article.Article{}, &article.ParseError{Slug: slug, Reason: "no title heading"}
	}

	meta := article.Metadata{
		FactChecked: factChecked(doc),
		LastUpdated: lastUpdated(doc),
	}
	description := metaContent(doc, "og:description")
	if description == "" {
		description = metaContent(doc, "description")
	}

	nodes := flatten(contentRoot(doc))
	if !hasContent(nodes) {
		return article.Article{}, &article.ParseError{Slug: slug, Reason: "no content blocks"}
	}
	hasRefHeading := markReferenceSections(nodes)

	sections := extractSections(nodes)
	toc := make([]string, len(sections))
	for i, s := range sections {
		toc[i] = s.Title
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Text
	}
	full := strings.Join(texts, "\n")
	meta.WordCount = len(strings.Fields(full))

	return article.Article{
		Title:           title,
		Slug:            slug,
		URL:             sourceURL,
		Summary:         p.summary(nodes, description),
		FullContent:     full,
		Sections:        sections,
		TableOfContents: toc,
		References:      extractReferences(nodes, hasRefHeading, upstreamHost(sourceURL)),
		Metadata:        meta,
	}, nil
}

func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"article", "main", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

func hasContent(nodes []Node) bool {
	for _, n := range nodes {
		if n.Kind != KindHeading {
			return true
		}
	}
	return false
}

// markReferenceSections flags nodes under a references-style heading up to
// the next heading of the same or shallower rank. It reports whether any such
// heading was seen.
func markReferenceSections(nodes []Node) bool {
	refLevel := 0
	seen := false
	for i := range nodes {
		n := &nodes[i]
		if n.Kind == KindHeading {
			switch {
			case referenceHeading.MatchString(n.Text):
				refLevel = n.Level
				seen = true
				continue
			case refLevel != 0 && n.Level <= refLevel:
				refLevel = 0
			}
		}
		if refLevel != 0 {
			n.InReferences = true
		}
	}
	return seen
}

// extractSections builds one section per h2-h6 heading. Levels are assigned
// from the nesting depth so that skipped ranks (h2 then h4) still nest by one.
func extractSections(nodes []Node) []article.Section {
	var (
		sections []article.Section
		stack    []int
	)
	for i, n := range nodes {
		if n.Kind != KindHeading {
			continue
		}
		if n.Level < article.MinSectionLevel {
			stack = stack[:0]
			continue
		}
		for len(stack) > 0 && stack[len(stack)-1] >= n.Level {
			stack = stack[:len(stack)-1]
		}
		depth := min(len(stack)+article.MinSectionLevel, article.MaxSectionLevel)
		stack = append(stack, n.Level)

		var body []string
		for _, next := range nodes[i+1:] {
			if next.Kind == KindHeading && next.Level <= n.Level {
				break
			}
			body = append(body, next.Text)
		}
		sections = append(sections, article.Section{
			Title:   n.Text,
			Content: strings.Join(body, "\n"),
			Level:   depth,
		})
	}
	return sections
}

func (p *Parser) summary(nodes []Node, description string) string {
	for _, n := range nodes {
		if n.Kind != KindParagraph || n.InReferences {
			continue
		}
		if utf8.RuneCountInString(n.Text) >= p.minSummary && !boilerplate(n.Text) {
			return n.Text
		}
	}
	if d := collapse(description); d != "" {
		return d
	}
	for _, n := range nodes {
		if n.Kind == KindParagraph && !n.InReferences && !boilerplate(n.Text) {
			return n.Text
		}
	}
	return ""
}

func boilerplate(text string) bool {
	for _, prefix := range summarySkipPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// extractReferences collects external links from reference regions. Only a
// page with no reference region at all falls back to every external link.
func extractReferences(nodes []Node, hasRefHeading bool, host string) []string {
	collect := func(inRefs bool) []string {
		seen := make(map[string]struct{})
		var out []string
		for _, n := range nodes {
			if inRefs && !n.InReferences {
				continue
			}
			for _, link := range n.Links {
				if isInternal(link, host) {
					continue
				}
				if _, dup := seen[link]; dup {
					continue
				}
				seen[link] = struct{}{}
				out = append(out, link)
			}
		}
		return out
	}
	if hasRefHeading || slices.ContainsFunc(nodes, func(n Node) bool { return n.InReferences }) {
		return collect(true)
	}
	return collect(false)
}

func upstreamHost(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func isInternal(link, host string) bool {
	if host == "" {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	h := strings.ToLower(u.Hostname())
	return h == host || strings.HasSuffix(h, "."+host)
}

func metaContent(doc *goquery.Document, key string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

func factChecked(doc *goquery.Document) string {
	if m := factCheckMeta.FindStringSubmatch(metaContent(doc, "og:description")); m != nil {
		return strings.TrimSpace(m[1])
	}
	var found string
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		m := factCheckText.FindStringSubmatch(collapse(s.Text()))
		if m == nil {
			return true
		}
		found = strings.TrimSuffix(strings.TrimSpace(m[1]), ".")
		return false
	})
	return found
}

func lastUpdated(doc *goquery.Document) string {
	if v := metaContent(doc, "article:modified_time"); v != "" {
		return v
	}
	v, _ := doc.Find("time[datetime]").First().Attr("datetime")
	return strings.TrimSpace(v)
}

// ParseStats reads the article count from the upstream home page.
func ParseStats(raw []byte) (int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return 0, &article.ParseError{Reason: fmt.Sprintf("read html: %v", err)}
	}
	var texts []string
	doc.Find("body, body *").Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#text" {
			texts = append(texts, s.Text())
		}
	})
	m := articlesCount.FindStringSubmatch(collapse(strings.Join(texts, " ")))
	if m == nil {
		return 0, &article.ParseError{Reason: "article count not found"}
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0, &article.ParseError{Reason: fmt.Sprintf("article count %q: %v", m[1], err)}
	}
	return n, nil
}
