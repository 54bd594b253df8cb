// Package article defines the core types and contracts shared by the retrieval
// pipeline: the structured article model, the upstream fetch/parse contracts,
// and the stable error taxonomy surfaced to callers.
package article

import "time"

// Section levels are bounded to the h2..h6 range.
const (
	MinSectionLevel = 2
	MaxSectionLevel = 6
)

// Section is a headed block of an article.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Level   int    `json:"level"`
}

// Metadata carries provenance details extracted alongside the article body.
type Metadata struct {
	FactChecked string `json:"fact_checked,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`
	WordCount   int    `json:"word_count"`
}

// Article is the structured representation of one upstream page.
type Article struct {
	Title           string    `json:"title"`
	Slug            string    `json:"slug"`
	URL             string    `json:"url"`
	Summary         string    `json:"summary"`
	FullContent     string    `json:"full_content"`
	Sections        []Section `json:"sections"`
	TableOfContents []string  `json:"table_of_contents"`
	References      []string  `json:"references"`
	Metadata        Metadata  `json:"metadata"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// Clone returns a deep copy so cached values are never shared with callers.
func (a Article) Clone() Article {
	cp := a
	if a.Sections != nil {
		cp.Sections = make([]Section, len(a.Sections))
		copy(cp.Sections, a.Sections)
	}
	cp.TableOfContents = cloneStrings(a.TableOfContents)
	cp.References = cloneStrings(a.References)
	return cp
}

// Summary is the lightweight projection served by the summary endpoint.
type Summary struct {
	Title           string    `json:"title"`
	Slug            string    `json:"slug"`
	URL             string    `json:"url"`
	Summary         string    `json:"summary"`
	TableOfContents []string  `json:"table_of_contents"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// SectionResult pairs a single section with the article it came from.
type SectionResult struct {
	ArticleTitle string  `json:"article_title"`
	URL          string  `json:"url"`
	Section      Section `json:"section"`
}

// Stats reports figures scraped from the upstream home page.
type Stats struct {
	ArticlesAvailable int       `json:"articles_available"`
	ScrapedAt         time.Time `json:"scraped_at"`
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
