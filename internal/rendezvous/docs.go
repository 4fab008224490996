package rendezvous

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed docs/*.md
var docsFS embed.FS

//go:embed assets/docs.html
var docsPage string

var docsTmpl = template.Must(template.New("docs").Parse(docsPage))

type docPage struct {
	Slug  string
	Title string
	Body  template.HTML
}

// DocSite is the protocol documentation, rendered once at startup.
type DocSite struct {
	pages  []docPage
	bySlug map[string]int
}

type docsVM struct {
	Title   string
	Pages   []docPage
	Current docPage
	Prev    *docPage
	Next    *docPage
}

func newDocSite() *DocSite {
	site, err := loadDocs(docsFS, "docs/*.md")
	if err != nil {
		log.Warnw("docs unavailable", "err", err)
		return &DocSite{bySlug: map[string]int{}}
	}
	return site
}

// loadDocs renders every file matching pattern. Files are named NN-slug.md
// and appear in lexical order.
func loadDocs(fsys fs.FS, pattern string) (*DocSite, error) {
	names, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	site := &DocSite{bySlug: make(map[string]int, len(names))}

	for _, name := range names {
		src, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		if err := md.Convert(src, &out); err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		slug := pageSlug(name)
		site.bySlug[slug] = len(site.pages)
		site.pages = append(site.pages, docPage{
			Slug:  slug,
			Title: pageTitle(src, slug),
			Body:  template.HTML(out.String()),
		})
	}
	return site, nil
}

func pageSlug(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".md")
	if _, rest, ok := strings.Cut(base, "-"); ok && rest != "" {
		return rest
	}
	return base
}

// pageTitle is the first level-one heading, or fallback.
func pageTitle(src []byte, fallback string) string {
	sc := bufio.NewScanner(bytes.NewReader(src))
	for sc.Scan() {
		if t, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "# "); ok {
			return strings.TrimSpace(t)
		}
	}
	return fallback
}

func (s *Server) handleDocsRedirect(w http.ResponseWriter, r *http.Request) {
	if len(s.docs.pages) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/docs/"+s.docs.pages[0].Slug, http.StatusFound)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slug := strings.TrimPrefix(r.URL.Path, "/docs/")
	if slug == "" {
		s.handleDocsRedirect(w, r)
		return
	}
	i, ok := s.docs.bySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}

	pages := s.docs.pages
	vm := docsVM{Title: pages[i].Title, Pages: pages, Current: pages[i]}
	if i > 0 {
		vm.Prev = &pages[i-1]
	}
	if i+1 < len(pages) {
		vm.Next = &pages[i+1]
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	if err := docsTmpl.Execute(w, vm); err != nil {
		log.Warnw("rendering docs page", "slug", slug, "err", err)
	}
}
