// Package format renders artist folders, post folders and file names from
// operator templates. All substitution values pass through Sanitize so the
// result is a legal path component on common filesystems.
package format

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ArtistFolderParams feeds the {service}/{name}/{alias}/{user_id}/{last_date}
// placeholders of the artist folder template.
type ArtistFolderParams struct {
	Service  string
	Name     string
	Alias    string
	UserID   string
	LastDate string
}

// PostFolderParams feeds the {id}/{user}/{service}/{title}/{published}
// placeholders of the post folder template.
type PostFolderParams struct {
	ID        string
	User      string
	Service   string
	Title     string
	Published string
}

// FileParams feeds the {idx}/{index}/{name}/{filename} placeholders of the
// file name template.
type FileParams struct {
	Name string
	Idx  int
}

// Hooks rewrites formatter params in place before rendering. Implementations
// must be safe for concurrent use; a nil Hooks disables rewriting.
type Hooks interface {
	RewriteArtist(p *ArtistFolderParams)
	RewritePost(p *PostFolderParams)
	RewriteFile(p *FileParams)
}

// Engine couples the pure formatters with an optional rewrite hook source.
// Downloader, Migrator and Validator must share one Engine so rendered paths
// agree across components.
type Engine struct {
	hooks Hooks
}

func NewEngine(hooks Hooks) *Engine {
	return &Engine{hooks: hooks}
}

func (e *Engine) ArtistFolder(p ArtistFolderParams, tmpl string) (string, error) {
	if e.hooks != nil {
		e.hooks.RewriteArtist(&p)
	}
	return FormatArtistFolder(p, tmpl)
}

func (e *Engine) PostFolder(p PostFolderParams, tmpl, dateFormat string) (string, error) {
	if e.hooks != nil {
		e.hooks.RewritePost(&p)
	}
	return FormatPostFolder(p, tmpl, dateFormat)
}

func (e *Engine) FileName(p FileParams, tmpl string) (string, error) {
	if e.hooks != nil {
		e.hooks.RewriteFile(&p)
	}
	return FormatFileName(p, tmpl)
}

func (e *Engine) FilesNames(names []string, tmpl string, renameImagesOnly bool, imageExts []string) ([]string, error) {
	return formatNames(names, tmpl, renameImagesOnly, imageExts, e.FileName)
}

// FormatArtistFolder renders the first path level. An empty alias falls back
// to the name; last_date is truncated to its date prefix.
func FormatArtistFolder(p ArtistFolderParams, tmpl string) (string, error) {
	name := Sanitize(p.Name)
	alias := ""
	if p.Alias != "" {
		alias = Sanitize(p.Alias)
	}
	if alias == "" {
		alias = name
	}
	lastDate := p.LastDate
	if len(lastDate) > 10 {
		lastDate = lastDate[:10]
	}
	return render(tmpl, map[string]string{
		"service":   Sanitize(p.Service),
		"name":      name,
		"alias":     alias,
		"user_id":   Sanitize(p.UserID),
		"last_date": lastDate,
	})
}

// FormatPostFolder renders the second path level. published is reparsed from
// ISO-8601 and reformatted with dateFormat; if it does not parse, its first
// ten characters are used as-is.
func FormatPostFolder(p PostFolderParams, tmpl, dateFormat string) (string, error) {
	return render(tmpl, map[string]string{
		"id":        Sanitize(p.ID),
		"user":      Sanitize(p.User),
		"service":   Sanitize(p.Service),
		"title":     Sanitize(p.Title),
		"published": formatDate(p.Published, dateFormat),
	})
}

// FormatFileName renders one file name. If the rendered name carries no
// extension and the original does, the original extension is appended.
func FormatFileName(p FileParams, tmpl string) (string, error) {
	name, err := render(tmpl, map[string]string{
		"idx":      strconv.Itoa(p.Idx),
		"index":    fmt.Sprintf("%03d", p.Idx),
		"name":     Sanitize(p.Name),
		"filename": Sanitize(p.Name),
	})
	if err != nil {
		return "", err
	}
	if !strings.Contains(name, ".") && strings.Contains(p.Name, ".") {
		name = name + "." + p.Name[strings.LastIndexByte(p.Name, '.')+1:]
	}
	return name, nil
}

// FormatFilesNames renders a post's file list with two counters: a global
// index over all files and an image-only index. With renameImagesOnly set,
// non-image files keep their sanitised original name and images are numbered
// by the image-only counter.
func FormatFilesNames(names []string, tmpl string, renameImagesOnly bool, imageExts []string) ([]string, error) {
	return formatNames(names, tmpl, renameImagesOnly, imageExts, FormatFileName)
}

func formatNames(names []string, tmpl string, renameImagesOnly bool, imageExts []string, formatOne func(FileParams, string) (string, error)) ([]string, error) {
	formatted := make([]string, 0, len(names))
	imageIndex := 0
	for i, original := range names {
		isImage := hasExt(original, imageExts)
		if renameImagesOnly && !isImage {
			formatted = append(formatted, Sanitize(original))
			continue
		}
		idx := i
		if renameImagesOnly && isImage {
			idx = imageIndex
		}
		if isImage {
			imageIndex++
		}
		name, err := formatOne(FileParams{Name: original, Idx: idx}, tmpl)
		if err != nil {
			return nil, err
		}
		formatted = append(formatted, name)
	}
	return formatted, nil
}

var (
	spaceRuns   = regexp.MustCompile(" +")
	placeholder = regexp.MustCompile(`\{[a-z_]+\}`)
)

// fullwidth maps characters forbidden in Windows path components to their
// full-width analogues.
var fullwidth = map[rune]rune{
	'/':  '／',
	'\\': '＼',
	':':  '：',
	'*':  '＊',
	'?':  '？',
	'"':  '＂',
	'<':  '＜',
	'>':  '＞',
	'|':  '｜',
}

// Sanitize makes a string safe as a single path component. Control and
// zero-width characters are dropped, exotic spaces become ASCII spaces and
// collapse, leading/trailing spaces and dots are trimmed, and forbidden
// punctuation is mapped to full-width forms. The result is never empty.
func Sanitize(text string) string {
	if text == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r < 0x20 || r == 0x7F:
			// ASCII control characters, including tab and newlines
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			// zero-width characters
		case r == '\u200e' || r == '\u200f':
			// direction marks
		case r == '\u3000' || r == '\u00a0' || r == '\u2003' || r == '\u2002':
			b.WriteByte(' ')
		default:
			if repl, ok := fullwidth[r]; ok {
				b.WriteRune(repl)
			} else {
				b.WriteRune(r)
			}
		}
	}
	s := spaceRuns.ReplaceAllString(b.String(), " ")
	s = strings.Trim(s, " .")
	if s == "" {
		return "unknown"
	}
	return s
}

func render(tmpl string, vars map[string]string) (string, error) {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	if m := placeholder.FindString(out); m != "" {
		return "", fmt.Errorf("unknown placeholder %s in template %q", m, tmpl)
	}
	return out, nil
}

var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func formatDate(dateStr, layout string) string {
	if dateStr == "" {
		return ""
	}
	for _, l := range isoLayouts {
		if t, err := time.Parse(l, dateStr); err == nil {
			return t.Format(layout)
		}
	}
	if len(dateStr) > 10 {
		return dateStr[:10]
	}
	return dateStr
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
