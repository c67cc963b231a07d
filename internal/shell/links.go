package shell

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"project-mirage/internal/model"
)

// urlPattern matches http/https URLs embedded in post content.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// extractLinks harvests URLs from an artist's cached post content. An
// optional pattern narrows the result; unique drops repeated URLs.
func (s *Shell) extractLinks(artistID string, match *regexp.Regexp, unique bool) []model.ExternalLink {
	var links []model.ExternalLink
	seen := make(map[string]bool)

	for _, post := range s.cache.LoadPosts(artistID) {
		if post.Content == "" || post.Content == model.NoContentMarker {
			continue
		}
		for _, raw := range urlPattern.FindAllString(post.Content, -1) {
			if match != nil && !match.MatchString(raw) {
				continue
			}
			if unique && seen[raw] {
				continue
			}
			seen[raw] = true
			links = append(links, model.ExternalLink{
				URL:      raw,
				Domain:   linkDomain(raw),
				Protocol: linkScheme(raw),
				PostID:   post.ID,
				ArtistID: artistID,
			})
		}
	}
	return links
}

func linkDomain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}

func linkScheme(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}

func (s *Shell) cmdExtractLinks(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	match, unique, err := linkArgs(args)
	if err != nil {
		return err
	}
	links := s.extractLinks(artist.ID, match, unique)
	printLinks(links, w)
	return nil
}

func (s *Shell) cmdExtractAllLinks(args map[string]string, w io.Writer) error {
	match, unique, err := linkArgs(args)
	if err != nil {
		return err
	}
	artists, err := s.storage.ListArtists()
	if err != nil {
		return err
	}
	var links []model.ExternalLink
	for i := range artists {
		links = append(links, s.extractLinks(artists[i].ID, match, unique)...)
	}
	printLinks(links, w)
	return nil
}

func linkArgs(args map[string]string) (*regexp.Regexp, bool, error) {
	unique := !strings.EqualFold(args["unique"], "false")
	if args["match"] == "" {
		return nil, unique, nil
	}
	match, err := regexp.Compile("(?i)" + args["match"])
	if err != nil {
		return nil, false, fmt.Errorf("invalid match pattern: %w", err)
	}
	return match, unique, nil
}

func printLinks(links []model.ExternalLink, w io.Writer) {
	for _, l := range links {
		fmt.Fprintf(w, "%s  (post %s)\n", l.URL, l.PostID)
	}

	domains := make(map[string]int)
	posts := make(map[string]bool)
	for _, l := range links {
		domains[l.Domain]++
		posts[l.ArtistID+":"+l.PostID] = true
	}
	type domainCount struct {
		domain string
		count  int
	}
	top := make([]domainCount, 0, len(domains))
	for d, n := range domains {
		top = append(top, domainCount{d, n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].count != top[j].count {
			return top[i].count > top[j].count
		}
		return top[i].domain < top[j].domain
	})

	fmt.Fprintf(w, "%d links across %d posts, %d domains\n", len(links), len(posts), len(domains))
	for i, dc := range top {
		if i == 10 {
			break
		}
		fmt.Fprintf(w, "  %4d  %s\n", dc.count, dc.domain)
	}
}
