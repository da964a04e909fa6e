package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var mentionRe = regexp.MustCompile(`@[A-Za-z0-9_]+@[A-Za-z0-9\-.]*[A-Za-z0-9]`)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(
				extension.Linkify,
				extension.Strikethrough,
			),
			goldmark.WithRendererOptions(
				gmhtml.WithHardWraps(),
			),
		)
	})
	return markdown
}

// FormatContent renders note text to HTML. Raw HTML in the input is not
// passed through.
func FormatContent(content string) (string, error) {
	var buf bytes.Buffer
	src := strings.ReplaceAll(content, "\r", "")
	if err := getMarkdown().Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func mentionToken(i int) string {
	return fmt.Sprintf("SNACPUBMENTION%dEND", i)
}

// FormatNote renders content and turns every @user@host mention that the
// resolver knows into a link plus a Mention tag. Unknown mentions stay text.
func FormatNote(ctx context.Context, resolver Resolver, content string) (string, []domain.Tag, error) {
	found := mentionRe.FindAllString(content, -1)
	seen := make(map[string]bool)
	var mentions []string
	for _, m := range found {
		if !seen[m] {
			seen[m] = true
			mentions = append(mentions, m)
		}
	}
	// longest first so @a@b.co never eats part of @a@b.com
	sort.SliceStable(mentions, func(i, j int) bool { return len(mentions[i]) > len(mentions[j]) })

	replacements := make(map[string]string, len(mentions))
	var tags []domain.Tag
	for i, m := range mentions {
		token := mentionToken(i)
		content = strings.ReplaceAll(content, m, token)

		replacements[token] = html.EscapeString(m)
		if resolver == nil {
			continue
		}
		href, err := resolver.Resolve(ctx, m)
		if err != nil {
			util.Debugf(2, "Outbox: cannot resolve mention %s: %v", m, err)
			continue
		}
		tags = append(tags, domain.Tag{Type: "Mention", Href: href, Name: m})
		replacements[token] = fmt.Sprintf(`<a href="%s" class="u-url mention">%s</a>`, html.EscapeString(href), html.EscapeString(m))
	}

	formatted, err := FormatContent(content)
	if err != nil {
		return "", nil, err
	}
	for token, repl := range replacements {
		formatted = strings.ReplaceAll(formatted, token, repl)
	}
	return formatted, tags, nil
}
