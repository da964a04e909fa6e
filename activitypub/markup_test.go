package activitypub

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/deemkeen/snacpub/domain"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(ctx context.Context, identifier string) (string, error) {
	if href, ok := m[identifier]; ok {
		return href, nil
	}
	return "", domain.ErrNotFound
}

func TestFormatContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "<p>hello</p>"},
		{"emphasis", "a *b* **c**", "<p>a <em>b</em> <strong>c</strong></p>"},
		{"strikethrough", "~~gone~~", "<p><del>gone</del></p>"},
		{"hard wraps", "one\r\ntwo", "<p>one<br>\ntwo</p>"},
		{"linkify", "see https://example.com/x", `<p>see <a href="https://example.com/x">https://example.com/x</a></p>`},
		{"raw html is not passed", "<script>x</script>", "<!-- raw HTML omitted -->"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatContent(tt.in)
			if err != nil {
				t.Fatalf("FormatContent failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("FormatContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatNoteMentions(t *testing.T) {
	resolver := mapResolver{
		"@bob@remote.example":     bobID,
		"@bob@remote.example.org": "https://remote.example.org/users/bob",
	}

	content, tags, err := FormatNote(context.Background(), resolver, "@bob@remote.example.org and @bob@remote.example, again @bob@remote.example")
	if err != nil {
		t.Fatalf("FormatNote failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 distinct mentions, got %+v", tags)
	}
	if !strings.Contains(content, `<a href="https://remote.example.org/users/bob" class="u-url mention">@bob@remote.example.org</a>`) {
		t.Errorf("longer mention broken: %s", content)
	}
	if strings.Count(content, `<a href="`+bobID+`"`) != 2 {
		t.Errorf("expected bob linked twice: %s", content)
	}
	if strings.Contains(content, "SNACPUBMENTION") {
		t.Errorf("token left in output: %s", content)
	}

	content, tags, err = FormatNote(context.Background(), nil, "hi @x@y.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 || content != "<p>hi @x@y.example</p>" {
		t.Errorf("without resolver: %q %+v", content, tags)
	}
}

func TestMapResolverNotFound(t *testing.T) {
	if _, err := (mapResolver{}).Resolve(context.Background(), "@a@b"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
