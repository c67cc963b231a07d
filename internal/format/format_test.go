package format

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Empty", "", "unknown"},
		{"Plain", "hello", "hello"},
		{"ControlChars", "he\x00ll\x1fo\x7f", "hello"},
		{"TabAndNewline", "a\tb\nc", "abc"},
		{"ZeroWidth", "a\u200bb\u200cc\u200dd\ufeffe", "abcde"},
		{"DirectionMarks", "a\u200eb\u200fc", "abc"},
		{"UnicodeSpaces", "a\u3000b\u00a0c\u2003d\u2002e", "a b c d e"},
		{"CollapseSpaces", "a   b    c", "a b c"},
		{"TrimSpacesAndDots", " . title . ", "title"},
		{"OnlyDots", "...", "unknown"},
		{"ForbiddenChars", `a/b\c:d*e?f"g<h>i|j`, "a／b＼c：d＊e？f＂g＜h＞i｜j"},
		{"MixedUnicodeTitle", "新しい\u3000イラスト/まとめ", "新しい イラスト／まとめ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSanitizeAlwaysLegal(t *testing.T) {
	inputs := []string{
		"", " ", ".", " . ", "\x00\x01\x02", "///", "C:\\Users", "a?b*c",
		"\u200b\u200b", "CON", "title with | pipe", strings.Repeat(".", 40),
	}

	for _, in := range inputs {
		got := Sanitize(in)
		if got == "" {
			t.Errorf("Sanitize(%q) returned empty string", in)
		}
		if strings.ContainsAny(got, `/\:*?"<>|`) {
			t.Errorf("Sanitize(%q) kept a forbidden character: %q", in, got)
		}
		for _, r := range got {
			if r < 0x20 || r == 0x7F {
				t.Errorf("Sanitize(%q) kept a control character: %q", in, got)
			}
		}
	}
}

func TestFormatArtistFolder(t *testing.T) {
	tests := []struct {
		name     string
		params   ArtistFolderParams
		template string
		expected string
	}{
		{
			"ServiceAndName",
			ArtistFolderParams{Service: "fanbox", Name: "miko", UserID: "123"},
			"{service}/{name}",
			"fanbox/miko",
		},
		{
			"AliasFallsBackToName",
			ArtistFolderParams{Service: "fanbox", Name: "miko"},
			"{alias}",
			"miko",
		},
		{
			"AliasWins",
			ArtistFolderParams{Service: "fanbox", Name: "miko", Alias: "Miko-sensei"},
			"{alias}",
			"Miko-sensei",
		},
		{
			"LastDateTruncated",
			ArtistFolderParams{Name: "miko", LastDate: "2023-05-01T12:00:00"},
			"{name} {last_date}",
			"miko 2023-05-01",
		},
		{
			"NameSanitized",
			ArtistFolderParams{Service: "fanbox", Name: "a/b"},
			"{service}/{name}",
			"fanbox/a／b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatArtistFolder(tt.params, tt.template)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFormatArtistFolderUnknownPlaceholder(t *testing.T) {
	_, err := FormatArtistFolder(ArtistFolderParams{Name: "miko"}, "{bogus}")
	if err == nil {
		t.Fatal("Expected error for unknown placeholder, got nil")
	}
}

func TestFormatPostFolder(t *testing.T) {
	tests := []struct {
		name       string
		params     PostFolderParams
		template   string
		dateFormat string
		expected   string
	}{
		{
			"DateReformatted",
			PostFolderParams{ID: "777", Title: "Summer", Published: "2023-05-01T12:34:56"},
			"[{published}] {title}",
			"2006.01.02",
			"[2023.05.01] Summer",
		},
		{
			"UnparseableDateTruncated",
			PostFolderParams{ID: "777", Title: "Summer", Published: "2023-05-01Txxxxx"},
			"[{published}] {title}",
			"2006.01.02",
			"[2023-05-01] Summer",
		},
		{
			"TitleSanitized",
			PostFolderParams{ID: "777", Title: "a:b", Published: "2023-05-01T00:00:00"},
			"{id} {title}",
			"2006-01-02",
			"777 a：b",
		},
		{
			"EmptyPublished",
			PostFolderParams{ID: "777", Title: "t"},
			"{published}{title}",
			"2006.01.02",
			"t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatPostFolder(tt.params, tt.template, tt.dateFormat)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFormatFileName(t *testing.T) {
	tests := []struct {
		name     string
		params   FileParams
		template string
		expected string
	}{
		{"IdxKeepsExtension", FileParams{Name: "photo.jpg", Idx: 4}, "{idx}", "4.jpg"},
		{"IndexZeroPadded", FileParams{Name: "photo.jpg", Idx: 4}, "{index}", "004.jpg"},
		{"NamePlaceholder", FileParams{Name: "photo.jpg", Idx: 0}, "{name}", "photo.jpg"},
		{"NoOriginalExtension", FileParams{Name: "readme", Idx: 2}, "{idx}", "2"},
		{"TemplateWithExtension", FileParams{Name: "photo.jpg", Idx: 1}, "{idx}.png", "1.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatFileName(tt.params, tt.template)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFormatFilesNames(t *testing.T) {
	imageExts := []string{".jpg", ".png"}
	names := []string{"a.jpg", "notes.txt", "b.png", "c.zip", "d.jpg"}

	t.Run("RenameImagesOnly", func(t *testing.T) {
		got, err := FormatFilesNames(names, "{idx}", true, imageExts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		expected := []string{"0.jpg", "notes.txt", "1.png", "c.zip", "2.jpg"}
		for i := range expected {
			if got[i] != expected[i] {
				t.Errorf("Index %d: expected %q, got %q", i, expected[i], got[i])
			}
		}
	})

	t.Run("RenameAll", func(t *testing.T) {
		got, err := FormatFilesNames(names, "{idx}", false, imageExts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		expected := []string{"0.jpg", "1.txt", "2.png", "3.zip", "4.jpg"}
		for i := range expected {
			if got[i] != expected[i] {
				t.Errorf("Index %d: expected %q, got %q", i, expected[i], got[i])
			}
		}
	})
}

type titleTrimHooks struct{}

func (titleTrimHooks) RewriteArtist(p *ArtistFolderParams) {}

func (titleTrimHooks) RewritePost(p *PostFolderParams) {
	if p.Service == "patreon" && p.User == "99342295" {
		if i := strings.Index(p.Title, "/"); i >= 0 {
			p.Title = strings.TrimSpace(p.Title[:i])
		}
	}
}

func (titleTrimHooks) RewriteFile(p *FileParams) {}

func TestEngineAppliesHooks(t *testing.T) {
	engine := NewEngine(titleTrimHooks{})

	got, err := engine.PostFolder(PostFolderParams{
		ID:        "1",
		User:      "99342295",
		Service:   "patreon",
		Title:     "Chapter 1 / rough sketches",
		Published: "2023-05-01T00:00:00",
	}, "{title}", "2006.01.02")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "Chapter 1" {
		t.Errorf("Expected %q, got %q", "Chapter 1", got)
	}

	other, err := engine.PostFolder(PostFolderParams{
		ID:        "1",
		User:      "555",
		Service:   "fanbox",
		Title:     "Chapter 1 / rough sketches",
		Published: "2023-05-01T00:00:00",
	}, "{title}", "2006.01.02")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if other != "Chapter 1 ／ rough sketches" {
		t.Errorf("Expected unmatched artist untouched, got %q", other)
	}
}

func TestEngineNilHooks(t *testing.T) {
	engine := NewEngine(nil)
	got, err := engine.ArtistFolder(ArtistFolderParams{Service: "fanbox", Name: "miko"}, "{service}/{name}")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "fanbox/miko" {
		t.Errorf("Expected %q, got %q", "fanbox/miko", got)
	}
}
