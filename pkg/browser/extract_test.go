package browser

import (
	"errors"
	"strings"
	"testing"
)

const sampleHTML = `<html><body><script>self.__next_f.push([1,"{\"state\":{\"initialModels\":` +
	`[{\"id\":\"aaa-111\",\"publicName\":\"gpt-x\",\"organization\":\"openai\",` +
	`\"capabilities\":{\"inputCapabilities\":{\"text\":true},\"outputCapabilities\":{\"text\":true}}},` +
	`{\"id\":\"bbb-222\",\"publicName\":\"paint-z\",` +
	`\"capabilities\":{\"inputCapabilities\":{\"text\":true},\"outputCapabilities\":{\"image\":true}}}]` +
	`,\"initialModelAId\":\"aaa-111\"}"])</script></body></html>`

func TestExtractModels(t *testing.T) {
	models, err := ExtractModels(sampleHTML)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models", len(models))
	}
	if models[0].ID != "aaa-111" || models[0].PublicName != "gpt-x" {
		t.Errorf("first model = %+v", models[0])
	}
	if !models[0].IsTextModel() {
		t.Error("gpt-x must be a text model")
	}
	if models[1].IsTextModel() {
		t.Error("image-output model must not count as text")
	}
}

func TestExtractModelsAnchorsOnTrailingKey(t *testing.T) {
	// initialModelBId must anchor just as well as initialModelAId.
	html := strings.ReplaceAll(sampleHTML, "initialModelAId", "initialModelBId")
	models, err := ExtractModels(html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models", len(models))
	}
}

func TestExtractModelsMissingBlob(t *testing.T) {
	_, err := ExtractModels("<html><body>Just a moment...</body></html>")
	if !errors.Is(err, ErrModelsNotFound) {
		t.Fatalf("err = %v, want ErrModelsNotFound", err)
	}
}

func TestExtractModelsMalformedJSON(t *testing.T) {
	html := `{\"initialModels\":[{\"id\":],\"initialModelAId\"`
	if _, err := ExtractModels(html); err == nil {
		t.Fatal("malformed blob must fail")
	}
}

func TestExtractModelsUnicodeEscapes(t *testing.T) {
	html := `{\"initialModels\":[{\"id\":\"x\",\"publicName\":\"caf\u00e9\",` +
		`\"capabilities\":{\"inputCapabilities\":{\"text\":true},\"outputCapabilities\":{\"text\":true}}}],\"initialModelAId\"`
	models, err := ExtractModels(html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if models[0].PublicName != "café" {
		t.Errorf("public name = %q", models[0].PublicName)
	}
}

func TestUnescapeBlob(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`plain`, `plain`},
		{`a\"b`, `a"b`},
		{`a\\nb`, `a\nb`},
		{`tab\there`, "tab\there"},
		{`\u0041`, "A"},
		{`\ud83d\ude00`, "😀"},
	}
	for _, c := range cases {
		got, err := unescapeBlob(c.in)
		if err != nil {
			t.Errorf("unescape(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("unescape(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUnescapeBlobDanglingEscape(t *testing.T) {
	if _, err := unescapeBlob(`broken\`); err == nil {
		t.Error("dangling escape must fail")
	}
	if _, err := unescapeBlob(`\u12`); err == nil {
		t.Error("truncated unicode escape must fail")
	}
}

func TestFetchScriptEmbedsLiterals(t *testing.T) {
	script, err := fetchScript("https://lmarena.ai/nextjs-api/stream/create-evaluation", []byte(`{"a":"b"}`))
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	for _, want := range []string{
		`"https://lmarena.ai/nextjs-api/stream/create-evaluation"`,
		`credentials: 'include'`,
		`"{\"a\":\"b\"}"`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %s:\n%s", want, script)
		}
	}
}
