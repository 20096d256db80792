package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/catalog"
)

// ErrModelsNotFound means the page rendered without the embedded catalog,
// usually because the challenge never cleared.
var ErrModelsNotFound = errors.New("initialModels blob not found in page")

// The catalog ships inside the framework's serialized page data, where the
// JSON is escaped once more. The trailing key anchors the lazy match so a
// nested array cannot end the capture early.
var modelsBlobPattern = regexp.MustCompile(`(?s)\{\\"initialModels\\":(\[.*?\]),\\"initialModel[A-Z]Id`)

// ExtractModels pulls the model catalog out of raw front-page HTML.
func ExtractModels(html string) ([]catalog.Model, error) {
	m := modelsBlobPattern.FindStringSubmatch(html)
	if m == nil {
		return nil, ErrModelsNotFound
	}
	raw, err := unescapeBlob(m[1])
	if err != nil {
		return nil, fmt.Errorf("unescape models blob: %w", err)
	}
	var models []catalog.Model
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, fmt.Errorf("decode models blob: %w", err)
	}
	return models, nil
}

// unescapeBlob removes one level of string escaping from the captured blob.
// Unknown escape sequences are kept verbatim so double-escaped nested strings
// survive for the JSON decoder.
func unescapeBlob(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("dangling escape at end of blob")
		}
		switch s[i+1] {
		case '"':
			b.WriteByte('"')
			i += 2
		case '\\':
			b.WriteByte('\\')
			i += 2
		case '/':
			b.WriteByte('/')
			i += 2
		case 'n':
			b.WriteByte('\n')
			i += 2
		case 't':
			b.WriteByte('\t')
			i += 2
		case 'r':
			b.WriteByte('\r')
			i += 2
		case 'b':
			b.WriteByte('\b')
			i += 2
		case 'f':
			b.WriteByte('\f')
			i += 2
		case 'u':
			if i+6 > len(s) {
				return "", errors.New("truncated unicode escape")
			}
			v, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad unicode escape %q", s[i:i+6])
			}
			r := rune(v)
			i += 6
			if utf16.IsSurrogate(r) && i+6 <= len(s) && s[i] == '\\' && s[i+1] == 'u' {
				if v2, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
					if combined := utf16.DecodeRune(r, rune(v2)); combined != '�' {
						r = combined
						i += 6
					}
				}
			}
			b.WriteRune(r)
		default:
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i += 2
		}
	}
	return b.String(), nil
}
