package fingerprint

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxBaseNameLength = 120
	nameKeyLength     = 24
)

// ArtifactName returns the file name used for the folder's archive: an
// ASCII-safe version of the folder's base name, the first 24 characters of
// the fingerprint, and a .zip suffix.
func ArtifactName(folderPath string, fp Fingerprint) string {
	key := string(fp)
	if len(key) > nameKeyLength {
		key = key[:nameKeyLength]
	}
	return SafeBaseName(folderPath) + "-" + key + ".zip"
}

// SafeBaseName decomposes accents away, keeps [A-Za-z0-9._-], squeezes runs of
// anything else into a single underscore, and caps the length.
func SafeBaseName(folderPath string) string {
	base := path.Base(NormalizePath(folderPath))
	if base == "/" || base == "." {
		base = "root"
	}

	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(stripMarks, base); err == nil {
		base = folded
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range base {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_') {
			b.WriteRune(r)
			lastUnderscore = r == '_'
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	name := strings.Trim(b.String(), "._-")
	if len(name) > maxBaseNameLength {
		name = strings.TrimRight(name[:maxBaseNameLength], "._-")
	}
	if name == "" {
		return "folder"
	}
	return name
}
