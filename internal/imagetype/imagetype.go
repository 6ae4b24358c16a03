// Package imagetype decides whether content is an image tinifyd may optimize.
package imagetype

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/openmined/tinifyd/internal/xerrors"
)

// SniffLen is enough of a file head to identify every allowed type.
const SniffLen = 3072

// DefaultAllowed maps content types to the file extensions that may hold them.
var DefaultAllowed = map[string][]string{
	"image/jpeg": {"jpeg", "jpg"},
	"image/png":  {"png"},
}

// Allowlist holds the allowed content types and their extensions.
type Allowlist struct {
	types map[string]mapset.Set[string]
	exts  mapset.Set[string]
}

// NewAllowlist builds an allowlist. Extensions are compared case-insensitively
// and may be given with or without the leading dot.
func NewAllowlist(allowed map[string][]string) *Allowlist {
	a := &Allowlist{
		types: make(map[string]mapset.Set[string], len(allowed)),
		exts:  mapset.NewThreadUnsafeSet[string](),
	}
	for typ, exts := range allowed {
		set := mapset.NewThreadUnsafeSet[string]()
		for _, ext := range exts {
			ext = normalizeExt(ext)
			if ext == "" {
				continue
			}
			set.Add(ext)
			a.exts.Add(ext)
		}
		a.types[strings.ToLower(typ)] = set
	}
	return a
}

// Detect returns the sniffed content type without parameters.
func Detect(content []byte) string {
	mt := mimetype.Detect(content).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// Check sniffs content and fails with an InvalidType error unless it is allowed.
func (a *Allowlist) Check(content []byte) (string, error) {
	if len(content) > SniffLen {
		content = content[:SniffLen]
	}
	mt := Detect(content)
	if _, ok := a.types[mt]; !ok {
		return mt, &xerrors.Error{
			Kind:    xerrors.KindInvalidType,
			Op:      "check type",
			Subject: mt,
		}
	}
	return mt, nil
}

// Types lists the allowed content types, sorted.
func (a *Allowlist) Types() []string {
	types := make([]string, 0, len(a.types))
	for typ := range a.types {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Extensions lists every allowed extension without the dot, sorted.
func (a *Allowlist) Extensions() []string {
	exts := a.exts.ToSlice()
	sort.Strings(exts)
	return exts
}

// AllowsExtension reports whether path ends in an allowed extension.
func (a *Allowlist) AllowsExtension(path string) bool {
	return a.exts.Contains(normalizeExt(filepath.Ext(path)))
}

// Extension returns the preferred extension for a content type, the first in
// sorted order, or "" if the type is not allowed.
func (a *Allowlist) Extension(contentType string) string {
	set, ok := a.types[contentType]
	if !ok || set.Cardinality() == 0 {
		return ""
	}
	exts := set.ToSlice()
	sort.Strings(exts)
	return exts[0]
}

// Patterns returns one doublestar glob per allowed extension, rooted at root.
// Both lower and upper case spellings are matched. An empty root yields
// patterns relative to an fs.FS.
func (a *Allowlist) Patterns(root string) []string {
	root = strings.TrimSuffix(filepath.ToSlash(root), "/")
	patterns := make([]string, 0, a.exts.Cardinality())
	for _, ext := range a.Extensions() {
		p := fmt.Sprintf("**/*.%s", caseInsensitive(ext))
		if root != "" {
			p = root + "/" + p
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// caseInsensitive turns "png" into "[pP][nN][gG]".
func caseInsensitive(ext string) string {
	var sb strings.Builder
	for _, r := range ext {
		lower, upper := strings.ToLower(string(r)), strings.ToUpper(string(r))
		if lower == upper {
			sb.WriteRune(r)
			continue
		}
		sb.WriteString("[" + lower + upper + "]")
	}
	return sb.String()
}
