package batch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"github.com/tbourn/stickerhub/internal/domain"
)

// DedupeName returns name, or name with "_N" inserted before its extension,
// whichever is first absent from seen. A leading dot does not start an
// extension.
func DedupeName(name string, seen map[string]struct{}) string {
	if _, taken := seen[name]; !taken {
		return name
	}
	stem, ext := name, ""
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		stem, ext = name[:dot], name[dot:]
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, taken := seen[candidate]; !taken {
			return candidate
		}
	}
}

// BuildArchive writes assets into a deflated ZIP, renaming colliding file
// names with DedupeName.
func BuildArchive(assets []domain.Asset) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		name := DedupeName(a.FileName, seen)
		seen[name] = struct{}{}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
