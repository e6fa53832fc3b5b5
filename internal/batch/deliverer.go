package batch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBadArchiveName is returned by Open for names that are not plain file
// names.
var ErrBadArchiveName = errors.New("bad archive name")

// DirArchiveDeliverer stores finished archives as files under Dir, named
// "<owner key>.<unix nanos>_<name>.zip" where the owner key is the unpadded
// base64url encoding of the requester. The returned reference is the file
// name, which Open accepts.
type DirArchiveDeliverer struct {
	Dir string
	Now func() time.Time
}

// DeliverArchive writes data to Dir and returns the stored file name.
func (d *DirArchiveDeliverer) DeliverArchive(_ context.Context, requesterID, name string, data []byte, caption string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	file := fmt.Sprintf("%s.%d_%s", ownerKey(requesterID), now().UTC().UnixNano(), SafeName(strings.TrimSuffix(name, ".zip"))+".zip")
	if err := os.WriteFile(filepath.Join(d.Dir, file), data, 0o644); err != nil {
		return "", err
	}
	log.Info().Str("requester", requesterID).Str("file", file).Int("bytes", len(data)).Str("caption", caption).Msg("archive stored")
	return file, nil
}

// Open returns the path of a stored archive.
func (d *DirArchiveDeliverer) Open(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrBadArchiveName
	}
	p := filepath.Join(d.Dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

// Owner reports whether name was stored for requesterID.
func (d *DirArchiveDeliverer) Owner(name, requesterID string) bool {
	key, _, ok := strings.Cut(name, ".")
	return ok && key == ownerKey(requesterID)
}

// ownerKey maps a requester to a file name prefix. The alphabet has no '.',
// and distinct requesters never share a key.
func ownerKey(requesterID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(requesterID))
}

// List returns the archives stored for requesterID, newest first.
func (d *DirArchiveDeliverer) List(requesterID string) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".zip") || !d.Owner(e.Name(), requesterID) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
