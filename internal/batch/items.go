package batch

import (
	"strings"

	"github.com/tbourn/stickerhub/internal/domain"
)

var extByMime = map[string]string{
	"image/jpeg":              ".jpg",
	"image/jpg":               ".jpg",
	"image/png":               ".png",
	"image/gif":               ".gif",
	"image/webp":              ".webp",
	"video/mp4":               ".mp4",
	"video/webm":              ".webm",
	"application/x-tgsticker": ".tgs",
}

// ExtensionFromMime maps a mime type to a file extension, ".bin" when unknown.
func ExtensionFromMime(mime string) string {
	if ext, ok := extByMime[strings.ToLower(strings.TrimSpace(mime))]; ok {
		return ext
	}
	return ".bin"
}

// ItemMime returns the item's declared mime type, or infers one from its
// flags: video stickers are webm, animated ones TGS, the rest webp.
func ItemMime(it Item) string {
	if m := strings.ToLower(strings.TrimSpace(it.MimeType)); m != "" {
		return m
	}
	switch {
	case it.Video:
		return "video/webm"
	case it.Animated:
		return "application/x-tgsticker"
	}
	return "image/webp"
}

// ItemAsset wraps downloaded item content as an asset owned by source.
func ItemAsset(source Identity, collectionID string, it Item, content []byte) domain.Asset {
	mime := ItemMime(it)
	return domain.Asset{
		SourcePlatform: source.Platform,
		SourceUserID:   source.AccountID,
		Kind:           domain.MediaSticker,
		MimeType:       mime,
		FileName:       "pack_" + SafeName(collectionID) + "_" + it.UniqueID + ExtensionFromMime(mime),
		Content:        content,
		Animated:       it.Animated || it.Video,
	}
}
