// Asset HTTP handler.
//
//   - POST /assets  (multipart upload relayed to the caller's target)
//
// Idempotency:
// With an Idempotency-Key header the outcome is recorded per (requester,
// route, key). A retry within the TTL replays the recorded outcome with
// `Idempotency-Replayed: true` instead of sending the asset again.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/http/middleware"
	"github.com/tbourn/stickerhub/internal/repo"
	"github.com/tbourn/stickerhub/internal/services"
	"github.com/tbourn/stickerhub/internal/sysutil"
)

// RelayResponse reports what happened to an uploaded asset.
type RelayResponse struct {
	Outcome  services.RelayOutcome `json:"outcome"`
	Replayed bool                  `json:"replayed,omitempty"`
}

var mediaKinds = map[string]domain.MediaKind{
	"":        domain.MediaSticker,
	"sticker": domain.MediaSticker,
	"image":   domain.MediaImage,
	"photo":   domain.MediaImage,
	"gif":     domain.MediaGIF,
	"video":   domain.MediaVideo,
}

// UploadAsset godoc
// @ID          uploadAsset
// @Summary     Relay an asset
// @Description Normalizes the uploaded file and relays it to the caller's delivery target. With Idempotency-Key a retry replays the recorded outcome.
// @Tags        Assets
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       Idempotency-Key  header    string  false  "Deduplicates retries"
// @Param       file             formData  file    true   "Asset content"
// @Param       kind             formData  string  false  "sticker, image, gif or video"
// @Param       animated         formData  string  false  "Truthy when the asset is animated"
//
// @Success     200  {object}  handlers.RelayResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing file or bad kind"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     409  {object}  handlers.ErrorResponse  "Account not bound"
// @Failure     413  {object}  handlers.ErrorResponse  "File too large"
// @Failure     415  {object}  handlers.ErrorResponse  "Unsupported media"
// @Failure     502  {object}  handlers.ErrorResponse  "Delivery failed"
// @Router      /assets [post]
func (h *Handlers) UploadAsset(c *gin.Context) {
	platform, account, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUpload))
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart field 'file' required")
		return
	}
	if fh.Size > h.maxUpload {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUpload))
		return
	}

	kind, known := mediaKinds[strings.ToLower(strings.TrimSpace(c.PostForm("kind")))]
	if !known {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "kind must be one of sticker, image, gif, video")
		return
	}

	requester := middleware.RequesterID(c)
	scope := middleware.IdempotencyScope(c)
	idemKey, _ := middleware.GetIdempotencyKey(c)

	// Idempotency (replay path).
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, requester, scope, idemKey, time.Now().UTC()); err == nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, rec.Status, RelayResponse{Outcome: services.RelayOutcome(rec.Outcome), Replayed: true})
			return
		}
	}

	content, err := readFormFile(fh, h.maxUpload)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "could not read upload")
		return
	}
	if len(content) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty file")
		return
	}

	mime := strings.ToLower(strings.TrimSpace(fh.Header.Get("Content-Type")))
	if mime == "" || mime == "application/octet-stream" {
		mime = mimeFromName(fh.Filename, content)
	}

	asset := domain.Asset{
		SourcePlatform: platform,
		SourceUserID:   account,
		Kind:           kind,
		MimeType:       mime,
		FileName:       filepath.Base(fh.Filename),
		Content:        content,
		Animated:       sysutil.IsTruthy(c.PostForm("animated")),
	}

	outcome, err := h.relay.Relay(ctx, asset)
	if err != nil {
		failErr(c, err, "")
		return
	}

	// Idempotency (store path), best effort.
	if idemKey != "" && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, requester, scope, idemKey, string(outcome), http.StatusOK, h.idemTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}

	ok(c, http.StatusOK, RelayResponse{Outcome: outcome})
}

// readFormFile reads at most limit bytes; larger uploads are an error.
func readFormFile(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("upload exceeds %d bytes", limit)
	}
	return b, nil
}

var mimeByExt = map[string]string{
	".webp": "image/webp",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".tgs":  "application/x-tgsticker",
}

// mimeFromName infers a mime type from the file extension, then from the
// content itself.
func mimeFromName(name string, content []byte) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	m := http.DetectContentType(content)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return m
}
