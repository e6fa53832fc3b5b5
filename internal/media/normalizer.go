// Package media converts relayed assets into formats the target platform
// renders reliably: static images become PNG (or pass through when already
// PNG/JPEG/GIF) and animated stickers and videos become looping GIFs.
//
// Still images are handled in-process with imaging (WebP decoding comes from
// golang.org/x/image/webp). Animations go through an ffmpeg subprocess; TGS
// (Lottie) stickers try lottie_convert.py first since ffmpeg cannot render
// them.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp" // registers the WebP decoder with image.Decode

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/services"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// gifFilter keeps transparency: frames are normalized to rgba at a fixed rate
// and width, then split so one branch builds the palette and the other
// applies it.
const gifFilter = "[0:v]format=rgba,fps=15,scale=512:-1:flags=lanczos,split[s0][s1];" +
	"[s0]palettegen=stats_mode=diff:reserve_transparent=on[p];" +
	"[s1][p]paletteuse=dither=bayer:bayer_scale=5:alpha_threshold=128"

// DefaultMaxSide bounds the longest edge of converted still images.
const DefaultMaxSide = 1024

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Normalizer implements services.Normalizer.
type Normalizer struct {
	// FFmpegPath is the ffmpeg binary, "ffmpeg" when empty.
	FFmpegPath string
	// LottiePath renders TGS stickers, "lottie_convert.py" when empty.
	LottiePath string
	// MaxSide bounds converted still images; 0 selects DefaultMaxSide and a
	// negative value disables resizing.
	MaxSide int
	// Run executes the converters; ExecRunner when nil.
	Run Runner
	// TempDir holds conversion scratch files; os.TempDir() when empty.
	TempDir string
}

var _ services.Normalizer = (*Normalizer)(nil)

// New returns a Normalizer using the given ffmpeg binary.
func New(ffmpegPath string) *Normalizer {
	return &Normalizer{FFmpegPath: ffmpegPath}
}

// Normalize returns an asset the target renders. Assets it cannot convert
// yield an error wrapping services.ErrUnsupportedMedia.
func (n *Normalizer) Normalize(ctx context.Context, a domain.Asset) (domain.Asset, error) {
	mime := strings.ToLower(strings.TrimSpace(a.MimeType))
	ctx, span := otel.Tracer("media/Normalizer").Start(ctx, "Normalize",
		trace.WithAttributes(
			attribute.String("media.kind", string(a.Kind)),
			attribute.String("media.mime", mime),
			attribute.Int("media.bytes", len(a.Content)),
		),
	)
	defer span.End()

	switch {
	case mime == "application/x-tgsticker":
		return n.toGIF(ctx, a, ".tgs")
	case a.Kind == domain.MediaVideo || strings.HasPrefix(mime, "video/"):
		return n.toGIF(ctx, a, inputExt(a.FileName, mime))
	case mime == "image/png", mime == "image/jpeg", mime == "image/jpg", mime == "image/gif":
		return a, nil
	case mime == "image/webp", mime == "application/webp":
		return n.toPNG(a)
	case a.Animated:
		return n.toGIF(ctx, a, inputExt(a.FileName, mime))
	}
	log.Info().Str("mime", a.MimeType).Str("file", a.FileName).Msg("unknown mime type; sending as is")
	return a, nil
}

func (n *Normalizer) maxSide() int {
	if n.MaxSide == 0 {
		return DefaultMaxSide
	}
	return n.MaxSide
}

func (n *Normalizer) toPNG(a domain.Asset) (domain.Asset, error) {
	data, err := encodePNG(a.Content, n.maxSide())
	if err != nil {
		return domain.Asset{}, fmt.Errorf("%w: convert %s to png: %v", services.ErrUnsupportedMedia, a.FileName, err)
	}
	out := a
	out.Kind = domain.MediaImage
	out.MimeType = "image/png"
	out.FileName = stem(a.FileName) + ".png"
	out.Content = data
	out.Animated = false
	log.Debug().Str("file", out.FileName).Int("bytes", len(data)).Msg("converted still image to png")
	return out, nil
}

// encodePNG decodes any registered still format and re-encodes it as PNG,
// shrinking it to fit maxSide when maxSide > 0.
func encodePNG(content []byte, maxSide int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); maxSide > 0 && (b.Dx() > maxSide || b.Dy() > maxSide) {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Normalizer) toGIF(ctx context.Context, a domain.Asset, inExt string) (domain.Asset, error) {
	dir, err := os.MkdirTemp(n.TempDir, "stickerhub-media-")
	if err != nil {
		return domain.Asset{}, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+inExt)
	out := filepath.Join(dir, "out.gif")
	if err := os.WriteFile(in, a.Content, 0o600); err != nil {
		return domain.Asset{}, err
	}

	run := n.Run
	if run == nil {
		run = ExecRunner
	}

	if inExt == ".tgs" {
		lottie := n.LottiePath
		if lottie == "" {
			lottie = "lottie_convert.py"
		}
		output, err := run(ctx, lottie, in, out)
		if err == nil {
			if res, err := readGIF(a, out); err == nil {
				return res, nil
			}
		}
		if ctx.Err() != nil {
			return domain.Asset{}, ctx.Err()
		}
		log.Warn().Err(err).Str("file", a.FileName).Str("output", strings.TrimSpace(string(output))).Msg("lottie render failed; falling back to ffmpeg")
	}

	args := []string{"-y", "-loglevel", "error"}
	if inExt == ".webm" {
		// libvpx-vp9 decodes the alpha channel of VP9 stickers.
		args = append(args, "-c:v", "libvpx-vp9")
	}
	args = append(args, "-i", in, "-filter_complex", gifFilter, "-loop", "0", out)

	bin := n.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	if output, err := run(ctx, bin, args...); err != nil {
		if ctx.Err() != nil {
			return domain.Asset{}, ctx.Err()
		}
		return domain.Asset{}, fmt.Errorf("%w: ffmpeg: %v: %s", services.ErrUnsupportedMedia, err, strings.TrimSpace(string(output)))
	}
	return readGIF(a, out)
}

// readGIF wraps the converter output at path as a GIF asset derived from a.
func readGIF(a domain.Asset, path string) (domain.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return domain.Asset{}, fmt.Errorf("%w: no gif produced for %s", services.ErrUnsupportedMedia, a.FileName)
	}
	res := a
	res.Kind = domain.MediaGIF
	res.MimeType = "image/gif"
	res.FileName = stem(a.FileName) + ".gif"
	res.Content = data
	res.Animated = true
	log.Debug().Str("file", res.FileName).Int("bytes", len(data)).Msg("converted animation to gif")
	return res, nil
}

var inputExtByMime = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func inputExt(fileName, mime string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return strings.ToLower(ext)
	}
	if ext, ok := inputExtByMime[mime]; ok {
		return ext
	}
	return ".bin"
}

func stem(fileName string) string {
	base := filepath.Base(fileName)
	if base == "." || base == "/" || base == "" {
		return "asset"
	}
	if s := strings.TrimSuffix(base, filepath.Ext(base)); s != "" {
		return s
	}
	return base
}
