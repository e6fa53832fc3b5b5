package domain

// MediaKind classifies an inbound asset.
type MediaKind string

const (
	MediaSticker MediaKind = "sticker"
	MediaImage   MediaKind = "image"
	MediaGIF     MediaKind = "gif"
	MediaVideo   MediaKind = "video"
)

// Asset is a single piece of media travelling from a source platform account
// to its paired delivery target.
type Asset struct {
	SourcePlatform string    `json:"source_platform"`
	SourceUserID   string    `json:"source_user_id"`
	Kind           MediaKind `json:"kind"`
	MimeType       string    `json:"mime_type"`
	FileName       string    `json:"file_name"`
	Content        []byte    `json:"-"`
	Animated       bool      `json:"animated"`
}

// DeliveryMode selects how an asset reaches the target platform.
type DeliveryMode string

const (
	// DeliveryDirect addresses a bound account on the target platform.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryWebhook posts to a registered callback URL.
	DeliveryWebhook DeliveryMode = "webhook"
)

// DeliveryTarget is the resolved destination for a source account.
type DeliveryTarget struct {
	Mode   DeliveryMode `json:"mode"`
	Target string       `json:"target"`
}
