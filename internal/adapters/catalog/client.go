// Package catalog reads sticker collections from an HTTP item catalog.
//
//	GET {base}/collections/{id}  -> {"items":[{unique_id,file_id,mime_type,animated,video,url}]}
//	GET {base}/files/{file_id}   -> raw item bytes (used when an item has no url)
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/stickerhub/internal/batch"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCollectionNotFound is returned for unknown collections.
var ErrCollectionNotFound = errors.New("collection not found")

// MaxItemBytes caps a single item download.
const MaxItemBytes = 20 << 20

// Client implements batch.Catalog.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ batch.Catalog = (*Client)(nil)

// New returns a catalog client rooted at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) client() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// EnumerateCollection lists every item of the collection in catalog order.
func (c *Client) EnumerateCollection(ctx context.Context, collectionID string) ([]batch.Item, error) {
	ctx, span := otel.Tracer("adapters/catalog").Start(ctx, "EnumerateCollection",
		trace.WithAttributes(attribute.String("collection.id", collectionID)),
	)
	defer span.End()

	res, err := c.get(ctx, c.BaseURL+"/collections/"+url.PathEscape(collectionID))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
	case res.StatusCode/100 != 2:
		return nil, fmt.Errorf("catalog: collection %s: http %d", collectionID, res.StatusCode)
	}

	var body struct {
		Items []batch.Item `json:"items"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog: decode collection %s: %w", collectionID, err)
	}
	span.SetAttributes(attribute.Int("items", len(body.Items)))
	return body.Items, nil
}

// FetchItemContent downloads one item, from its own url when present.
func (c *Client) FetchItemContent(ctx context.Context, it batch.Item) ([]byte, error) {
	target := it.URL
	if target == "" {
		if it.FileID == "" {
			return nil, fmt.Errorf("catalog: item %s has neither url nor file id", it.UniqueID)
		}
		target = c.BaseURL + "/files/" + url.PathEscape(it.FileID)
	}
	res, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("catalog: item %s: http %d", it.UniqueID, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, MaxItemBytes+1))
	if err != nil {
		return nil, fmt.Errorf("catalog: item %s: %w", it.UniqueID, err)
	}
	if len(data) > MaxItemBytes {
		return nil, fmt.Errorf("catalog: item %s exceeds %d bytes", it.UniqueID, MaxItemBytes)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, */*")
	res, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return res, nil
}
