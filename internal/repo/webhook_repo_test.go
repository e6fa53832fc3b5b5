package repo

import (
	"context"
	"testing"
	"time"
)

func TestWebhookOverride_Lifecycle(t *testing.T) {
	db := newStoreDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	const u1 = "https://open.feishu.cn/open-apis/bot/v2/hook/aaa"
	const u2 = "https://open.feishu.cn/open-apis/bot/v2/hook/bbb"

	if _, err := GetWebhookOverride(ctx, db, "h1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	prev, err := UpsertWebhookOverride(ctx, db, "h1", u1, now)
	if err != nil || prev != "" {
		t.Fatalf("first upsert: prev=%q err=%v", prev, err)
	}
	prev, err = UpsertWebhookOverride(ctx, db, "h1", u2, now.Add(time.Minute))
	if err != nil || prev != u1 {
		t.Fatalf("second upsert: prev=%q err=%v", prev, err)
	}
	got, err := GetWebhookOverride(ctx, db, "h1")
	if err != nil || got != u2 {
		t.Fatalf("got=%q err=%v", got, err)
	}

	deleted, err := DeleteWebhookOverride(ctx, db, "h1")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	deleted, err = DeleteWebhookOverride(ctx, db, "h1")
	if err != nil || deleted {
		t.Fatalf("second delete: %v %v", deleted, err)
	}
}
