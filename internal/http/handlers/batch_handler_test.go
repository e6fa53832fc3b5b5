package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/stickerhub/internal/batch"
)

func TestCreateOffer(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(Deps{Batches: eng})

	w := do(r, call{method: http.MethodPost, path: "/batches/offers", user: "t1", body: strings.NewReader(`{"collection_id":" cats ","anchor_item_id":"c1","total_count":3}`)})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if tok := decode[CreateOfferResponse](t, w).Token; tok != "tok-cats" {
		t.Fatalf("token=%q", tok)
	}
	if eng.gotRequester != "telegram:t1" || eng.gotSource != (batch.Identity{Platform: "telegram", AccountID: "t1"}) || eng.gotTotal != 3 {
		t.Fatalf("engine saw requester=%q source=%+v total=%d", eng.gotRequester, eng.gotSource, eng.gotTotal)
	}

	w = do(r, call{method: http.MethodPost, path: "/batches/offers", user: "t1", body: strings.NewReader(`{}`)})
	wantError(t, w, http.StatusBadRequest, ErrCodeBadRequest)

	eng.offerErr = batch.ErrEngineClosed
	w = do(r, call{method: http.MethodPost, path: "/batches/offers", user: "t1", body: strings.NewReader(`{"collection_id":"cats"}`)})
	wantError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
}

func TestConfirmOffer(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(Deps{Batches: eng})

	w := do(r, call{method: http.MethodPost, path: "/batches/offers/tok-cats/confirm", user: "t1", body: strings.NewReader(`{"mode":"zip","status_ref":"s-1"}`)})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	h := decode[batch.Handle](t, w)
	if h.TaskID != "task-1" || h.StatusRef != "s-1" || h.Cancel == nil {
		t.Fatalf("handle=%+v", h)
	}
	if eng.gotToken != "tok-cats" || eng.gotMode != batch.ModeArchive || eng.gotRef != "telegram:t1/s-1" {
		t.Fatalf("engine saw token=%q mode=%q ref=%q", eng.gotToken, eng.gotMode, eng.gotRef)
	}

	w = do(r, call{method: http.MethodPost, path: "/batches/offers/tok-cats/confirm", user: "t1", body: strings.NewReader(`{"mode":"forward"}`)})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if h := decode[batch.Handle](t, w); h.StatusRef == "" || eng.gotRef != "telegram:t1/"+h.StatusRef {
		t.Fatalf("generated ref=%q engine saw %q", h.StatusRef, eng.gotRef)
	}

	w = do(r, call{method: http.MethodPost, path: "/batches/offers/tok-cats/confirm", user: "t1", body: strings.NewReader(`{"mode":"carrier-pigeon"}`)})
	wantError(t, w, http.StatusBadRequest, ErrCodeInvalidMode)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{batch.ErrOfferNotFound, http.StatusNotFound, ErrCodeOfferNotFound},
		{batch.ErrOfferOwnerMismatch, http.StatusForbidden, ErrCodeForbidden},
		{batch.ErrTaskAlreadyRunning, http.StatusConflict, ErrCodeTaskRunning},
		{batch.ErrModeUnavailable, http.StatusUnprocessableEntity, ErrCodeModeUnavailable},
	}
	for _, tc := range cases {
		eng.confirmErr = tc.err
		w = do(r, call{method: http.MethodPost, path: "/batches/offers/tok-cats/confirm", user: "t1", body: strings.NewReader(`{"mode":"forward"}`)})
		wantError(t, w, tc.status, tc.code)
	}
}

func TestCancelTask(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(Deps{Batches: eng})

	w := do(r, call{method: http.MethodPost, path: "/batches/tasks/task-1/cancel", user: "t1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode[CancelTaskResponse](t, w); resp.TaskID != "task-1" || !resp.CancelRequested {
		t.Fatalf("resp=%+v", resp)
	}
	if eng.gotRequester != "telegram:t1" {
		t.Fatalf("requester=%q", eng.gotRequester)
	}

	eng.cancelErr = batch.ErrTaskOwnerMismatch
	wantError(t, do(r, call{method: http.MethodPost, path: "/batches/tasks/task-1/cancel", user: "t2"}), http.StatusForbidden, ErrCodeForbidden)

	eng.cancelErr = batch.ErrTaskNotFound
	wantError(t, do(r, call{method: http.MethodPost, path: "/batches/tasks/nope/cancel", user: "t1"}), http.StatusNotFound, ErrCodeTaskNotFound)
}

func TestListTasks_FiltersByRequester(t *testing.T) {
	eng := &fakeEngine{tasks: []batch.TaskInfo{
		{ID: "a", RequesterID: "telegram:t1", StatusRef: "telegram:t1/s-1"},
		{ID: "b", RequesterID: "telegram:t2"},
	}}
	r := newTestRouter(Deps{Batches: eng})

	w := do(r, call{method: http.MethodGet, path: "/batches/tasks", user: "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	tasks := decode[ListTasksResponse](t, w).Tasks
	if len(tasks) != 1 || tasks[0].ID != "a" || tasks[0].StatusRef != "s-1" {
		t.Fatalf("tasks=%+v", tasks)
	}

	w = do(r, call{method: http.MethodGet, path: "/batches/tasks", user: "t3"})
	if !strings.Contains(w.Body.String(), `"tasks":[]`) {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}

func TestGetStatus_ETag(t *testing.T) {
	board := batch.NewStatusBoard()
	r := newTestRouter(Deps{Statuses: board})

	wantError(t, do(r, call{method: http.MethodGet, path: "/status/s-1", user: "t1"}), http.StatusNotFound, ErrCodeNotFound)

	_ = board.EditStatus(context.Background(), "telegram:t1/s-1", "Processing cats", &batch.CancelAffordance{TaskID: "task-1", Label: "Stop"})
	w := do(r, call{method: http.MethodGet, path: "/status/s-1", user: "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	st := decode[batch.Status](t, w)
	if st.Ref != "s-1" || st.Text != "Processing cats" || st.Cancel == nil || st.Version != 1 {
		t.Fatalf("status=%+v", st)
	}
	etag := w.Header().Get("ETag")
	if etag != `W/"status:s-1:1"` {
		t.Fatalf("etag=%q", etag)
	}

	w = do(r, call{method: http.MethodGet, path: "/status/s-1", user: "t1", headers: map[string]string{"If-None-Match": etag}})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional GET = %d", w.Code)
	}

	_ = board.EditStatus(context.Background(), "telegram:t1/s-1", "Done", nil)
	w = do(r, call{method: http.MethodGet, path: "/status/s-1", user: "t1", headers: map[string]string{"If-None-Match": etag}})
	if w.Code != http.StatusOK {
		t.Fatalf("edited status should bust the etag, got %d", w.Code)
	}
}

func TestGetStatus_ScopedToRequester(t *testing.T) {
	board := batch.NewStatusBoard()
	_ = board.EditStatus(context.Background(), "telegram:t1/msg-2", "Processing cats", nil)
	r := newTestRouter(Deps{Statuses: board})

	wantError(t, do(r, call{method: http.MethodGet, path: "/status/msg-2"}), http.StatusUnauthorized, ErrCodeUnauthorized)
	wantError(t, do(r, call{method: http.MethodGet, path: "/status/msg-2", user: "t2"}), http.StatusNotFound, ErrCodeNotFound)

	// Confirming with someone else's ref lands in the caller's own namespace.
	eng := &fakeEngine{}
	r = newTestRouter(Deps{Batches: eng, Statuses: board})
	w := do(r, call{method: http.MethodPost, path: "/batches/offers/tok-cats/confirm", user: "t2", body: strings.NewReader(`{"mode":"forward","status_ref":"chat:1/msg:2"}`)})
	if w.Code != http.StatusAccepted {
		t.Fatalf("confirm=%d", w.Code)
	}
	if eng.gotRef != "telegram:t2/chat:1/msg:2" {
		t.Fatalf("engine saw ref=%q", eng.gotRef)
	}
}

func TestArchives_ListAndDownload(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(0, 42)
	store := &batch.DirArchiveDeliverer{Dir: dir, Now: func() time.Time { return now }}
	name, err := store.DeliverArchive(context.Background(), "telegram:t1", "my pack.zip", []byte("PK\x03\x04zip"), "")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	r := newTestRouter(Deps{Archives: store})

	w := do(r, call{method: http.MethodGet, path: "/archives", user: "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d", w.Code)
	}
	if names := decode[ListArchivesResponse](t, w).Archives; len(names) != 1 || names[0] != name {
		t.Fatalf("archives=%v want [%s]", names, name)
	}

	w = do(r, call{method: http.MethodGet, path: "/archives?page=2&page_size=1", user: "t1"})
	if resp := decode[ListArchivesResponse](t, w); len(resp.Archives) != 0 || resp.Meta.Total != 1 || resp.Meta.Page != 2 {
		t.Fatalf("page 2 = %+v", resp)
	}

	w = do(r, call{method: http.MethodGet, path: "/archives", user: "t2"})
	if !strings.Contains(w.Body.String(), `"archives":[]`) {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}

	w = do(r, call{method: http.MethodGet, path: "/archives/" + name, user: "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("download status=%d", w.Code)
	}
	if w.Body.String() != "PK\x03\x04zip" {
		t.Fatalf("body=%q", w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "my_pack.zip") || strings.Contains(cd, "dGVsZWdyYW06dDE") {
		t.Fatalf("content-disposition=%q", cd)
	}

	// Other requesters cannot see it.
	wantError(t, do(r, call{method: http.MethodGet, path: "/archives/" + name, user: "t2"}), http.StatusNotFound, ErrCodeNotFound)

	// Owned name that is gone.
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	wantError(t, do(r, call{method: http.MethodGet, path: "/archives/" + name, user: "t1"}), http.StatusNotFound, ErrCodeNotFound)
}

func TestBatchEndpoints_Unavailable(t *testing.T) {
	r := newTestRouter(Deps{})
	for _, c := range []call{
		{method: http.MethodPost, path: "/batches/offers", user: "t1", body: strings.NewReader(`{"collection_id":"x"}`)},
		{method: http.MethodGet, path: "/batches/tasks", user: "t1"},
		{method: http.MethodGet, path: "/status/x", user: "t1"},
		{method: http.MethodGet, path: "/archives", user: "t1"},
	} {
		wantError(t, do(r, c), http.StatusServiceUnavailable, ErrCodeUnavailable)
	}
}

func TestArchiveDisplayName(t *testing.T) {
	cases := map[string]string{
		"dGVsZWdyYW06dDE.42_my_pack.zip":          "my_pack.zip",
		"ZmVpc2h1Om91X2FsaWNl.42_cats.zip":        "cats.zip",
		"plain.zip":                               "plain.zip",
		"dGVsZWdyYW06dDE.42_":                     "dGVsZWdyYW06dDE.42_",
		"ZmVpc2h1Om91LmFsaWNl.1700000000_a_b.zip": "a_b.zip",
	}
	for in, want := range cases {
		if got := archiveDisplayName(in); got != want {
			t.Fatalf("archiveDisplayName(%q)=%q want %q", in, got, want)
		}
	}
}
