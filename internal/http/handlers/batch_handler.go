// Batch HTTP handlers.
//
//   - POST /batches/offers                 (offer a collection-wide task)
//   - POST /batches/offers/{token}/confirm (pick a mode and start it)
//   - POST /batches/tasks/{id}/cancel      (stop before the next batch)
//   - GET  /batches/tasks                  (the caller's running tasks)
//   - GET  /status/{ref}                   (poll a task status message, ETag support)
//   - GET  /archives                       (the caller's finished archives, paginated)
//   - GET  /archives/{name}                (download a finished archive)
//
// Offers, tasks and archives belong to the requester "<platform>:<account>".
package handlers

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/stickerhub/internal/batch"
	"github.com/tbourn/stickerhub/internal/http/middleware"
	"github.com/tbourn/stickerhub/internal/utils"
)

//
// DTOs
//

// CreateOfferRequest is the payload of POST /batches/offers.
type CreateOfferRequest struct {
	CollectionID string `json:"collection_id" binding:"required"`
	AnchorItemID string `json:"anchor_item_id"`
	TotalCount   int    `json:"total_count" binding:"min=0"`
}

// CreateOfferResponse carries the token used to confirm the offer.
type CreateOfferResponse struct {
	Token string `json:"token"`
}

// ConfirmOfferRequest is the payload of POST /batches/offers/{token}/confirm.
// Mode accepts forward, archive and group plus their legacy aliases.
type ConfirmOfferRequest struct {
	Mode      string `json:"mode" binding:"required"`
	StatusRef string `json:"status_ref"`
}

// CancelTaskResponse acknowledges a stop request.
type CancelTaskResponse struct {
	TaskID          string `json:"task_id"`
	CancelRequested bool   `json:"cancel_requested"`
}

// ListArchivesResponse lists a page of the caller's archive names, newest
// first.
type ListArchivesResponse struct {
	Archives []string       `json:"archives"`
	Meta     utils.PageMeta `json:"meta"`
}

// ListTasksResponse lists the caller's running tasks.
type ListTasksResponse struct {
	Tasks []batch.TaskInfo `json:"tasks"`
}

//
// Helpers
//

// batchesReady answers 503 when the engine is not wired.
func (h *Handlers) batchesReady(c *gin.Context) bool {
	if h.batches == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "batch tasks are not enabled")
		return false
	}
	return true
}

//
// Handlers
//

// CreateOffer godoc
// @ID          createOffer
// @Summary     Offer a collection batch
// @Description Records a batch offer for a collection and returns the token used to confirm it.
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       body        body    handlers.CreateOfferRequest  true  "Collection to relay"
//
// @Success     201  {object}  handlers.CreateOfferResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     503  {object}  handlers.ErrorResponse  "Batch tasks disabled"
// @Router      /batches/offers [post]
func (h *Handlers) CreateOffer(c *gin.Context) {
	platform, account, found := caller(c)
	if !found || !h.batchesReady(c) {
		return
	}

	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "collection_id required")
		return
	}

	token, err := h.batches.OfferBatch(
		c.Request.Context(),
		middleware.RequesterID(c),
		batch.Identity{Platform: platform, AccountID: account},
		strings.TrimSpace(req.CollectionID),
		strings.TrimSpace(req.AnchorItemID),
		req.TotalCount,
	)
	if err != nil {
		failErr(c, err, "")
		return
	}
	ok(c, http.StatusCreated, CreateOfferResponse{Token: token})
}

// ConfirmOffer godoc
// @ID          confirmOffer
// @Summary     Start a batch task
// @Description Starts the task described by an offer. The task runs in the background; progress is polled through GET /status/{ref} with the returned status_ref.
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       token       path    string  true  "Offer token"
// @Param       body        body    handlers.ConfirmOfferRequest  true  "Delivery mode and optional status ref"
//
// @Success     202  {object}  batch.Handle
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or mode"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     403  {object}  handlers.ErrorResponse  "Offer belongs to another requester"
// @Failure     404  {object}  handlers.ErrorResponse  "Offer not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Task already running"
// @Failure     422  {object}  handlers.ErrorResponse  "Mode unavailable"
// @Failure     503  {object}  handlers.ErrorResponse  "Batch tasks disabled"
// @Router      /batches/offers/{token}/confirm [post]
func (h *Handlers) ConfirmOffer(c *gin.Context) {
	if _, _, found := caller(c); !found || !h.batchesReady(c) {
		return
	}

	var req ConfirmOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "mode required")
		return
	}
	mode, err := batch.ParseMode(req.Mode)
	if err != nil {
		failErr(c, err, "")
		return
	}

	ref := strings.TrimSpace(req.StatusRef)
	if ref == "" {
		ref = uuid.NewString()
	}
	requester := middleware.RequesterID(c)
	handle, err := h.batches.ConfirmBatch(c.Request.Context(), c.Param("token"), requester, mode, statusKey(requester, ref))
	if err != nil {
		failErr(c, err, "")
		return
	}
	resp := *handle
	resp.StatusRef = ref
	ok(c, http.StatusAccepted, &resp)
}

// statusKey scopes a caller-chosen status ref to its requester on the board.
func statusKey(requesterID, ref string) string {
	return requesterID + "/" + ref
}

// CancelTask godoc
// @ID          cancelTask
// @Summary     Stop a batch task
// @Description Asks a running task to stop. The batch in flight finishes first.
// @Tags        Batches
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       id          path    string  true  "Task ID"
//
// @Success     202  {object}  handlers.CancelTaskResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     403  {object}  handlers.ErrorResponse  "Task belongs to another requester"
// @Failure     404  {object}  handlers.ErrorResponse  "Task not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Batch tasks disabled"
// @Router      /batches/tasks/{id}/cancel [post]
func (h *Handlers) CancelTask(c *gin.Context) {
	if _, _, found := caller(c); !found || !h.batchesReady(c) {
		return
	}

	taskID := c.Param("id")
	if err := h.batches.RequestCancel(taskID, middleware.RequesterID(c)); err != nil {
		failErr(c, err, "")
		return
	}
	ok(c, http.StatusAccepted, CancelTaskResponse{TaskID: taskID, CancelRequested: true})
}

// ListTasks godoc
// @ID          listTasks
// @Summary     List running tasks
// @Description Returns the caller's running batch tasks.
// @Tags        Batches
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
//
// @Success     200  {object}  handlers.ListTasksResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     503  {object}  handlers.ErrorResponse  "Batch tasks disabled"
// @Router      /batches/tasks [get]
func (h *Handlers) ListTasks(c *gin.Context) {
	if _, _, found := caller(c); !found || !h.batchesReady(c) {
		return
	}

	requester := middleware.RequesterID(c)
	tasks := make([]batch.TaskInfo, 0)
	for _, t := range h.batches.RunningTasks() {
		if t.RequesterID == requester {
			t.StatusRef = strings.TrimPrefix(t.StatusRef, requester+"/")
			tasks = append(tasks, t)
		}
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

// GetStatus godoc
// @ID          getStatus
// @Summary     Poll a status message
// @Description Returns one of the caller's status messages. Supports weak ETag via If-None-Match; the tag changes each time the task edits the message.
// @Tags        Batches
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       ref            path    string  true   "Status ref returned by confirm"
// @Param       If-None-Match  header  string  false  "Weak ETag from a previous response"
//
// @Success     200  {object}  batch.Status
// @Success     304  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     404  {object}  handlers.ErrorResponse  "Status not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Status board disabled"
// @Router      /status/{ref} [get]
func (h *Handlers) GetStatus(c *gin.Context) {
	if _, _, found := caller(c); !found {
		return
	}
	if h.statuses == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "status board is not enabled")
		return
	}
	ref := c.Param("ref")
	st, found := h.statuses.Get(statusKey(middleware.RequesterID(c), ref))
	if !found {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "status not found")
		return
	}
	st.Ref = ref

	etag := fmt.Sprintf(`W/"status:%s:%d"`, ref, st.Version)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, st)
}

// archivesReady answers 503 when no archive store is wired.
func (h *Handlers) archivesReady(c *gin.Context) bool {
	if h.archives == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "archives are not enabled")
		return false
	}
	return true
}

// ListArchives godoc
// @ID          listArchives
// @Summary     List archives (paginated)
// @Description Returns a page of the caller's stored archive names, newest first.
// @Tags        Archives
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       page        query   int     false  "Page number (1-based)"  default(1)
// @Param       page_size   query   int     false  "Items per page"  default(20)  maximum(100)
//
// @Success     200  {object}  handlers.ListArchivesResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     503  {object}  handlers.ErrorResponse  "Archives disabled"
// @Router      /archives [get]
func (h *Handlers) ListArchives(c *gin.Context) {
	if _, _, found := caller(c); !found || !h.archivesReady(c) {
		return
	}
	names, err := h.archives.List(middleware.RequesterID(c))
	if err != nil {
		failErr(c, err, "")
		return
	}
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize)
	items, meta := utils.Paginate(names, page, size)
	ok(c, http.StatusOK, ListArchivesResponse{Archives: items, Meta: meta})
}

// DownloadArchive godoc
// @ID          downloadArchive
// @Summary     Download an archive
// @Description Streams an archive stored for the caller. Archives of other requesters are reported as missing.
// @Tags        Archives
// @Produce     application/zip
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       name        path    string  true  "Stored archive name"
//
// @Success     200  {file}    file
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     404  {object}  handlers.ErrorResponse  "Archive not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Archives disabled"
// @Router      /archives/{name} [get]
func (h *Handlers) DownloadArchive(c *gin.Context) {
	if _, _, found := caller(c); !found || !h.archivesReady(c) {
		return
	}

	name := c.Param("name")
	if !h.archives.Owner(name, middleware.RequesterID(c)) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "archive not found")
		return
	}
	path, err := h.archives.Open(name)
	switch {
	case errors.Is(err, batch.ErrBadArchiveName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "bad archive name")
		return
	case errors.Is(err, fs.ErrNotExist):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "archive not found")
		return
	case err != nil:
		failErr(c, err, "")
		return
	}
	c.FileAttachment(path, archiveDisplayName(name))
}

// archiveDisplayName strips the "<requester>.<nanos>_" storage prefix.
func archiveDisplayName(stored string) string {
	if dot := strings.IndexByte(stored, '.'); dot >= 0 {
		if _, rest, found := strings.Cut(stored[dot+1:], "_"); found && rest != "" {
			return rest
		}
	}
	return stored
}
