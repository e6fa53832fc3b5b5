// Binding HTTP handlers.
//
//   - POST /bind          (issue a pairing code, or consume one)
//   - POST /bind/webhook  (deliver through a webhook instead of an account)
//   - GET  /targets       (resolved delivery target, ETag support)
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/repo"
	"github.com/tbourn/stickerhub/internal/services"
)

//
// DTOs
//

// BindRequest is the payload of POST /bind. Without a code a new pairing
// code is issued for the caller's hub.
type BindRequest struct {
	Code string `json:"code"`
}

// BindWebhookRequest is the payload of POST /bind/webhook.
type BindWebhookRequest struct {
	URL string `json:"url" binding:"required"`
}

// BindResponse carries the user-facing result text.
type BindResponse struct {
	Message string `json:"message"`
}

// TargetResponse describes where the caller's assets go. Webhook targets are
// masked since the URL is a credential.
type TargetResponse struct {
	HubID  string              `json:"hub_id"`
	Mode   domain.DeliveryMode `json:"mode"`
	Target string              `json:"target"`
}

//
// Handlers
//

// Bind godoc
// @ID          bind
// @Summary     Issue or consume a pairing code
// @Description Without a code, issues a pairing code for the caller's hub. With a code, binds the caller to the hub that issued it. Consumption failures come back as 4xx with the user-facing text as message.
// @Tags        Binding
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       body        body    handlers.BindRequest  false  "Code to consume; omit to issue one"
//
// @Success     201  {object}  handlers.BindResponse   "Code issued"
// @Success     200  {object}  handlers.BindResponse   "Bound"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid code or body"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     409  {object}  handlers.ErrorResponse  "Code already used"
// @Failure     410  {object}  handlers.ErrorResponse  "Code expired"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bind [post]
func (h *Handlers) Bind(c *gin.Context) {
	platform, account, found := caller(c)
	if !found {
		return
	}

	var req BindRequest
	// An empty body means "issue a code".
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ctx := c.Request.Context()
	if strings.TrimSpace(req.Code) == "" {
		msg, err := h.binding.RequestPairingCode(ctx, platform, account)
		if err != nil {
			failErr(c, err, msg)
			return
		}
		ok(c, http.StatusCreated, BindResponse{Message: msg})
		return
	}

	msg, err := h.binding.ConsumeCode(ctx, platform, account, req.Code)
	if err != nil {
		failErr(c, err, msg)
		return
	}
	ok(c, http.StatusOK, BindResponse{Message: msg})
}

// BindWebhook godoc
// @ID          bindWebhook
// @Summary     Deliver through a webhook
// @Description Registers a webhook override for the caller's hub. Assets then go to the webhook instead of a bound account.
// @Tags        Binding
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       body        body    handlers.BindWebhookRequest  true  "Webhook URL"
//
// @Success     200  {object}  handlers.BindResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing or disallowed URL"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bind/webhook [post]
func (h *Handlers) BindWebhook(c *gin.Context) {
	platform, account, found := caller(c)
	if !found {
		return
	}

	var req BindWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url required")
		return
	}

	msg, err := h.binding.RegisterWebhookOverride(c.Request.Context(), platform, account, req.URL)
	if err != nil {
		failErr(c, err, msg)
		return
	}
	ok(c, http.StatusOK, BindResponse{Message: msg})
}

// Targets godoc
// @ID          getTargets
// @Summary     Resolve the delivery target
// @Description Returns where the caller's assets go. Webhook URLs are masked. Supports weak ETag via If-None-Match; the tag changes with the hub's bindings and webhook override.
// @Tags        Binding
// @Produce     json
//
// @Param       X-User-ID   header  string  true   "Account ID on the caller's platform"  example(10001)
// @Param       X-Platform  header  string  false  "Caller platform (telegram when empty)"  example(telegram)
// @Param       If-None-Match  header  string  false  "Weak ETag from a previous response"
//
// @Success     200  {object}  handlers.TargetResponse
// @Success     304  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing caller"
// @Failure     404  {object}  handlers.ErrorResponse  "Account not bound"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /targets [get]
func (h *Handlers) Targets(c *gin.Context) {
	platform, account, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()

	hubID, err := h.binding.HubID(ctx, platform, account)
	if err != nil {
		failErr(c, err, "")
		return
	}
	if hubID == "" {
		fail(c, http.StatusNotFound, ErrCodeNoTarget, "account is not bound; send /bind to pair it")
		return
	}

	// ETag pre-check (best effort).
	if h.db != nil {
		if count, last, err := repo.HubStats(ctx, h.db, hubID); err == nil {
			var ts int64
			if last != nil {
				ts = last.UnixNano()
			}
			etag := fmt.Sprintf(`W/"targets:%s:%d:%d"`, hubID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	target, err := h.binding.ResolveDeliveryTarget(ctx, platform, account)
	if err != nil {
		failErr(c, err, "")
		return
	}
	if target == nil {
		fail(c, http.StatusNotFound, ErrCodeNoTarget, "no delivery target; pair an account or register a webhook")
		return
	}

	resp := TargetResponse{HubID: hubID, Mode: target.Mode, Target: target.Target}
	if target.Mode == domain.DeliveryWebhook {
		resp.Target = services.MaskURL(target.Target)
	}
	ok(c, http.StatusOK, resp)
}
