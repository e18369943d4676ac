package http

import (
	"errors"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

// SyncHandler is the operator API. Every route sits behind JWTAuth.
type SyncHandler struct {
	sync      in.SyncUseCase
	failed    out.FailedJobReader
	registry  out.AccountRegistry
	directory out.AccountDirectory
	emails    out.EmailReader
}

func NewSyncHandler(
	syncer in.SyncUseCase,
	failed out.FailedJobReader,
	registry out.AccountRegistry,
	directory out.AccountDirectory,
	emails out.EmailReader,
) *SyncHandler {
	return &SyncHandler{
		sync:      syncer,
		failed:    failed,
		registry:  registry,
		directory: directory,
		emails:    emails,
	}
}

func (h *SyncHandler) Register(router fiber.Router) {
	router.Post("/sync/:account_id", h.TriggerSync)
	router.Get("/sync/:account_id", h.GetStatus)
	router.Get("/jobs/failed", h.ListFailedJobs)

	accounts := router.Group("/accounts")
	accounts.Post("/", h.CreateAccount)
	accounts.Post("/:account_id/disable", h.DisableAccount)
	accounts.Get("/:account_id/emails/:message_id", h.GetEmail)
}

// TriggerSync starts a manual run. It answers 202 once the run's jobs are
// enqueued and 409 when the account is already syncing.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c, "account_id")
	if err != nil {
		return err
	}

	opts := domain.SyncOptions{
		FullSync:   c.QueryBool("full", false),
		Source:     domain.SyncSourceManual,
		MaxResults: c.QueryInt("max_results", 0),
	}
	if opts.MaxResults < 0 {
		return apperr.BadRequest("max_results must not be negative")
	}

	result, err := h.sync.SyncAccount(c.UserContext(), accountID, opts)
	if err != nil {
		return syncError(accountID, err)
	}
	if result.Skipped {
		return apperr.SyncInProgress(accountID)
	}

	logger.WithFields(map[string]any{
		"account_id": accountID,
		"operator":   c.Locals("operator"),
		"mode":       result.Mode,
		"jobs":       result.JobsEnqueued,
	}).Info("[SyncHandler.TriggerSync] Manual sync enqueued")

	return AcceptedResponse(c, result)
}

func (h *SyncHandler) GetStatus(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c, "account_id")
	if err != nil {
		return err
	}
	state, err := h.sync.Status(c.UserContext(), accountID)
	if err != nil {
		return syncError(accountID, err)
	}
	return SuccessResponse(c, state)
}

func (h *SyncHandler) ListFailedJobs(c *fiber.Ctx) error {
	kind := domain.JobKind(c.Query("kind"))
	if kind != "" && !validKind(kind) {
		return apperr.BadRequest("unknown job kind: " + string(kind))
	}

	limit := c.QueryInt("limit", defaultFailedLimit)
	if limit <= 0 || limit > maxFailedLimit {
		return apperr.BadRequest("limit must be between 1 and 500")
	}

	failed, err := h.failed.ListFailed(c.UserContext(), kind, int64(limit))
	if err != nil {
		return apperr.QueueError(err)
	}
	return SuccessResponse(c, ListResponse{Items: failed, Total: len(failed)})
}

// CreateAccountRequest registers a mailbox with a token pair obtained by the
// OAuth flow of the surrounding product.
type CreateAccountRequest struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry"`
}

func (h *SyncHandler) CreateAccount(c *fiber.Ctx) error {
	var req CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return apperr.BadRequest("email is required")
	}
	if req.RefreshToken == "" {
		return apperr.BadRequest("refresh_token is required")
	}

	acc := &domain.Account{
		Provider:     domain.ProviderGmail,
		Email:        req.Email,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.TokenExpiry,
	}
	if req.UserID != "" {
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			return apperr.BadRequest("invalid user_id")
		}
		acc.UserID = userID
	}

	if err := h.registry.CreateAccount(c.UserContext(), acc); err != nil {
		return apperr.DatabaseError(err)
	}

	logger.WithFields(map[string]any{
		"account_id": acc.ID,
		"operator":   c.Locals("operator"),
	}).Info("[SyncHandler.CreateAccount] Account registered")

	return CreatedResponse(c, acc)
}

// DisableAccount clears the account's tokens and excludes it from triggers.
func (h *SyncHandler) DisableAccount(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c, "account_id")
	if err != nil {
		return err
	}
	if err := h.directory.Disable(c.UserContext(), accountID); err != nil {
		return syncError(accountID, err)
	}

	logger.WithFields(map[string]any{
		"account_id": accountID,
		"operator":   c.Locals("operator"),
	}).Warn("[SyncHandler.DisableAccount] Account disabled")

	return SuccessResponse(c, fiber.Map{"account_id": accountID, "disabled": true})
}

func (h *SyncHandler) GetEmail(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c, "account_id")
	if err != nil {
		return err
	}
	messageID := c.Params("message_id")
	if messageID == "" {
		return apperr.BadRequest("message_id is required")
	}

	email, err := h.emails.GetEmail(c.UserContext(), accountID, messageID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("email")
		}
		return apperr.DatabaseError(err)
	}
	return SuccessResponse(c, email)
}

func validKind(kind domain.JobKind) bool {
	for _, k := range domain.JobKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// syncError maps orchestrator and directory errors to API errors.
func syncError(accountID int64, err error) error {
	var providerErr *out.ProviderError
	switch {
	case errors.Is(err, mailsync.ErrAccountDisabled):
		return apperr.Disabled(accountID)
	case errors.Is(err, out.ErrAccountNotFound):
		return apperr.NotFound("account")
	case errors.As(err, &providerErr):
		return apperr.ProviderError(err)
	default:
		return apperr.Internal(err)
	}
}
