package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
)

const postBodyMaxSize = 16 << 10

type handler struct {
	engine  Engine
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, in which case idempotency keys are not enforced.
func Register(e *echo.Echo, engine Engine, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{engine: engine, auth: auth, deduper: deduper, logger: logger}
	e.PUT("/api/session", h.putSession)
	e.DELETE("/api/session", h.deleteSession)
	e.GET("/api/view", h.getView)
	e.GET("/api/view/stream", h.streamView)
	e.GET("/api/view/ws", h.wsView)
	e.POST("/api/list", h.postList)
	e.POST("/api/tasks", h.postTask)
	e.POST("/api/tasks/:id/complete", h.postComplete)
	e.POST("/api/resync", h.postResync)
	e.GET("/healthz", h.healthz)
}

func (h *handler) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// sessionAccount authenticates the request and checks that it acts for the
// selected account. When ok is false the response has been written.
func (h *handler) sessionAccount(c echo.Context) (account string, ok bool, err error) {
	account, authErr := h.auth.AccountFromAuthHeader(authHeader(c))
	if authErr != nil {
		return "", false, c.String(http.StatusUnauthorized, authErr.Error())
	}
	selected := h.engine.Snapshot().Account
	if selected == "" {
		return "", false, h.writeError(c, domain.ErrNoAccount)
	}
	if selected != account {
		return "", false, c.JSON(http.StatusForbidden, errorResponse{Error: "session belongs to another account"})
	}
	return account, true, nil
}

func (h *handler) putSession(c echo.Context) error {
	account, err := h.auth.AccountFromAuthHeader(authHeader(c))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	if err := h.engine.SelectAccount(c.Request().Context(), account); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, visible(account, h.engine.Snapshot()))
}

func (h *handler) deleteSession(c echo.Context) error {
	if _, ok, err := h.sessionAccount(c); !ok {
		return err
	}
	if err := h.engine.SelectAccount(c.Request().Context(), ""); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) getView(c echo.Context) error {
	account, err := h.auth.AccountFromAuthHeader(authHeader(c))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, visible(account, h.engine.Snapshot()))
}

func (h *handler) postList(c echo.Context) error {
	account, ok, err := h.sessionAccount(c)
	if !ok {
		return err
	}
	if err := h.engine.CreateList(c.Request().Context()); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, visible(account, h.engine.Snapshot()))
}

func (h *handler) postTask(c echo.Context) error {
	account, ok, err := h.sessionAccount(c)
	if !ok {
		return err
	}

	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postBodyMaxSize))
	dec.DisallowUnknownFields()
	var req createTaskRequest
	if err := dec.Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return h.writeError(c, domain.ErrEmptyContent)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	ctx := c.Request().Context()
	if h.deduper != nil {
		added, err := h.deduper.Add(ctx, account, key)
		if err != nil {
			h.logger.WithError(err).Error("deduper add failed")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
		}
		if !added {
			return h.duplicateTask(c, account, key)
		}
	}

	task, err := h.engine.SubmitCreate(ctx, req.Content)
	if err != nil {
		if h.deduper != nil {
			if rmErr := h.deduper.Remove(context.WithoutCancel(ctx), account, key); rmErr != nil {
				h.logger.WithFields(log.Fields{"account": account, "key": key, "error": rmErr}).Warn("failed to release idempotency key")
			}
		}
		return h.writeError(c, err)
	}
	if h.deduper != nil {
		if err := h.deduper.Resolve(context.WithoutCancel(ctx), account, key, task.TaskID); err != nil {
			h.logger.WithFields(log.Fields{"account": account, "key": key, "error": err}).Warn("failed to record idempotency result")
		}
	}
	return c.JSON(http.StatusCreated, createTaskResponse{Task: task, IdempotencyKey: key})
}

func (h *handler) duplicateTask(c echo.Context, account, key string) error {
	taskID, done, err := h.deduper.Lookup(c.Request().Context(), account, key)
	if err != nil {
		h.logger.WithError(err).Error("deduper lookup failed")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
	}
	if !done {
		return c.JSON(http.StatusConflict, errorResponse{Error: "request already in progress"})
	}
	task := domain.Task{TaskID: taskID, Address: account}
	for _, t := range h.engine.Snapshot().Tasks {
		if t.TaskID == taskID {
			task = t
			break
		}
	}
	return c.JSON(http.StatusOK, createTaskResponse{Task: task, IdempotencyKey: key, Duplicate: true})
}

func (h *handler) postComplete(c echo.Context) error {
	account, ok, err := h.sessionAccount(c)
	if !ok {
		return err
	}
	taskID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || taskID == 0 {
		return h.writeError(c, domain.ErrUnknownTask)
	}
	if err := h.engine.SubmitComplete(c.Request().Context(), taskID); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, visible(account, h.engine.Snapshot()))
}

func (h *handler) postResync(c echo.Context) error {
	account, ok, err := h.sessionAccount(c)
	if !ok {
		return err
	}
	if err := h.engine.Resync(c.Request().Context()); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, visible(account, h.engine.Snapshot()))
}

// writeError maps engine errors onto HTTP responses.
func (h *handler) writeError(c echo.Context, err error) error {
	var (
		submitErr  *domain.SubmitError
		fetchErr   *domain.FetchError
		gatewayErr *domain.GatewayError
	)
	switch {
	case errors.Is(err, domain.ErrBusy):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Reason: "busy"})
	case errors.Is(err, domain.ErrNoAccount):
		return c.JSON(http.StatusPreconditionFailed, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrAccountChanged):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Reason: "account_changed"})
	case errors.Is(err, domain.ErrNoList), errors.Is(err, domain.ErrListExists):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrEmptyContent), errors.Is(err, domain.ErrUnknownTask), errors.Is(err, domain.ErrTaskCompleted):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &submitErr):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error(), Reason: string(submitErr.Reason)})
	case errors.As(err, &fetchErr):
		h.logger.WithError(err).Warn("ledger fetch failed")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), TaskID: fetchErr.TaskID})
	case errors.As(err, &gatewayErr):
		h.logger.WithError(err).Warn("ledger unavailable")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		h.logger.WithError(err).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
