package accesshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/httpx"
)

// Service is the access behaviour the handlers expose.
type Service interface {
	PageVisibility(ctx context.Context, pageKey string) (permcache.PageVisibility, error)
	AllPages(ctx context.Context) (permcache.PagesSnapshot, error)
	SetPageVisibility(ctx context.Context, pageKey string, enabled bool) error
	RolePermission(ctx context.Context, roleKey, pageKey string) (permcache.RolePermission, error)
	RolePages(ctx context.Context, roleKey string) (permcache.RolePages, error)
	UpdateRolePages(ctx context.Context, roleKey string, pages []permcache.PageAccess) error
	UserPermissions(ctx context.Context, userID string) (permcache.UserPermissionSet, error)
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Logout(ctx context.Context, userID string) error
}

// Handler serves the visibility, permission and cache admin endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	guard     Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler. guard may be nil, in which case every route
// is open.
func NewHandler(logger *slog.Logger, service Service, guard Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

type pageVisibilityRequest struct {
	IsEnabled *bool `json:"is_enabled" validate:"required"`
}

type pageAccessRequest struct {
	PageKey   string `json:"page_key" validate:"required,max=128"`
	HasAccess *bool  `json:"has_access" validate:"required"`
}

type rolePagesRequest struct {
	Pages []pageAccessRequest `json:"pages" validate:"dive"`
}

type invalidateRequest struct {
	Key    string `json:"key" validate:"required_without=Prefix,excluded_with=Prefix"`
	Prefix string `json:"prefix" validate:"required_without=Key,excluded_with=Key"`
}

type logoutRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

func (h *Handler) listPages(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.AllPages(r.Context())
	if err != nil {
		h.fail(w, r, "list pages", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) showPage(w http.ResponseWriter, r *http.Request) {
	pageKey, err := pathParam(r, "pageKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	vis, err := h.service.PageVisibility(r.Context(), pageKey)
	if err != nil {
		h.fail(w, r, "page visibility", err)
		return
	}
	httpx.JSON(w, http.StatusOK, vis)
}

func (h *Handler) updatePage(w http.ResponseWriter, r *http.Request) {
	pageKey, err := pathParam(r, "pageKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req pageVisibilityRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetPageVisibility(r.Context(), pageKey, *req.IsEnabled); err != nil {
		h.fail(w, r, "update page visibility", err)
		return
	}
	httpx.JSON(w, http.StatusOK, permcache.PageVisibility{PageKey: pageKey, IsEnabled: *req.IsEnabled})
}

func (h *Handler) listRolePages(w http.ResponseWriter, r *http.Request) {
	roleKey, err := pathParam(r, "roleKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pages, err := h.service.RolePages(r.Context(), roleKey)
	if err != nil {
		h.fail(w, r, "role pages", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pages)
}

func (h *Handler) updateRolePages(w http.ResponseWriter, r *http.Request) {
	roleKey, err := pathParam(r, "roleKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req rolePagesRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pages := make([]permcache.PageAccess, 0, len(req.Pages))
	for _, p := range req.Pages {
		pages = append(pages, permcache.PageAccess{PageKey: p.PageKey, HasAccess: *p.HasAccess})
	}
	if err := h.service.UpdateRolePages(r.Context(), roleKey, pages); err != nil {
		h.fail(w, r, "update role pages", err)
		return
	}
	httpx.JSON(w, http.StatusOK, permcache.RolePages{RoleKey: roleKey, Pages: pages})
}

func (h *Handler) showRoleAccess(w http.ResponseWriter, r *http.Request) {
	roleKey, err := pathParam(r, "roleKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pageKey, err := pathParam(r, "pageKey")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.RolePermission(r.Context(), roleKey, pageKey)
	if err != nil {
		h.fail(w, r, "role permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) showUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathParam(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perms, err := h.service.UserPermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var err error
	if req.Key != "" {
		err = h.service.Invalidate(r.Context(), req.Key)
	} else {
		err = h.service.InvalidatePrefix(r.Context(), req.Prefix)
	}
	if err != nil {
		h.fail(w, r, "invalidate", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.Context()); err != nil {
		h.fail(w, r, "clear", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Logout(r.Context(), req.UserID); err != nil {
		h.fail(w, r, "logout", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validator.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

// fail logs server side failures and maps err to a problem response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// pathParam returns the decoded chi URL parameter name. chi routes on
// URL.RawPath when it is set, so only then is the parameter still escaped.
func pathParam(r *http.Request, name string) (string, error) {
	value := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return "", fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
		}
		value = unescaped
	}
	if value == "" {
		return "", fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return value, nil
}
