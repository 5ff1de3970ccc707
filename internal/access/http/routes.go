package accesshttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const rateLimit = 30
const rateWindow = time.Minute

// AdminPage is the page a caller must be able to open to manage the cache.
const AdminPage = "admin"

// Guard authorises callers before a handler runs.
type Guard interface {
	RequirePage(pageKey string) func(http.Handler) http.Handler
	RequireAny(perms ...string) func(http.Handler) http.Handler
	UserID(r *http.Request) (string, bool)
}

// MountRoutes registers the access API under /api.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(h.rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/api", func(r chi.Router) {
		r.Get("/pages/visibility", h.listPages)
		r.Get("/pages/{pageKey}/visibility", h.showPage)
		r.With(h.requireAny("pages.manage")).Put("/pages/{pageKey}/visibility", h.updatePage)

		r.Get("/roles/{roleKey}/pages", h.listRolePages)
		r.With(h.requireAny("roles.manage")).Put("/roles/{roleKey}/pages", h.updateRolePages)
		r.Get("/roles/{roleKey}/pages/{pageKey}/access", h.showRoleAccess)

		r.Get("/users/{userID}/permissions", h.showUserPermissions)
		r.Post("/session/logout", h.logout)

		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Use(h.requirePage(AdminPage))
			gr.Post("/cache/invalidate", h.invalidate)
			gr.Delete("/cache", h.clear)
		})
	})
}

func (h *Handler) requireAny(perms ...string) func(http.Handler) http.Handler {
	if h.guard == nil {
		return passThrough
	}
	return h.guard.RequireAny(perms...)
}

func (h *Handler) requirePage(pageKey string) func(http.Handler) http.Handler {
	if h.guard == nil {
		return passThrough
	}
	return h.guard.RequirePage(pageKey)
}

func (h *Handler) rateLimitKey(r *http.Request) (string, error) {
	if h.guard != nil {
		if user, ok := h.guard.UserID(r); ok && strings.TrimSpace(user) != "" {
			return "user:" + user, nil
		}
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func passThrough(next http.Handler) http.Handler {
	return next
}
