package auth

import "net/http"

func Register(mux *http.ServeMux, gate *Gate, h *Handler, users *UsersHandler) {
	authenticated := RouteOptions{}
	admin := RouteOptions{Role: RoleAdmin}

	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("GET /auth/health", h.Health)
	mux.Handle("POST /auth/logout", gate.Protect(authenticated, http.HandlerFunc(h.Logout)))
	mux.Handle("GET /auth/me", gate.Protect(authenticated, http.HandlerFunc(h.Me)))
	mux.Handle("POST /auth/change-password", gate.Protect(authenticated, http.HandlerFunc(h.ChangePassword)))

	mux.Handle("GET /users", gate.Protect(admin, http.HandlerFunc(users.List)))
	mux.Handle("POST /users", gate.Protect(admin, http.HandlerFunc(users.Create)))
	mux.Handle("GET /users/{id}", gate.Protect(admin, http.HandlerFunc(users.Get)))
	mux.Handle("PUT /users/{id}", gate.Protect(admin, http.HandlerFunc(users.Update)))
	mux.Handle("DELETE /users/{id}", gate.Protect(admin, http.HandlerFunc(users.Delete)))
}
