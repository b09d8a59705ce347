/*
Package handler provides HTTP handler functions for participant registration and lookup.
*/
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"relaychat/internal/app/store"
	"relaychat/internal/app/user"
	"relaychat/internal/pkg/auth/jwt"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/req"
	"relaychat/internal/pkg/resp"
)

type RegisterOrLoginInput struct {
	RoleID    string `json:"roleId" validate:"required,max=128"`
	FirstName string `json:"firstName" validate:"required,max=64"`
	LastName  string `json:"lastName" validate:"required,max=64"`
	Role      string `json:"role" validate:"required"`
}

type UserResponse struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

type RegisterOrLoginResponse struct {
	User  UserResponse `json:"user"`
	Token string       `json:"token"`
}

func toUserResponse(u user.User) UserResponse {
	return UserResponse{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.Role),
	}
}

// respondStoreError renders a store failure, hiding internal details behind a generic code.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrMalformed):
		resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
	case errors.Is(err, store.ErrUserNotFound):
		resp.RespondError(w, r, errs.NewError(errs.ErrUserNotFound))
	default:
		logx.Error(err, msg)
		resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
	}
}

func (deps *AppDeps) roleList() string {
	return strings.Join(lo.Map(deps.Policy.Roles(), func(r user.Role, _ int) string { return string(r) }), ", ")
}

// HandleRegisterOrLogin finds the participant registered under (roleId, role) or creates it,
// and issues a role tag token for the websocket. It answers 201 when the participant was created
// and 200 when it already existed.
func HandleRegisterOrLogin(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input RegisterOrLoginInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		role := user.Role(strings.TrimSpace(input.Role))
		if !deps.Policy.IsKnownRole(role) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoleInvalid, deps.roleList()))
			return
		}

		u, created, err := deps.Store.FindOrCreateUser(r.Context(), strings.TrimSpace(input.RoleID), role, input.FirstName, input.LastName)
		if err != nil {
			respondStoreError(w, r, err, "Failed to find or create user")
			return
		}

		token, err := jwt.IssueRoleTag(u.ID, string(u.Role), deps.Config.JWTSecret)
		if err != nil {
			logx.Error(err, "Failed to sign role tag", "user_id", u.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		data := RegisterOrLoginResponse{User: toUserResponse(u), Token: token}
		if created {
			logx.Info("User registered", "user_id", u.ID, "role", string(u.Role))
			resp.RespondCreated(w, r, data)
			return
		}
		resp.RespondSuccess(w, r, data)
	}
}

// HandleListUsers returns every registered participant, optionally filtered by ?role=.
func HandleListUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := user.Role(strings.TrimSpace(r.URL.Query().Get("role")))
		if role != user.RoleUnknown && !deps.Policy.IsKnownRole(role) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoleInvalid, deps.roleList()))
			return
		}

		users, err := deps.Store.ListUsers(r.Context())
		if err != nil {
			respondStoreError(w, r, err, "Failed to list users")
			return
		}

		if role != user.RoleUnknown {
			users = lo.Filter(users, func(u user.User, _ int) bool { return u.Role == role })
		}

		resp.RespondSuccess(w, r, map[string]any{
			"users": lo.Map(users, func(u user.User, _ int) UserResponse { return toUserResponse(u) }),
		})
	}
}

// HandleGetUser returns a single participant by identity.
func HandleGetUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondStoreError(w, r, err, "Failed to get user")
			return
		}
		resp.RespondSuccess(w, r, map[string]any{"user": toUserResponse(u)})
	}
}
