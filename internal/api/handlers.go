// Package api provides HTTP handlers for ZapDesk endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zapdesk/zapdesk/internal/auth"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse carries the issued token and the authenticated user.
type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.loginHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Email and password are required"))
		return
	}

	user, err := s.st.GetUserByEmail(req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Server.loginHandler: user lookup failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to authenticate"))
			return
		}
		slog.Warn("Server.loginHandler: unknown email", "email", req.Email)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error(auth.ErrInvalidCredentials.Error()))
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		slog.Warn("Server.loginHandler: wrong password", "userID", user.ID)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error(auth.ErrInvalidCredentials.Error()))
		return
	}

	token, err := s.authMg.IssueToken(user)
	if err != nil {
		slog.Error("Server.loginHandler: token issuance failed", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to issue token"))
		return
	}
	slog.Info("Server.loginHandler: user authenticated", "userID", user.ID, "role", user.Role)
	writeJSONResponse(w, http.StatusOK, models.Success(loginResponse{Token: token, User: user}))
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	user, err := s.st.GetUser(claims.UserID)
	if err != nil {
		slog.Error("Server.meHandler: user lookup failed", "error", err, "userID", claims.UserID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

// userRequest is the POST/PUT /users body. Password is plaintext on input and
// hashed before storage.
type userRequest struct {
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
	Address  string      `json:"address"`
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.ListUsers()
	if err != nil {
		slog.Error("Server.listUsersHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list users"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Name, email and password are required"))
		return
	}
	if req.Role == "" {
		req.Role = models.RoleAgent
	}
	if req.Role != models.RoleAgent && req.Role != models.RoleAdmin {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid role"))
		return
	}
	if existing, err := s.st.GetUserByEmail(req.Email); err == nil && existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("Email already in use"))
		return
	}

	address := req.Address
	if address != "" {
		canonical, err := s.msg.ValidateAndCanonicalizeRecipient(address)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid address: "+err.Error()))
			return
		}
		address = canonical
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("Server.createUserHandler: password hashing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create user"))
		return
	}

	user := &models.User{
		Name:         req.Name,
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
		Role:         req.Role,
		Address:      address,
	}
	if err := s.st.CreateUser(user); err != nil {
		slog.Error("Server.createUserHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create user"))
		return
	}
	slog.Info("Server.createUserHandler: user created", "userID", user.ID, "role", user.Role)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("User created successfully", user))
}

func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user id"))
		return
	}
	user, err := s.st.GetUser(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Email != "" {
		user.Email = strings.TrimSpace(req.Email)
	}
	if req.Role != "" {
		if req.Role != models.RoleAgent && req.Role != models.RoleAdmin {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid role"))
			return
		}
		user.Role = req.Role
	}
	if req.Address != "" {
		canonical, err := s.msg.ValidateAndCanonicalizeRecipient(req.Address)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid address: "+err.Error()))
			return
		}
		user.Address = canonical
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update user"))
			return
		}
		user.PasswordHash = hash
	}
	if err := s.st.UpdateUser(user); err != nil {
		slog.Error("Server.updateUserHandler: update failed", "error", err, "userID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User updated successfully", user))
}
