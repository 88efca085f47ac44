// Package api provides administration handlers for ZapDesk endpoints:
// external database credentials and outbound integrations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

func (s *Server) listCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	credentials, err := s.st.ListCredentials()
	if err != nil {
		slog.Error("Server.listCredentialsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list credentials"))
		return
	}
	// Pass is json:"-" on the model; listings never leak secrets.
	writeJSONResponse(w, http.StatusOK, models.Success(credentials))
}

// credentialRequest is the POST /credentials body. Unlike the model, it
// accepts the password on input.
type credentialRequest struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Dialect string `json:"dialect"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	DBName  string `json:"db_name"`
}

func (s *Server) saveCredentialHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name == "" || req.Host == "" || req.User == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Name, host and user are required"))
		return
	}
	dialect := strings.ToLower(req.Dialect)
	if dialect != "mysql" && dialect != "postgres" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Dialect must be mysql or postgres"))
		return
	}

	cred := &models.DatabaseCredential{
		ID:      req.ID,
		Name:    req.Name,
		Dialect: dialect,
		Host:    req.Host,
		Port:    req.Port,
		User:    req.User,
		Pass:    req.Pass,
		DBName:  req.DBName,
	}
	// On update with an empty password, keep the stored one.
	if cred.ID != 0 && cred.Pass == "" {
		existing, err := s.st.GetCredential(cred.ID)
		if err != nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Credential not found"))
			return
		}
		cred.Pass = existing.Pass
	}
	if err := s.st.SaveCredential(cred); err != nil {
		slog.Error("Server.saveCredentialHandler: save failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save credential"))
		return
	}
	slog.Info("Server.saveCredentialHandler: credential saved", "credentialID", cred.ID, "dialect", cred.Dialect)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Credential saved successfully", cred))
}

func (s *Server) deleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid credential id"))
		return
	}
	if err := s.st.DeleteCredential(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Credential not found"))
			return
		}
		slog.Error("Server.deleteCredentialHandler: delete failed", "error", err, "credentialID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete credential"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Credential deleted successfully", nil))
}

func (s *Server) listIntegrationsHandler(w http.ResponseWriter, r *http.Request) {
	integrations, err := s.st.ListIntegrations()
	if err != nil {
		slog.Error("Server.listIntegrationsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list integrations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(integrations))
}

func (s *Server) saveIntegrationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var integration models.Integration
	if err := json.NewDecoder(r.Body).Decode(&integration); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if integration.Name == "" || integration.TargetURL == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Name and target URL are required"))
		return
	}
	if integration.Type == "" {
		integration.Type = models.IntegrationTypeWebhook
	}
	if integration.Type != models.IntegrationTypeWebhook {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported integration type"))
		return
	}
	if err := s.st.SaveIntegration(&integration); err != nil {
		slog.Error("Server.saveIntegrationHandler: save failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save integration"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Integration saved successfully", integration))
}

func (s *Server) deleteIntegrationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid integration id"))
		return
	}
	if err := s.st.DeleteIntegration(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Integration not found"))
			return
		}
		slog.Error("Server.deleteIntegrationHandler: delete failed", "error", err, "integrationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete integration"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Integration deleted successfully", nil))
}
