// Package api provides flow authoring handlers for ZapDesk endpoints: flows
// CRUD, step graph editing, and graph validation for the visual editor.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.st.ListFlows()
	if err != nil {
		slog.Error("Server.listFlowsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := flow.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.CreateFlow(&flow); err != nil {
		if errors.Is(err, models.ErrDuplicateTrigger) || errors.Is(err, models.ErrDuplicateWildcard) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createFlowHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create flow"))
		return
	}
	slog.Info("Server.createFlowHandler: flow created", "flowID", flow.ID, "trigger", flow.TriggerKeyword)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow created successfully", flow))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	flow, err := s.st.GetFlow(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	if _, err := s.st.GetFlow(id); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow.ID = id
	if err := flow.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if flow.InitialStepID != nil {
		step, err := s.st.GetStep(*flow.InitialStepID)
		if err != nil || step.FlowID != id {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrUnknownNextStep.Error()))
			return
		}
	}
	if err := s.st.UpdateFlow(&flow); err != nil {
		if errors.Is(err, models.ErrDuplicateTrigger) || errors.Is(err, models.ErrDuplicateWildcard) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.updateFlowHandler: update failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow updated successfully", flow))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	if err := s.st.DeleteFlow(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
			return
		}
		slog.Error("Server.deleteFlowHandler: delete failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete flow"))
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted successfully", nil))
}

func (s *Server) listStepsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	steps, err := s.st.ListSteps(id)
	if err != nil {
		slog.Error("Server.listStepsHandler: list failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list steps"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(steps))
}

// saveStepHandler creates or updates one step of a flow. Graph-level checks
// (dangling edges, unreachable steps) are deferred to the validate endpoint
// so the editor can save intermediate states in any order.
func (s *Server) saveStepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	flow, err := s.st.GetFlow(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	var step models.FlowStep
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	step.FlowID = id
	if err := step.Validate(flow.TargetAudience); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveStep(&step); err != nil {
		slog.Error("Server.saveStepHandler: save failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save step"))
		return
	}
	slog.Debug("Server.saveStepHandler: step saved", "flowID", id, "stepID", step.ID, "type", step.StepType)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step saved successfully", step))
}

func (s *Server) deleteStepHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid step id"))
		return
	}
	if err := s.st.DeleteStep(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Step not found"))
			return
		}
		slog.Error("Server.deleteStepHandler: delete failed", "error", err, "stepID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete step"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step deleted successfully", nil))
}

// flowValidationResult is the validate endpoint's payload.
type flowValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// validateFlowHandler runs graph-level checks before a flow goes live.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	flow, err := s.st.GetFlow(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	steps, err := s.st.ListSteps(id)
	if err != nil {
		slog.Error("Server.validateFlowHandler: step listing failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to validate flow"))
		return
	}

	problems := validateFlowGraph(flow, steps)
	result := flowValidationResult{Valid: len(problems) == 0, Problems: problems}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// validateFlowGraph checks the invariants a single-step save cannot see.
func validateFlowGraph(flow *models.Flow, steps []models.FlowStep) []string {
	var problems []string

	known := make(map[int64]bool, len(steps))
	for _, step := range steps {
		known[step.ID] = true
	}

	if flow.InitialStepID == nil {
		problems = append(problems, "flow has no initial step")
	} else if !known[*flow.InitialStepID] {
		problems = append(problems, fmt.Sprintf("initial step %d does not belong to this flow", *flow.InitialStepID))
	}

	checkEdge := func(stepID int64, label string, target *int64) {
		if target != nil && !known[*target] {
			problems = append(problems, fmt.Sprintf("step %d: %s references unknown step %d", stepID, label, *target))
		}
	}
	for _, step := range steps {
		checkEdge(step.ID, "next step", step.NextStepID)
		checkEdge(step.ID, "failure step", step.NextStepIDOnFail)
		for _, opt := range step.PollOptions {
			checkEdge(step.ID, fmt.Sprintf("option %q", opt.OptionText), opt.NextStepIDOnSelect)
		}
		if err := step.Validate(flow.TargetAudience); err != nil {
			problems = append(problems, fmt.Sprintf("step %d: %v", step.ID, err))
		}
	}
	return problems
}

func (s *Server) listSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return
	}
	submissions, err := s.st.ListFormSubmissions(id)
	if err != nil {
		slog.Error("Server.listSubmissionsHandler: list failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list submissions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(submissions))
}
