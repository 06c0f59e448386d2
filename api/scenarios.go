/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built academies that populate the database with realistic
  data for demos. Each scenario registers students and writes dues for the
  last few months relative to today.

AVAILABLE SCENARIOS:
  small-academy:   Five students, three months, mostly paid
  delinquency:     Students behind on several months
  mixed-due-days:  One student per due day (10, 15, 25), current month
                   generated and classified against today

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Register students
  3. Write past dues with explicit statuses
  4. Optionally generate the current month
  5. Clear the cache

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "small-academy"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler, error mapping
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-academy",
		Name:        "Small Academy",
		Description: "Five students over the last three months, mostly paid",
	},
	{
		ID:          "delinquency",
		Name:        "Delinquency",
		Description: "Students behind on several months, one absence charged",
	},
	{
		ID:          "mixed-due-days",
		Name:        "Mixed Due Days",
		Description: "One student per due day; current month classified against today",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"small-academy":  (*Handler).loadSmallAcademy,
	"delinquency":    (*Handler).loadDelinquency,
	"mixed-due-days": (*Handler).loadMixedDueDays,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario wipes the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.validator.decodeAndValidate(r, &req, false); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		h.writeFailure(w, r, &billing.ValidationError{Field: "scenario_id", Value: req.ScenarioID, Reason: "unknown scenario"})
		return
	}
	if h.resetter == nil {
		writeError(w, http.StatusNotImplemented, "scenarios are not available on this store", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.resetter.Reset(ctx); err != nil {
		h.writeFailure(w, r, fmt.Errorf("reset: %w", err))
		return
	}
	err := load(h, ctx)
	h.Dues.Manager().Clear()
	if err != nil {
		h.writeFailure(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seedStudent struct {
	id     string
	name   string
	dueDay billing.DueDay
	fee    string
}

// seedDue is a past due with an explicit status. monthsAgo is relative to
// the current month.
type seedDue struct {
	studentID  string
	monthsAgo  int
	status     billing.Status
	collectAbs bool
}

func (h *Handler) seed(ctx context.Context, students []seedStudent, dues []seedDue) error {
	byID := make(map[string]billing.Student, len(students))
	for _, s := range students {
		st, err := h.Engine.RegisterStudent(ctx, billing.Student{
			ID:         s.id,
			Name:       s.name,
			Active:     true,
			DueDay:     s.dueDay,
			GraceDays:  h.Engine.DefaultGraceDays(),
			MonthlyFee: decimal.RequireFromString(s.fee),
		})
		if err != nil {
			return err
		}
		byID[st.ID] = st
	}

	current := h.Engine.Today().YearMonth()
	for _, d := range dues {
		st := byID[d.studentID]
		ym := current.AddMonths(-d.monthsAgo)
		status := d.status
		in := billing.DueInput{
			StudentID:   st.ID,
			StudentName: st.Name,
			Year:        ym.Year,
			Month:       ym.Month,
			Amount:      st.MonthlyFee,
			DueDay:      int(st.DueDay),
			GraceDays:   &st.GraceDays,
			Status:      &status,
		}
		if status == billing.StatusAbsent {
			in.RequiresCollection = &d.collectAbs
		}
		if _, err := h.Engine.CreateOrUpdateDue(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSmallAcademy(ctx context.Context) error {
	students := []seedStudent{
		{"stu-ana", "Ana Souza", billing.DueDay10, "150.00"},
		{"stu-bruno", "Bruno Lima", billing.DueDay15, "150.00"},
		{"stu-carla", "Carla Mendes", billing.DueDay15, "120.00"},
		{"stu-diego", "Diego Alves", billing.DueDay25, "180.00"},
		{"stu-elisa", "Elisa Rocha", billing.DueDay25, "120.00"},
	}
	var dues []seedDue
	for _, s := range students {
		for ago := 3; ago >= 1; ago-- {
			dues = append(dues, seedDue{studentID: s.id, monthsAgo: ago, status: billing.StatusPaid})
		}
	}
	dues = append(dues,
		seedDue{studentID: "stu-diego", monthsAgo: 1, status: billing.StatusDelinquent},
		seedDue{studentID: "stu-elisa", monthsAgo: 2, status: billing.StatusAbsent},
	)
	return h.seed(ctx, students, dues)
}

func (h *Handler) loadDelinquency(ctx context.Context) error {
	students := []seedStudent{
		{"stu-felipe", "Felipe Costa", billing.DueDay10, "200.00"},
		{"stu-gabi", "Gabriela Nunes", billing.DueDay15, "200.00"},
		{"stu-heitor", "Heitor Ramos", billing.DueDay25, "160.00"},
	}
	dues := []seedDue{
		{studentID: "stu-felipe", monthsAgo: 3, status: billing.StatusDelinquent},
		{studentID: "stu-felipe", monthsAgo: 2, status: billing.StatusDelinquent},
		{studentID: "stu-felipe", monthsAgo: 1, status: billing.StatusOwed},
		{studentID: "stu-gabi", monthsAgo: 2, status: billing.StatusPaid},
		{studentID: "stu-gabi", monthsAgo: 1, status: billing.StatusDelinquent},
		{studentID: "stu-heitor", monthsAgo: 2, status: billing.StatusAbsent, collectAbs: true},
		{studentID: "stu-heitor", monthsAgo: 1, status: billing.StatusPaid},
	}
	return h.seed(ctx, students, dues)
}

func (h *Handler) loadMixedDueDays(ctx context.Context) error {
	students := []seedStudent{
		{"stu-ines", "Ines Prado", billing.DueDay10, "140.00"},
		{"stu-joao", "Joao Pires", billing.DueDay15, "140.00"},
		{"stu-karen", "Karen Dias", billing.DueDay25, "140.00"},
	}
	dues := []seedDue{
		{studentID: "stu-ines", monthsAgo: 1, status: billing.StatusPaid},
		{studentID: "stu-joao", monthsAgo: 1, status: billing.StatusOwed},
		{studentID: "stu-karen", monthsAgo: 1, status: billing.StatusPaid},
	}
	if err := h.seed(ctx, students, dues); err != nil {
		return err
	}
	_, err := h.Engine.GenerateMonth(ctx, h.Engine.Today().YearMonth())
	return err
}
