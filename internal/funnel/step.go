// Package funnel holds the seven-step flow: route-derived step state and the
// server actions that acknowledge advances, completions, and abandonments.
package funnel

import (
	"fmt"
	"strconv"
	"strings"
)

// TotalSteps is the number of steps in the funnel.
const TotalSteps = 7

// FinishPath is where the last step advances to.
const FinishPath = "/finish"

// Event names issued by the funnel.
const (
	EventStepViewed         = "step_viewed"
	EventStepNextClicked    = "step_next_clicked"
	EventStepNextServerAck  = "step_next_server_ack"
	EventFlowCompleted      = "flow_completed"
	EventFunnelAbandoned    = "funnel_abandoned"
	EventStartVariantViewed = "start_variant_viewed"
	EventConfettiShown      = "confetti_shown"
)

// Step is a 1-based funnel position. Values outside 1..TotalSteps are
// invalid and render as the loading view.
type Step int

// ParseStep reads a route segment. ok is false for anything that is not an
// integer in 1..TotalSteps.
func ParseStep(segment string) (Step, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(segment))
	if err != nil {
		return 0, false
	}
	s := Step(n)
	return s, s.Valid()
}

// StepFromPath derives the step from a /steps/{index} path.
func StepFromPath(path string) (Step, bool) {
	rest, ok := strings.CutPrefix(path, "/steps/")
	if !ok {
		return 0, false
	}
	rest, _, _ = strings.Cut(rest, "/")
	return ParseStep(rest)
}

func (s Step) Valid() bool {
	return s >= 1 && s <= TotalSteps
}

func (s Step) Last() bool {
	return s == TotalSteps
}

func (s Step) Path() string {
	return fmt.Sprintf("/steps/%d", int(s))
}

func (s Step) Name() string {
	return fmt.Sprintf("step_%d", int(s))
}

// Next is the navigation target after advancing from s.
func (s Step) Next() string {
	if s >= TotalSteps {
		return FinishPath
	}
	return Step(s + 1).Path()
}

// CompletionRate is the percentage of the funnel reached at s.
func (s Step) CompletionRate() float64 {
	return float64(s) / TotalSteps * 100
}

// Properties is the property block every step event carries.
func (s Step) Properties() map[string]any {
	return map[string]any{
		"step_index":      int(s),
		"step_name":       s.Name(),
		"funnel_position": int(s),
		"total_steps":     TotalSteps,
	}
}

// Presentation is the copy and palette for one step.
type Presentation struct {
	Color       string
	Title       string
	Description string
}

var presentations = [TotalSteps]Presentation{
	{"red", "Step 1: Red - Getting Started", "Welcome to our rainbow journey! Click Next to begin your colorful adventure."},
	{"orange", "Step 2: Orange - Making Progress", "Great job! You're making excellent progress through the rainbow."},
	{"yellow", "Step 3: Yellow - Bright Ideas", "Bright ideas are flowing! Keep moving through the spectrum."},
	{"green", "Step 4: Green - Growing Strong", "Growing stronger with each step! The rainbow continues to unfold."},
	{"blue", "Step 5: Blue - Deep Thoughts", "Deep thoughts and blue skies ahead! You're halfway through."},
	{"indigo", "Step 6: Indigo - Mysterious Depths", "Mysterious depths of indigo await! Almost at the end."},
	{"violet", "Step 7: Violet - Final Journey", "The final violet step! Ready to complete your rainbow journey?"},
}

// Presentation returns the step's copy. Invalid steps get a neutral fallback.
func (s Step) Presentation() Presentation {
	if !s.Valid() {
		return Presentation{
			Color:       "gray",
			Title:       fmt.Sprintf("Step %d", int(s)),
			Description: "Continue your journey through the rainbow.",
		}
	}
	return presentations[s-1]
}

// AbandonReason names the browser signal that reported an abandonment.
type AbandonReason string

const (
	ReasonPageLeave AbandonReason = "page_leave"
	ReasonTabSwitch AbandonReason = "tab_switch"
	ReasonUnknown   AbandonReason = "unknown"
)

// ParseAbandonReason maps unrecognized or empty input to ReasonUnknown.
func ParseAbandonReason(s string) AbandonReason {
	switch r := AbandonReason(strings.TrimSpace(s)); r {
	case ReasonPageLeave, ReasonTabSwitch:
		return r
	default:
		return ReasonUnknown
	}
}
