package service

import (
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// UnresolvedPolicy decides what happens to placeholders with no resolver.
type UnresolvedPolicy int

const (
	// LeaveLiteral keeps "{name}" in the output untouched.
	LeaveLiteral UnresolvedPolicy = iota
	FailOnUnresolved
)

var ErrUnresolvedPlaceholder = errors.New("unresolved prompt placeholder")

type UnresolvedPlaceholderError struct {
	Names []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved prompt placeholders: %s", strings.Join(e.Names, ", "))
}

func (e *UnresolvedPlaceholderError) Unwrap() error { return ErrUnresolvedPlaceholder }

// VarResolver returns the value of a placeholder and whether it is known.
type VarResolver func() (string, bool)

// PromptVars maps placeholder names to resolvers.
type PromptVars map[string]VarResolver

func (v PromptVars) Set(key, value string) {
	v[key] = func() (string, bool) { return value, true }
}

func (v PromptVars) SetFunc(key string, fn func() string) {
	v[key] = func() (string, bool) { return fn(), true }
}

var (
	legacyPlaceholder = regexp.MustCompile(`\{\$a->([a-zA-Z0-9_]+)\}`)
	placeholder       = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)
	journeyPathVar    = regexp.MustCompile(`\{journey_path(\d+)\}`)
)

func (v PromptVars) replace(re *regexp.Regexp, text string, missing map[string]struct{}) string {
	return re.ReplaceAllStringFunc(text, func(m string) string {
		name := re.FindStringSubmatch(m)[1]
		if fn, ok := v[name]; ok {
			if val, ok := fn(); ok {
				return val
			}
		}
		missing[name] = struct{}{}
		return m
	})
}

// Render substitutes {name} and {$a->name} placeholders. Values may themselves carry
// placeholders (step content often does), so substitution runs for the given number
// of passes. Unresolved names are reported after the last pass only.
func (v PromptVars) Render(text string, passes int, policy UnresolvedPolicy) (string, error) {
	if passes < 1 {
		passes = 1
	}
	var missing map[string]struct{}
	for i := 0; i < passes; i++ {
		missing = make(map[string]struct{})
		text = v.replace(legacyPlaceholder, text, missing)
		text = v.replace(placeholder, text, missing)
	}
	if policy == FailOnUnresolved && len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return text, &UnresolvedPlaceholderError{Names: names}
	}
	return text, nil
}

// RenderWithLiterals renders text like Render, then splices in literal values that
// must not be scanned for placeholders (transcripts and other learner-typed text).
// The splice is a single pass, so a literal value is never rescanned for the tokens
// of other literals. v is not modified.
func (v PromptVars) RenderWithLiterals(text string, passes int, policy UnresolvedPolicy, literals map[string]string) (string, error) {
	scoped := make(PromptVars, len(v)+len(literals))
	for key, fn := range v {
		scoped[key] = fn
	}
	pairs := make([]string, 0, len(literals)*2)
	for key, value := range literals {
		token := "{" + key + "}"
		scoped[key] = func() (string, bool) { return token, true }
		pairs = append(pairs, token, value)
	}
	out, err := scoped.Render(text, passes, policy)
	if len(pairs) == 0 {
		return out, err
	}
	return strings.NewReplacer(pairs...).Replace(out), err
}

// PromptContext is everything the prompts of one attempt can refer to. It is loaded
// from storage by PromptContextLoader; building prompts from it has no side effects.
type PromptContext struct {
	Attempt  *model.JourneyAttempt
	Journey  *model.Journey
	User     *model.User
	Step     *model.JourneyStep
	NextStep *model.JourneyStep
	// History is the attempt's exchanges in submission order.
	History []model.JourneyStepResponse
	// StepExchanges counts non-opening exchanges already stored for Step.
	StepExchanges int
	// Action selects the expected-output variant for the reply (retry, follow-up...).
	Action          string
	Profile         map[string]string
	PreviousJourney string
	JourneyPaths    map[string]string
	Now             time.Time
}

// JourneyPathIDs lists the journey ids referenced as {journey_path<ID>} in text.
func JourneyPathIDs(text string) []uint {
	var ids []uint
	seen := make(map[uint]bool)
	for _, m := range journeyPathVar.FindAllStringSubmatch(text, -1) {
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || seen[uint(id)] {
			continue
		}
		seen[uint(id)] = true
		ids = append(ids, uint(id))
	}
	return ids
}

func (pc *PromptContext) now() time.Time {
	if pc.Now.IsZero() {
		return time.Now()
	}
	return pc.Now
}

// Vars builds the variable set authored by staff: journey, step and institution
// text. Their values may carry placeholders of their own.
func (pc *PromptContext) Vars() PromptVars {
	vars := PromptVars{}

	if u := pc.User; u != nil {
		institution := "Unknown Institution"
		if u.Institution != nil {
			institution = u.Institution.Name
		}
		vars.Set("institution_name", institution)
	}

	if j := pc.Journey; j != nil {
		vars.Set("journey_title", j.Title)
		vars.Set("journey_description", j.Description)
		vars.Set("journeydescription", j.Description)
	}

	vars.SetFunc("current_step", pc.currentStepSection)
	vars.SetFunc("currentsegment", pc.currentStepSection)
	vars.SetFunc("next_step", pc.nextStepSection)
	vars.SetFunc("nextsegment", pc.nextStepSection)
	vars.SetFunc("previous_steps", pc.previousStepsSection)
	vars.Set("expected_output", pc.expectedOutput())
	return vars
}

// Literals holds the values that come from the learner (name, profile answers,
// earlier transcripts and reports) plus extra. They are spliced in verbatim.
func (pc *PromptContext) Literals(extra map[string]string) map[string]string {
	lit := map[string]string{
		"previous_journey": pc.PreviousJourney,
		"lastjourney":      pc.PreviousJourney,
	}
	if u := pc.User; u != nil {
		lit["student_name"] = u.Name
		lit["student_firstname"] = u.DisplayFirstName()
		lit["student_lastname"] = u.LastName
		lit["student_email"] = u.Email
		lit["name"] = u.Name
	}
	for short, value := range pc.Profile {
		lit["profile_"+short] = value
	}
	for key, value := range pc.JourneyPaths {
		lit[key] = value
	}
	for key, value := range extra {
		lit[key] = value
	}
	return lit
}

func (pc *PromptContext) currentStepSection() string {
	step := pc.Step
	if step == nil {
		return "No current step defined"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", step.Title)
	fmt.Fprintf(&b, "Content: %s\n", step.Content)
	fmt.Fprintf(&b, "Rate pass: %d\n", step.RatePass)
	fmt.Fprintf(&b, "Attempt: %d of %d\n", pc.StepExchanges+1, step.MaxAttempts)
	fmt.Fprintf(&b, "Current time: %s\n", pc.now().Format(util.TimeFormat))
	if pc.Action != "" && pc.Action != model.StepActionStartJourney {
		fmt.Fprintf(&b, "Step action: %s\n", pc.Action)
	}
	return b.String()
}

func (pc *PromptContext) nextStepSection() string {
	if pc.NextStep == nil {
		return "No next step - this is the final step"
	}
	return fmt.Sprintf("Title: %s\nContent: %s", pc.NextStep.Title, pc.NextStep.Content)
}

func (pc *PromptContext) previousStepsSection() string {
	if pc.Journey == nil || pc.Step == nil {
		return ""
	}
	var titles []string
	for _, s := range pc.Journey.Steps {
		if s.Order < pc.Step.Order {
			titles = append(titles, fmt.Sprintf("%d. %s", s.Order, s.Title))
		}
	}
	return strings.Join(titles, "\n")
}

func (pc *PromptContext) expectedOutput() string {
	if pc.Step == nil {
		return ""
	}
	switch pc.Action {
	case model.StepActionRetryStep:
		if pc.Step.ExpectedOutputRetry != "" {
			return pc.Step.ExpectedOutputRetry
		}
	case model.StepActionFollowupStep:
		if pc.Step.ExpectedOutputFollowup != "" {
			return pc.Step.ExpectedOutputFollowup
		}
	}
	return pc.Step.ExpectedOutput
}

// HistoryMessages turns the ledger into chat messages, user input before the reply
// it produced. Rows without text on a side contribute nothing for that side.
func HistoryMessages(history []model.JourneyStepResponse, withTime bool) []AIChatMessage {
	messages := make([]AIChatMessage, 0, len(history)*2)
	for _, r := range history {
		stamp := ""
		if withTime && !r.SubmittedAt.IsZero() {
			stamp = fmt.Sprintf(" \n (Submitted: %s)", r.SubmittedAt.Format(util.MinuteFormat))
		}
		if in := strings.TrimSpace(r.UserInput); in != "" {
			messages = append(messages, AIChatMessage{Role: RoleUser, Content: in + stamp})
		}
		if out := strings.TrimSpace(r.AIResponse); out != "" {
			messages = append(messages, AIChatMessage{Role: RoleAssistant, Content: out + stamp})
		}
	}
	return messages
}

// FormatHistory renders the conversation as a transcript block. A trailing learner
// message is left out because it is sent separately as the user turn.
func FormatHistory(history []model.JourneyStepResponse, now time.Time) string {
	messages := HistoryMessages(history, true)
	if n := len(messages); n > 0 && messages[n-1].Role == RoleUser {
		messages = messages[:n-1]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### CHAT HISTORY (Current time: %s) ###\n", now.Format(util.MinuteFormat))
	for _, m := range messages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\r\n")
	}
	return b.String()
}

// ChatPrompt builds the tutor system prompt from the journey master prompt.
func (pc *PromptContext) ChatPrompt(policy UnresolvedPolicy) (string, error) {
	template := DefaultMasterPrompt
	if pc.Journey != nil && strings.TrimSpace(pc.Journey.MasterPrompt) != "" {
		template = pc.Journey.MasterPrompt
	}
	return pc.Vars().RenderWithLiterals(template, 2, policy, pc.Literals(map[string]string{
		"journey_history": FormatHistory(pc.History, pc.now()),
	}))
}

// RatePrompt builds the rating system prompt from the step rating prompt.
func (pc *PromptContext) RatePrompt(policy UnresolvedPolicy) (string, error) {
	template := DefaultRatePrompt
	if pc.Step != nil && strings.TrimSpace(pc.Step.RatingPrompt) != "" {
		template = pc.Step.RatingPrompt
	}
	text, err := pc.Vars().RenderWithLiterals(template, 2, policy, pc.Literals(nil))
	return text + "\n\n" + ratingResponseFormat, err
}

// ReportPrompt builds the end-of-journey evaluation prompt.
func (pc *PromptContext) ReportPrompt(policy UnresolvedPolicy) (string, error) {
	template := DefaultReportPrompt
	if pc.Journey != nil && strings.TrimSpace(pc.Journey.ReportPrompt) != "" {
		template = pc.Journey.ReportPrompt
	}
	vars := pc.Vars()

	var learner, tutor []string
	for _, r := range pc.History {
		if s := strings.TrimSpace(r.UserInput); s != "" {
			learner = append(learner, s)
		}
		if s := strings.TrimSpace(r.AIResponse); s != "" {
			tutor = append(tutor, s)
		}
	}
	if pc.Attempt != nil {
		vars.Set("completion_status", pc.Attempt.Status)
		end := pc.now()
		if pc.Attempt.CompletedAt != nil {
			end = *pc.Attempt.CompletedAt
		}
		vars.Set("time_spent", end.Sub(pc.Attempt.StartedAt).Round(time.Minute).String())
	}
	return vars.RenderWithLiterals(template, 2, policy, pc.Literals(map[string]string{
		"student_responses": strings.Join(learner, "\n---\n"),
		"ai_responses":      strings.Join(tutor, "\n---\n"),
		"journey_history":   FormatHistory(pc.History, pc.now()),
	}))
}

// ChatMessages is the reply request: the system prompt, then either the latest
// learner turn (when the prompt embeds the transcript) or the whole conversation.
func (pc *PromptContext) ChatMessages(policy UnresolvedPolicy) ([]AIChatMessage, error) {
	system, err := pc.ChatPrompt(policy)
	if err != nil {
		return nil, err
	}
	messages := []AIChatMessage{{Role: RoleSystem, Content: system}}

	template := DefaultMasterPrompt
	if pc.Journey != nil && strings.TrimSpace(pc.Journey.MasterPrompt) != "" {
		template = pc.Journey.MasterPrompt
	}
	history := HistoryMessages(pc.History, false)
	if strings.Contains(template, "{journey_history}") {
		if n := len(history); n > 0 && history[n-1].Role == RoleUser {
			messages = append(messages, history[n-1])
		}
		return messages, nil
	}
	return append(messages, history...), nil
}

// RateMessages is the rating request: rating system prompt plus the conversation.
func (pc *PromptContext) RateMessages(policy UnresolvedPolicy) ([]AIChatMessage, error) {
	system, err := pc.RatePrompt(policy)
	if err != nil {
		return nil, err
	}
	messages := []AIChatMessage{{Role: RoleSystem, Content: system}}
	return append(messages, HistoryMessages(pc.History, false)...), nil
}
