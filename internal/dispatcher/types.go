package dispatcher

import "encoding/json"

// focusInput mirrors schema.Focus at the JSON boundary.
type focusInput struct {
	Files        []string         `json:"files"`
	EntryPoints  []entryPointJSON `json:"entryPoints,omitempty"`
	ServiceNames []string         `json:"serviceNames,omitempty"`
}

type entryPointJSON struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	FunctionName string `json:"functionName,omitempty"`
}

type partialFindingInput struct {
	Kind        string       `json:"kind"`
	Severity    string       `json:"severity"`
	Location    locationJSON `json:"location"`
	Description string       `json:"description"`
	Evidence    []string     `json:"evidence"`
}

type locationJSON struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// analysisRequest is the common shape shared by every one-shot and
// session-starting tool: the validated AnalysisContext plus the handful
// of fields specific to how the caller wants it framed.
type analysisRequest struct {
	AttemptedApproaches []string              `json:"attemptedApproaches"`
	PartialFindings     []partialFindingInput `json:"partialFindings"`
	StuckPoints         []string              `json:"stuckPoints"`
	Focus               focusInput            `json:"focus"`
	BudgetRemainingSecs *int                  `json:"budgetRemainingSeconds,omitempty"`
}

type escalateParams struct {
	analysisRequest
}

type startConversationParams struct {
	analysisRequest
	AnalysisType    string `json:"analysisType"`
	InitialQuestion string `json:"initialQuestion,omitempty"`
}

type continueConversationParams struct {
	SessionID       string `json:"sessionId"`
	Message         string `json:"message"`
	IncludeSnippets bool   `json:"includeSnippets,omitempty"`
}

type finalizeConversationParams struct {
	SessionID string `json:"sessionId"`
	Format    string `json:"format,omitempty"`
}

type getConversationStatusParams struct {
	SessionID string `json:"sessionId"`
}

type hypothesisTestParams struct {
	analysisRequest
	Hypothesis string `json:"hypothesis"`
}

type tournamentConfigInput struct {
	MaxHypotheses    int `json:"maxHypotheses"`
	MaxRounds        int `json:"maxRounds"`
	ParallelSessions int `json:"parallelSessions"`
}

type runTournamentParams struct {
	analysisRequest
	Issue  string                `json:"issue"`
	Config tournamentConfigInput `json:"config"`
}

type setModelParams struct {
	ProviderNames []string `json:"providerNames"`
}

// rawParams lets a handler defer json.Unmarshal until after it knows
// the target type, keeping Dispatch itself tool-agnostic.
type rawParams = json.RawMessage
