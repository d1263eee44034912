package domain

type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	BoardID   string `json:"board_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID             string   `json:"id"`
	BoardID        string   `json:"board_id"`
	Name           string   `json:"name"`
	Position       int      `json:"position"`
	Color          string   `json:"color,omitempty"`
	IsInitial      bool     `json:"is_initial"`
	IsTerminal     bool     `json:"is_terminal"`
	IsFailure      bool     `json:"is_failure"`
	StartsWorkflow bool     `json:"starts_workflow"`
	IsTemplate     bool     `json:"is_template"`
	AgentID        *string  `json:"agent_id,omitempty"`
	Question       *string  `json:"question,omitempty"`
	AnswerOptions  []string `json:"answer_options,omitempty"`
	Deliverable    *string  `json:"deliverable,omitempty"`
}

// SuccessfulTerminal reports whether reaching the stage counts as completing the item.
func (s Stage) SuccessfulTerminal() bool {
	return s.IsTerminal && !s.IsFailure
}

func (s Stage) HasAgent() bool {
	return s.AgentID != nil && *s.AgentID != ""
}

type Scope string

const (
	ScopeBoard   Scope = "board"
	ScopeProject Scope = "project"
	ScopeItem    Scope = "item"
)

type Transition struct {
	ID                   string  `json:"id"`
	BoardID              string  `json:"board_id"`
	Scope                Scope   `json:"scope" enum:"board,project,item"`
	ScopeID              string  `json:"scope_id"`
	FromStageID          string  `json:"from_stage_id"`
	ToStageID            string  `json:"to_stage_id"`
	ElseStageID          *string `json:"else_stage_id,omitempty"`
	EscalationStageID    *string `json:"escalation_stage_id,omitempty"`
	Condition            *string `json:"condition,omitempty"`
	MaxFailures          *int    `json:"max_failures,omitempty"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	Position             int     `json:"position"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseQueued           Phase = "queued"
	PhaseInProgress       Phase = "in_progress"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseTransitioning    Phase = "transitioning"
)

// Attention reasons set on items that need a human.
const (
	AttentionUnmatched       = "unmatched_decision"
	AttentionConfirmation    = "confirmation_pending"
	AttentionMalformedSignal = "malformed_signal"
	AttentionStaleAgent      = "stale_agent"
	AttentionPrerequisite    = "missing_prerequisite"
)

type Item struct {
	ID                  string   `json:"id"`
	ProjectID           string   `json:"project_id"`
	BoardID             string   `json:"board_id"`
	GroupID             *string  `json:"group_id,omitempty"`
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	StageID             string   `json:"stage_id"`
	Phase               Phase    `json:"phase" enum:"idle,queued,in_progress,awaiting_response,transitioning"`
	Cycle               int      `json:"cycle"`
	Version             int      `json:"version"`
	Workdir             *string  `json:"workdir,omitempty"`
	Paths               []string `json:"paths,omitempty"`
	Attention           *string  `json:"attention,omitempty"`
	AttentionDetail     string   `json:"attention_detail,omitempty"`
	PendingTransitionID *string  `json:"pending_transition_id,omitempty"`
	PendingStageID      *string  `json:"pending_stage_id,omitempty"`
	PhaseChangedAt      string   `json:"phase_changed_at" format:"date-time"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// Decision is the signal an agent (or a human) leaves when a unit of work ends.
type Decision struct {
	Answer   string `json:"answer"`
	Feedback string `json:"feedback,omitempty"`
}

type DecisionRecord struct {
	ID            int64   `json:"id"`
	ItemID        string  `json:"item_id"`
	Cycle         int     `json:"cycle"`
	StageID       string  `json:"stage_id"`
	Answer        string  `json:"answer"`
	Feedback      string  `json:"feedback,omitempty"`
	DedupeKey     string  `json:"dedupe_key"`
	Outcome       string  `json:"outcome"`
	TargetStageID *string `json:"target_stage_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type GroupStatus string

const (
	GroupDraft     GroupStatus = "draft"
	GroupAnalyzing GroupStatus = "analyzing"
	GroupReady     GroupStatus = "ready"
	GroupExecuting GroupStatus = "executing"
	GroupDone      GroupStatus = "done"
	GroupFailed    GroupStatus = "failed"
)

type Group struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Name      string      `json:"name"`
	Status    GroupStatus `json:"status" enum:"draft,analyzing,ready,executing,done,failed"`
	IsBacklog bool        `json:"is_backlog"`
	Plan      [][]string  `json:"plan,omitempty"`
	Members   []string    `json:"members"`
	Version   int         `json:"version"`
	FrozenAt  *string     `json:"frozen_at,omitempty" format:"date-time"`
	CreatedAt string      `json:"created_at" format:"date-time"`
	UpdatedAt string      `json:"updated_at" format:"date-time"`
}

type Dependency struct {
	ItemID          string  `json:"item_id"`
	DependsOnItemID string  `json:"depends_on_item_id"`
	AutoGenerated   bool    `json:"auto_generated"`
	SatisfiedAt     *string `json:"satisfied_at,omitempty" format:"date-time"`
}

type GroupDependency struct {
	GroupID          string  `json:"group_id"`
	DependsOnGroupID string  `json:"depends_on_group_id"`
	SatisfiedAt      *string `json:"satisfied_at,omitempty" format:"date-time"`
}

type Trigger struct {
	ID           string  `json:"id"`
	SourceItemID string  `json:"source_item_id"`
	TargetItemID string  `json:"target_item_id"`
	IsPersistent bool    `json:"is_persistent"`
	FiredAt      *string `json:"fired_at,omitempty" format:"date-time"`
	FiredCycle   *int    `json:"fired_cycle,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ArtifactScope string

const (
	ArtifactGlobal ArtifactScope = "global"
	ArtifactItem   ArtifactScope = "item"
	ArtifactPath   ArtifactScope = "path"
	ArtifactGroup  ArtifactScope = "group"
)

type Artifact struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	Type          string        `json:"type"`
	Scope         ArtifactScope `json:"scope" enum:"global,item,path,group"`
	ScopeRef      string        `json:"scope_ref,omitempty"`
	ChainID       string        `json:"chain_id"`
	Version       int           `json:"version"`
	Title         string        `json:"title"`
	Content       string        `json:"content"`
	TokenEstimate int           `json:"token_estimate"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
