package rule

// -----------------------------------------------------------------------------
// Trigger Types
// -----------------------------------------------------------------------------

type TriggerType string

const (
	TriggerIssueCreated      TriggerType = "ISSUE_CREATED"
	TriggerIssueUpdated      TriggerType = "ISSUE_UPDATED"
	TriggerIssueTransitioned TriggerType = "ISSUE_TRANSITIONED"
	TriggerIssueCommented    TriggerType = "ISSUE_COMMENTED"
	TriggerFieldChanged      TriggerType = "FIELD_CHANGED"
	TriggerSLABreach         TriggerType = "SLA_BREACH"
	TriggerScheduled         TriggerType = "SCHEDULED"
	TriggerWebhook           TriggerType = "WEBHOOK"
	TriggerManual            TriggerType = "MANUAL"
)

func (t TriggerType) String() string {
	return string(t)
}

func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerIssueCreated, TriggerIssueUpdated, TriggerIssueTransitioned,
		TriggerIssueCommented, TriggerFieldChanged, TriggerSLABreach,
		TriggerScheduled, TriggerWebhook, TriggerManual:
		return true
	default:
		return false
	}
}

// IsEvent reports whether the trigger fires from the in-process event broker.
func (t TriggerType) IsEvent() bool {
	switch t {
	case TriggerIssueCreated, TriggerIssueUpdated, TriggerIssueTransitioned,
		TriggerIssueCommented, TriggerFieldChanged, TriggerSLABreach:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Condition Types
// -----------------------------------------------------------------------------

type ConditionType string

const (
	ConditionTrackerQuery    ConditionType = "TRACKER_QUERY"
	ConditionFieldValue      ConditionType = "FIELD_VALUE"
	ConditionUserInGroup     ConditionType = "USER_IN_GROUP"
	ConditionProjectCategory ConditionType = "PROJECT_CATEGORY"
	ConditionIssueAge        ConditionType = "ISSUE_AGE"
	ConditionSmartValue      ConditionType = "SMART_VALUE"
	ConditionCustomScript    ConditionType = "CUSTOM_SCRIPT"
)

func (c ConditionType) String() string {
	return string(c)
}

func (c ConditionType) IsValid() bool {
	switch c {
	case ConditionTrackerQuery, ConditionFieldValue, ConditionUserInGroup,
		ConditionProjectCategory, ConditionIssueAge, ConditionSmartValue,
		ConditionCustomScript:
		return true
	default:
		return false
	}
}

type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

func (c Combinator) IsValid() bool {
	return c == CombinatorAnd || c == CombinatorOr
}

type Comparator string

const (
	ComparatorEq       Comparator = "eq"
	ComparatorNe       Comparator = "ne"
	ComparatorContains Comparator = "contains"
	ComparatorGt       Comparator = "gt"
	ComparatorLt       Comparator = "lt"
)

func (c Comparator) IsValid() bool {
	switch c {
	case ComparatorEq, ComparatorNe, ComparatorContains, ComparatorGt, ComparatorLt:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Action Types
// -----------------------------------------------------------------------------

type ActionType string

const (
	ActionUpdateIssue       ActionType = "update-issue"
	ActionTransitionIssue   ActionType = "transition-issue"
	ActionCreateIssue       ActionType = "create-issue"
	ActionAddComment        ActionType = "add-comment"
	ActionAssignIssue       ActionType = "assign-issue"
	ActionSendNotification  ActionType = "send-notification"
	ActionWebhookCall       ActionType = "webhook-call"
	ActionBulkOperation     ActionType = "bulk-operation"
	ActionCreateSubtask     ActionType = "create-subtask"
	ActionLinkIssues        ActionType = "link-issues"
	ActionUpdateCustomField ActionType = "update-custom-field"
)

func (a ActionType) String() string {
	return string(a)
}

func (a ActionType) IsValid() bool {
	switch a {
	case ActionUpdateIssue, ActionTransitionIssue, ActionCreateIssue,
		ActionAddComment, ActionAssignIssue, ActionSendNotification,
		ActionWebhookCall, ActionBulkOperation, ActionCreateSubtask,
		ActionLinkIssues, ActionUpdateCustomField:
		return true
	default:
		return false
	}
}
