package fleet

import "time"

// ConditionStatus is the tri-state value of a condition.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// ConditionType names a condition attached to a tracked entity. These are
// the contract consumed by external inspection tooling.
type ConditionType string

const (
	ConditionReady       ConditionType = "Ready"
	ConditionGitPolling  ConditionType = "GitPolling"
	ConditionReconciling ConditionType = "Reconciling"
	ConditionImported    ConditionType = "Imported"
	ConditionProcessed   ConditionType = "Processed"
	ConditionModified    ConditionType = "Modified"
	ConditionError       ConditionType = "Error"
)

// Condition is a named boolean with a reason, attached to repository
// references, bundles and deployment records. Last write wins per type;
// timestamps never move backwards.
type Condition struct {
	Type           ConditionType   `json:"type"`
	Status         ConditionStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	LastTransition time.Time       `json:"last_transition"`
}

// SetCondition upserts a condition by type and returns the updated set.
// LastTransition only moves when the status changes, and never backwards.
func SetCondition(conds []Condition, c Condition) []Condition {
	if c.LastTransition.IsZero() {
		c.LastTransition = time.Now()
	}
	for i, existing := range conds {
		if existing.Type != c.Type {
			continue
		}
		if existing.Status == c.Status {
			c.LastTransition = existing.LastTransition
		} else if c.LastTransition.Before(existing.LastTransition) {
			c.LastTransition = existing.LastTransition
		}
		conds[i] = c
		return conds
	}
	return append(conds, c)
}

// GetCondition returns the condition of the given type, if present.
func GetCondition(conds []Condition, t ConditionType) (Condition, bool) {
	for _, c := range conds {
		if c.Type == t {
			return c, true
		}
	}
	return Condition{}, false
}

// IsConditionTrue reports whether the condition exists and is True.
func IsConditionTrue(conds []Condition, t ConditionType) bool {
	c, ok := GetCondition(conds, t)
	return ok && c.Status == ConditionTrue
}
