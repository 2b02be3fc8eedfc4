package fleet

import (
	"testing"
	"time"
)

func TestSetCondition_LastWriteWinsPerType(t *testing.T) {
	now := time.Now()
	conds := SetCondition(nil, Condition{Type: ConditionReady, Status: ConditionFalse, Reason: "Applying", LastTransition: now})
	conds = SetCondition(conds, Condition{Type: ConditionReady, Status: ConditionTrue, Reason: "Applied", LastTransition: now.Add(time.Second)})

	if len(conds) != 1 {
		t.Fatalf("expected one condition per type, got %d", len(conds))
	}
	c, ok := GetCondition(conds, ConditionReady)
	if !ok || c.Status != ConditionTrue || c.Reason != "Applied" {
		t.Fatalf("unexpected condition: %+v", c)
	}
}

func TestSetCondition_TimestampsMonotonic(t *testing.T) {
	now := time.Now()
	conds := SetCondition(nil, Condition{Type: ConditionError, Status: ConditionTrue, LastTransition: now})
	// A write carrying an older timestamp must not move the clock backwards.
	conds = SetCondition(conds, Condition{Type: ConditionError, Status: ConditionFalse, LastTransition: now.Add(-time.Hour)})

	c, _ := GetCondition(conds, ConditionError)
	if c.LastTransition.Before(now) {
		t.Fatalf("transition timestamp moved backwards: %v < %v", c.LastTransition, now)
	}
	if c.Status != ConditionFalse {
		t.Fatalf("last write should win: %+v", c)
	}
}

func TestSetCondition_UnchangedStatusKeepsTransition(t *testing.T) {
	now := time.Now()
	conds := SetCondition(nil, Condition{Type: ConditionGitPolling, Status: ConditionTrue, LastTransition: now})
	conds = SetCondition(conds, Condition{Type: ConditionGitPolling, Status: ConditionTrue, LastTransition: now.Add(time.Minute)})

	c, _ := GetCondition(conds, ConditionGitPolling)
	if !c.LastTransition.Equal(now) {
		t.Fatalf("transition time should not move while status is unchanged")
	}
}
