package mesh

import (
	"testing"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
)

type denyPolicy struct{}

func (denyPolicy) Evaluate(identity.NodeID, string) hooks.PolicyDecision {
	return hooks.PolicyDeny
}

func TestQuarantineDefaultsToAllowAllPolicy(t *testing.T) {
	tbl := NewPeerTable(0.5, 0.2, nil, nil)
	tbl.Upsert(identity.NodeID("peer-a"), nil, 1000)

	if err := tbl.Quarantine(identity.NodeID("peer-a")); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	rec, _ := tbl.Get(identity.NodeID("peer-a"))
	if rec.State != identity.QUARANTINED {
		t.Errorf("State = %v, want QUARANTINED", rec.State)
	}
}

func TestQuarantineVetoedByPolicyDeny(t *testing.T) {
	tbl := NewPeerTable(0.5, 0.2, denyPolicy{}, nil)
	tbl.Upsert(identity.NodeID("peer-b"), nil, 1000)

	if err := tbl.Quarantine(identity.NodeID("peer-b")); err == nil {
		t.Fatal("expected Quarantine to be vetoed by PolicyDeny")
	}
	rec, _ := tbl.Get(identity.NodeID("peer-b"))
	if rec.State == identity.QUARANTINED {
		t.Error("a PolicyDeny verdict must prevent the state transition")
	}
}
