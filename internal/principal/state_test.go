package principal

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestStateWindowAccounting(t *testing.T) {
	state := NewState()
	now := time.Now()

	state.Record(now.Add(-50*time.Minute), 100)
	state.Record(now.Add(-30*time.Minute), 200)
	state.Record(now.Add(-5*time.Minute), 300)

	hourAgo := now.Add(-time.Hour)
	if spent := state.SpentSince(hourAgo); spent != 600 {
		t.Fatalf("expected 600 spent within last hour, got %d", spent)
	}
	if count := state.CountSince(hourAgo); count != 3 {
		t.Fatalf("expected 3 operations within last hour, got %d", count)
	}
	if spent := state.SpentSince(now.Add(-10 * time.Minute)); spent != 300 {
		t.Fatalf("expected 300 spent within last 10 minutes, got %d", spent)
	}
}

func TestStatePurgesEntriesOlderThanTwoHours(t *testing.T) {
	state := NewState()
	now := time.Now()

	state.Record(now.Add(-3*time.Hour), 100)
	state.Record(now.Add(-150*time.Minute), 200)
	state.Record(now, 300)

	if count := state.CountSince(now.Add(-4 * time.Hour)); count != 1 {
		t.Fatalf("expected stale entries purged, got %d entries", count)
	}
	if last := state.LastOperation(); !last.Equal(now) {
		t.Fatalf("unexpected last operation time: %v", last)
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	identity := common.HexToAddress("0x4000000000000000000000000000000000000004")
	state := NewState()
	now := time.Now()
	state.Record(now.Add(-time.Minute), 42)
	state.Record(now, 7)

	snapshot := state.Snapshot(identity)
	if snapshot.Principal != identity {
		t.Fatalf("unexpected snapshot principal: %s", snapshot.Principal.Hex())
	}
	if len(snapshot.WindowEntries) != 2 {
		t.Fatalf("expected 2 window entries, got %d", len(snapshot.WindowEntries))
	}

	restored := NewState()
	restored.Restore(snapshot)
	if spent := restored.SpentSince(now.Add(-time.Hour)); spent != 49 {
		t.Fatalf("expected restored spend 49, got %d", spent)
	}
	if !restored.LastOperation().Equal(state.LastOperation()) {
		t.Fatalf("last operation not restored")
	}
}

func TestRegistryIsolationAndDecommission(t *testing.T) {
	registry := NewRegistry()
	alice := common.HexToAddress("0x5000000000000000000000000000000000000005")
	bob := common.HexToAddress("0x6000000000000000000000000000000000000006")

	policy := Policy{MaxPerOperation: 100, AllowTransfer: true}
	if _, err := registry.Register(alice, "alice", policy); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := registry.Register(bob, "bob", policy); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if _, err := registry.Register(alice, "alice-again", policy); err == nil {
		t.Fatalf("expected conflict on duplicate registration")
	}

	pa, err := registry.Get(alice)
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	pa.Exclusive(func(_ Policy, state *State) {
		state.Record(time.Now(), 50)
	})

	pb, err := registry.Get(bob)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	pb.Exclusive(func(_ Policy, state *State) {
		if spent := state.SpentSince(time.Now().Add(-time.Hour)); spent != 0 {
			t.Fatalf("bob's state leaked alice's spend: %d", spent)
		}
	})

	if err := registry.Decommission(alice); err != nil {
		t.Fatalf("decommission alice: %v", err)
	}
	if _, err := registry.Get(alice); err == nil {
		t.Fatalf("expected not found after decommission")
	}
}

func TestPolicyValidation(t *testing.T) {
	bad := Policy{MinConfidence: 1.5}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation failure for min confidence above 1")
	}
	good := Policy{MinConfidence: 0.5, MinInterval: time.Second, MaxCountPerHour: 10}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
}
