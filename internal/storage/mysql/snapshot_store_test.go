package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/principal"
)

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}

	ctx := context.Background()
	identity := common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")
	now := time.Now().Truncate(time.Second)

	state := principal.NewState()
	state.Record(now, 5_000_000)
	state.Record(now.Add(time.Minute), 1_000_000)

	if err := store.SaveSnapshot(ctx, state.Snapshot(identity)); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// 覆盖写同一主体不应产生重复条目。
	state.Record(now.Add(2*time.Minute), 2_000_000)
	if err := store.SaveSnapshot(ctx, state.Snapshot(identity)); err != nil {
		t.Fatalf("save snapshot again: %v", err)
	}

	reopened, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	snapshots, err := reopened.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	if snapshots[0].Principal != identity {
		t.Fatalf("unexpected principal %s", snapshots[0].Principal.Hex())
	}
	if len(snapshots[0].WindowEntries) != 3 {
		t.Fatalf("expected 3 window entries, got %d", len(snapshots[0].WindowEntries))
	}

	restored := principal.NewState()
	restored.Restore(snapshots[0])
	if got := restored.SpentSince(now.Add(-time.Minute)); got != 8_000_000 {
		t.Fatalf("restored spend = %d, want 8000000", got)
	}
	if !restored.LastOperation().Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last operation %s", restored.LastOperation())
	}
}

func TestFileSnapshotStoreEmpty(t *testing.T) {
	t.Parallel()

	store, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	snapshots, err := store.LoadSnapshots(context.Background())
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snapshots) != 0 {
		t.Fatalf("expected empty result, got %+v", snapshots)
	}
}
