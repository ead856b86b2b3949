package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/principal"
	"Aegis-Chain/internal/proposal"
)

var (
	alice   = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob     = common.HexToAddress("0xb000000000000000000000000000000000000002")
	destAcc = common.HexToAddress("0xc000000000000000000000000000000000000003")
	program = common.HexToAddress("0xd000000000000000000000000000000000000004")
)

func basePolicy() principal.Policy {
	return principal.Policy{
		MaxPerOperation:    100_000_000,
		MaxPerHour:         500_000_000,
		MinInterval:        time.Second,
		MaxCountPerHour:    10,
		MinConfidence:      0,
		AllowTransfer:      true,
		AllowAssetTransfer: true,
		AllowExchange:      true,
		AllowStake:         true,
		AllowProgramCall:   true,
	}
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

type stubDryRunner struct {
	result DryRunResult
	err    error
	calls  int
}

func (s *stubDryRunner) DryRun(_ context.Context, _ common.Address, _ *proposal.Proposal) (DryRunResult, error) {
	s.calls++
	if s.err != nil {
		return DryRunResult{}, s.err
	}
	return s.result, nil
}

func newTestEngine(t *testing.T, policy principal.Policy, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	registry := principal.NewRegistry()
	if _, err := registry.Register(alice, "alice", policy); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := registry.Register(bob, "bob", policy); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	clock := &fakeClock{current: time.Now()}
	opts = append(opts, WithClock(clock.now))
	return NewEngine(registry, NewHaltSwitch(), opts...), clock
}

func transferProposal(t *testing.T, from common.Address, amount uint64, confidence float64) *proposal.Proposal {
	t.Helper()
	p, err := proposal.NewTransfer(from, proposal.TransferParams{Destination: destAcc, Amount: amount}, "test transfer", confidence)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	return p
}

func TestApproveThenCooldownDenial(t *testing.T) {
	engine, _ := newTestEngine(t, basePolicy())
	ctx := context.Background()

	first := transferProposal(t, alice, 10_000_000, 0.9)
	verdict, err := engine.Evaluate(ctx, first)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Allowed || len(verdict.Violations) != 0 {
		t.Fatalf("expected clean approval, got %+v", verdict)
	}

	second := transferProposal(t, alice, 10_000_000, 0.9)
	verdict, err = engine.Evaluate(ctx, second)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected cooldown denial")
	}
	if len(verdict.Violations) != 1 || !strings.HasPrefix(verdict.Violations[0], "Cooldown") {
		t.Fatalf("expected a single cooldown violation, got %v", verdict.Violations)
	}
}

func TestCooldownPassesAfterInterval(t *testing.T) {
	engine, clock := newTestEngine(t, basePolicy())
	ctx := context.Background()

	if verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9)); err != nil || !verdict.Allowed {
		t.Fatalf("first evaluate: verdict=%+v err=%v", verdict, err)
	}
	clock.advance(2 * time.Second)
	verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected approval after cooldown elapsed, got %v", verdict.Violations)
	}
}

func TestHaltDominatesEverything(t *testing.T) {
	engine, _ := newTestEngine(t, basePolicy())
	ctx := context.Background()

	engine.Halt().Activate("exchange exploit in progress")

	// 即使提案在其他所有检查上都会失败，停机仍是唯一违规。
	egregious := transferProposal(t, alice, 999_999_999_999, 0.0)
	verdict, err := engine.Evaluate(ctx, egregious)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("halted system must deny")
	}
	if len(verdict.Violations) != 1 {
		t.Fatalf("halt must be the only violation, got %v", verdict.Violations)
	}
	if !verdict.Halted() {
		t.Fatalf("expected halt violation, got %q", verdict.Violations[0])
	}
	if !strings.Contains(verdict.Violations[0], "exchange exploit in progress") {
		t.Fatalf("halt violation must carry the reason, got %q", verdict.Violations[0])
	}

	engine.Halt().Deactivate()
	verdict, err = engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("evaluate after deactivate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected approval after halt lifted, got %v", verdict.Violations)
	}
}

func TestAccumulatedViolations(t *testing.T) {
	policy := basePolicy()
	policy.MinConfidence = 0.8
	policy.AllowTransfer = false
	policy.MaxPerOperation = 1_000
	engine, _ := newTestEngine(t, policy)

	verdict, err := engine.Evaluate(context.Background(), transferProposal(t, alice, 2_000, 0.5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected denial")
	}
	if len(verdict.Violations) != 3 {
		t.Fatalf("expected confidence, category and amount violations, got %v", verdict.Violations)
	}
}

func TestHourlySpendWindow(t *testing.T) {
	policy := basePolicy()
	policy.MaxPerHour = 500
	policy.MinInterval = 0
	engine, clock := newTestEngine(t, policy)
	ctx := context.Background()

	amounts := []uint64{200, 200, 150}
	for i, amount := range amounts {
		verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, amount, 0.9))
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		total := uint64(0)
		for _, a := range amounts[:i+1] {
			total += a
		}
		if wantAllowed := total <= 500; verdict.Allowed != wantAllowed {
			t.Fatalf("operation %d: cumulative %d, allowed=%v, want %v (%v)",
				i, total, verdict.Allowed, wantAllowed, verdict.Violations)
		}
		clock.advance(time.Minute)
	}

	// 窗口滑出一小时后额度恢复。
	clock.advance(time.Hour)
	verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 400, 0.9))
	if err != nil {
		t.Fatalf("evaluate after window: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected spend window to roll over, got %v", verdict.Violations)
	}
}

func TestHourlyCountCap(t *testing.T) {
	policy := basePolicy()
	policy.MinInterval = 0
	policy.MaxCountPerHour = 3
	engine, clock := newTestEngine(t, policy)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 10, 0.9))
		if err != nil || !verdict.Allowed {
			t.Fatalf("operation %d: verdict=%+v err=%v", i, verdict, err)
		}
		clock.advance(time.Second)
	}
	verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 10, 0.9))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected count cap denial")
	}
	if !strings.Contains(verdict.Reason, "count") {
		t.Fatalf("expected count violation, got %q", verdict.Reason)
	}
}

func TestDenialDoesNotMutateState(t *testing.T) {
	policy := basePolicy()
	policy.MinConfidence = 0.8
	engine, _ := newTestEngine(t, policy)
	ctx := context.Background()

	// 同一提案重复评估得到完全相同的裁决。
	denied := transferProposal(t, alice, 1_000, 0.1)
	first, err := engine.Evaluate(ctx, denied)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := engine.Evaluate(ctx, denied)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Allowed || second.Allowed {
		t.Fatalf("expected denial both times")
	}
	if fmt.Sprintf("%v", first.Violations) != fmt.Sprintf("%v", second.Violations) {
		t.Fatalf("denial must be idempotent: %v vs %v", first.Violations, second.Violations)
	}

	// 拒绝未记录状态，合格提案不受冷却约束。
	verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("denied proposals must not consume cooldown, got %v", verdict.Violations)
	}
}

func TestPrincipalIsolation(t *testing.T) {
	engine, _ := newTestEngine(t, basePolicy())
	ctx := context.Background()

	if verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9)); err != nil || !verdict.Allowed {
		t.Fatalf("alice evaluate: verdict=%+v err=%v", verdict, err)
	}
	// alice 的记录不影响 bob 的冷却检查。
	verdict, err := engine.Evaluate(ctx, transferProposal(t, bob, 1_000, 0.9))
	if err != nil {
		t.Fatalf("bob evaluate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("state must be isolated per principal, got %v", verdict.Violations)
	}
}

func TestProgramAllowlist(t *testing.T) {
	policy := basePolicy()
	policy.AllowedPrograms = []common.Address{program}
	engine, _ := newTestEngine(t, policy)
	ctx := context.Background()

	allowed, err := proposal.NewProgramCall(alice, proposal.ProgramCallParams{Program: program}, "known program", 0.9)
	if err != nil {
		t.Fatalf("new program call: %v", err)
	}
	verdict, err := engine.Evaluate(ctx, allowed)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected allowlisted program approval, got %v", verdict.Violations)
	}

	rogue, err := proposal.NewProgramCall(alice, proposal.ProgramCallParams{Program: destAcc}, "unknown program", 0.9)
	if err != nil {
		t.Fatalf("new program call: %v", err)
	}
	verdict, err = engine.Evaluate(ctx, rogue)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected allowlist denial")
	}
}

func TestAssetTransferSkipsSpendCapButNotCategory(t *testing.T) {
	policy := basePolicy()
	policy.MaxPerOperation = 10
	policy.MaxPerHour = 10
	engine, _ := newTestEngine(t, policy)
	ctx := context.Background()

	big, err := proposal.NewAssetTransfer(alice, proposal.AssetTransferParams{
		Asset:       program,
		Destination: destAcc,
		Amount:      1_000_000_000,
		Decimals:    6,
	}, "bulk token move", 0.9)
	if err != nil {
		t.Fatalf("new asset transfer: %v", err)
	}
	verdict, err := engine.Evaluate(ctx, big)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("asset transfer must not hit native spend caps, got %v", verdict.Violations)
	}

	policyOff := basePolicy()
	policyOff.AllowAssetTransfer = false
	registry := principal.NewRegistry()
	if _, err := registry.Register(bob, "bob", policyOff); err != nil {
		t.Fatalf("register: %v", err)
	}
	engineOff := NewEngine(registry, NewHaltSwitch())
	blocked, err := proposal.NewAssetTransfer(bob, proposal.AssetTransferParams{
		Asset:       program,
		Destination: destAcc,
		Amount:      1,
		Decimals:    6,
	}, "token move", 0.9)
	if err != nil {
		t.Fatalf("new asset transfer: %v", err)
	}
	verdict, err = engineOff.Evaluate(ctx, blocked)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected category denial for asset transfer")
	}
}

func TestDryRunOnlyWhenRequiredAndCleansFailures(t *testing.T) {
	runner := &stubDryRunner{result: DryRunResult{Success: true, Logs: []string{"ok"}}}
	policy := basePolicy()
	engine, _ := newTestEngine(t, policy, WithDryRunner(runner))
	ctx := context.Background()

	if verdict, err := engine.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9)); err != nil || !verdict.Allowed {
		t.Fatalf("evaluate: verdict=%+v err=%v", verdict, err)
	}
	if runner.calls != 0 {
		t.Fatalf("dry run must not execute unless policy requires it")
	}

	policy.RequireDryRun = true
	engine2, _ := newTestEngine(t, policy, WithDryRunner(runner))
	verdict, err := engine2.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Allowed || runner.calls != 1 {
		t.Fatalf("expected one dry-run call with approval, calls=%d verdict=%+v", runner.calls, verdict)
	}
	if verdict.DryRun == nil || !verdict.DryRun.Success {
		t.Fatalf("expected dry-run result attached, got %+v", verdict.DryRun)
	}

	// 传输错误收敛为违规，不向上抛出。
	failing := &stubDryRunner{err: errors.New("rpc timeout")}
	engine3, _ := newTestEngine(t, policy, WithDryRunner(failing))
	verdict, err = engine3.Evaluate(ctx, transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("transport failures must not escape the pipeline: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected dry-run denial")
	}
	if !strings.Contains(verdict.Reason, "rpc timeout") {
		t.Fatalf("expected captured transport error, got %q", verdict.Reason)
	}
}

func TestDryRunSkippedWhenOtherChecksFail(t *testing.T) {
	runner := &stubDryRunner{result: DryRunResult{Success: true}}
	policy := basePolicy()
	policy.RequireDryRun = true
	policy.MaxPerOperation = 10
	engine, _ := newTestEngine(t, policy, WithDryRunner(runner))

	verdict, err := engine.Evaluate(context.Background(), transferProposal(t, alice, 1_000, 0.9))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("expected amount denial")
	}
	if runner.calls != 0 {
		t.Fatalf("dry run must be skipped when earlier checks fail")
	}
}

func TestUnregisteredPrincipal(t *testing.T) {
	engine, _ := newTestEngine(t, basePolicy())
	stranger := common.HexToAddress("0xe000000000000000000000000000000000000005")
	if _, err := engine.Evaluate(context.Background(), transferProposal(t, stranger, 1, 0.9)); err == nil {
		t.Fatalf("expected error for unregistered principal")
	}
}
