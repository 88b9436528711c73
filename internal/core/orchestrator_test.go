package core

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/knot/internal/audit"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/pkg/api"
)

type dispatchCall struct {
	op   dispatch.Operation
	host string
	args []any
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	fail    map[dispatch.Operation]error
	results map[dispatch.Operation]func(host string) any
	// hold blocks an operation until its channel is closed; entered is
	// signalled when a held call starts.
	hold    map[dispatch.Operation]chan struct{}
	entered chan dispatch.Operation
}

func (f *fakeDispatcher) Run(ctx context.Context, op dispatch.Operation, host string, args ...any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{op: op, host: host, args: args})
	err, hold, result := f.fail[op], f.hold[op], f.results[op]
	f.mu.Unlock()
	if hold != nil {
		if f.entered != nil {
			f.entered <- op
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result(host), nil
	}
	return "ok", nil
}

func (f *fakeDispatcher) ops() []dispatch.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatch.Operation
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

type fakeStats struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeStats) Update(ctx context.Context, owner string) (UserStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, owner)
	return UserStats{Owner: owner}, nil
}

func (f *fakeStats) updated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.owners)
	slices.Sort(out)
	return out
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memSink) Log(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) find(owner, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Owner == owner && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	store *Store
	orch  *Orchestrator
	disp  *fakeDispatcher
	stats *fakeStats
	sink  *memSink
}

func newHarness(t *testing.T, cfg OrchestratorConfig) *harness {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "knot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sched := NewScheduler(context.Background())
	h := &harness{store: store, disp: &fakeDispatcher{}, stats: &fakeStats{}, sink: &memSink{}}
	h.orch = NewOrchestrator(store, h.disp, h.sink, NewStatsScheduler(h.stats, sched, false), sched, cfg)
	h.orch.Register(store.Bus())

	err = store.ReadWrite(context.Background(), func(tx *Tx) error {
		host := api.Compute{ID: "host-1", Hostname: "h1", Kind: api.KindHost, State: api.StateActive, Memory: 64}
		if err := tx.CreateCompute(&host); err != nil {
			return err
		}
		if err := tx.PutContainer(api.Container{ID: "c1", Backend: "kvm", ParentKind: api.ParentHost, ParentID: "host-1"}); err != nil {
			return err
		}
		if err := tx.PutContainer(api.Container{ID: "hangar", Backend: "kvm", ParentKind: api.ParentHangar}); err != nil {
			return err
		}
		pool, err := ParsePool("p1", "10.0.0.1", "10.0.0.10")
		if err != nil {
			return err
		}
		return tx.AddPool(pool)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.orch.Wait()
	return h
}

func (h *harness) createVM(t *testing.T, vm api.Compute) {
	t.Helper()
	err := h.store.ReadWrite(context.Background(), func(tx *Tx) error {
		if vm.IPv4Address == "" {
			addr, err := tx.AllocateIP()
			if err != nil {
				return err
			}
			vm.IPv4Address = addr.String() + "/24"
		}
		return tx.CreateCompute(&vm)
	})
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}
	h.orch.Wait()
}

func (h *harness) compute(t *testing.T, id string) *api.Compute {
	t.Helper()
	var c *api.Compute
	err := h.store.ReadOnly(context.Background(), func(tx *Tx) error {
		var err error
		c, err = tx.Compute(id)
		return err
	})
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return c
}

func vm(id string) api.Compute {
	return api.Compute{
		ID: id, Hostname: id + ".example", Kind: api.KindVirtual, State: api.StateInactive,
		Owner: "alice", Memory: 2, SwapSize: 1, NumCores: 1, CPULimit: 1, ContainerID: "c1",
	}
}

func TestStateChange(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	ctx := context.Background()

	err := h.store.ReadWrite(ctx, func(tx *Tx) error {
		_, err := tx.ModifyCompute("vm-1", map[string]any{api.FieldState: api.StateInactive})
		return err
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	h.orch.Wait()
	if len(h.disp.ops()) != 0 || len(h.stats.updated()) != 0 {
		t.Fatalf("unchanged state triggered work: %v %v", h.disp.ops(), h.stats.updated())
	}

	err = h.store.ReadWrite(ctx, func(tx *Tx) error {
		_, err := tx.ModifyCompute("vm-1", map[string]any{api.FieldState: api.StateActive})
		return err
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	h.orch.Wait()
	if len(h.disp.ops()) != 0 {
		t.Fatalf("state change dispatched %v", h.disp.ops())
	}
	if got := h.stats.updated(); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("stats %v", got)
	}
	if !h.sink.find("alice", "inactive -> active") {
		t.Fatalf("missing audit entry")
	}
}

func TestStateChangeRolledBack(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	abort := errors.New("abort")
	err := h.store.ReadWrite(context.Background(), func(tx *Tx) error {
		if _, err := tx.ModifyCompute("vm-1", map[string]any{api.FieldState: api.StateActive}); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}
	h.orch.Wait()
	if len(h.stats.updated()) != 0 || h.sink.find("alice", "Changed state") {
		t.Fatalf("rolled back transaction reported work")
	}
}

func TestDeleteDeployed(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	v := vm("vm-1")
	v.Deployed = true
	h.createVM(t, v)

	if err := h.store.ReadWrite(context.Background(), func(tx *Tx) error { return tx.DeleteCompute("vm-1") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.orch.Wait()
	want := []dispatch.Operation{dispatch.OpDestroy, dispatch.OpUndeploy}
	if got := h.disp.ops(); !slices.Equal(got, want) {
		t.Fatalf("ops %v, want %v", got, want)
	}
	if h.disp.calls[0].host != "h1" {
		t.Fatalf("dispatched to %s", h.disp.calls[0].host)
	}
	if !h.sink.find("alice", "Deallocated IP: 10.0.0.1/24") {
		t.Fatalf("ip not released")
	}
	if !slices.Equal(h.stats.updated(), []string{"alice"}) {
		t.Fatalf("stats %v", h.stats.updated())
	}
}

func TestDeleteKeepsAddressOnFailure(t *testing.T) {
	for _, failing := range []dispatch.Operation{dispatch.OpDestroy, dispatch.OpUndeploy} {
		t.Run(string(failing), func(t *testing.T) {
			h := newHarness(t, OrchestratorConfig{})
			h.disp.fail = map[dispatch.Operation]error{failing: errors.New("boom")}
			v := vm("vm-1")
			v.Deployed = true
			h.createVM(t, v)

			if err := h.store.ReadWrite(context.Background(), func(tx *Tx) error { return tx.DeleteCompute("vm-1") }); err != nil {
				t.Fatalf("delete: %v", err)
			}
			h.orch.Wait()
			if ops := h.disp.ops(); ops[len(ops)-1] != failing {
				t.Fatalf("chain continued after %s: %v", failing, ops)
			}
			var usage map[string]int
			h.store.ReadOnly(context.Background(), func(tx *Tx) error {
				var err error
				usage, err = tx.PoolUsage()
				return err
			})
			if usage["p1"] != 1 {
				t.Fatalf("address released after failed teardown")
			}
		})
	}
}

func TestDeleteUndeployed(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	if err := h.store.ReadWrite(context.Background(), func(tx *Tx) error { return tx.DeleteCompute("vm-1") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.orch.Wait()
	if len(h.disp.ops()) != 0 {
		t.Fatalf("undeployed compute dispatched %v", h.disp.ops())
	}
	if !h.sink.find("alice", "Deleted vm-1.example") {
		t.Fatalf("missing audit entry")
	}
}

func TestConfigChangeApplied(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	err := h.store.ReadWrite(context.Background(), func(tx *Tx) error {
		_, err := tx.ModifyCompute("vm-1", map[string]any{api.FieldMemory: 4.0, api.FieldNumCores: 1, api.FieldTemplate: "debian"})
		return err
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	h.orch.Wait()
	if len(h.disp.calls) != 1 || h.disp.calls[0].op != dispatch.OpUpdateConfig {
		t.Fatalf("calls %v", h.disp.calls)
	}
	params := h.disp.calls[0].args[2].(map[string]any)
	if len(params) != 1 || params[api.FieldMemory] != 4096.0 {
		t.Fatalf("params %v", params)
	}
	if !h.sink.find("alice", "configuration changed") {
		t.Fatalf("missing audit entry")
	}
	if !slices.Equal(h.stats.updated(), []string{"alice"}) {
		t.Fatalf("stats %v", h.stats.updated())
	}
}

func TestConfigChangeRevertedOnFailure(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.disp.fail = map[dispatch.Operation]error{dispatch.OpUpdateConfig: &dispatch.RemoteOperationError{Messages: []string{"no memory"}}}
	h.createVM(t, vm("vm-1"))
	err := h.store.ReadWrite(context.Background(), func(tx *Tx) error {
		_, err := tx.ModifyCompute("vm-1", map[string]any{
			api.FieldMemory: 8, api.FieldSwapSize: 2, api.FieldNumCores: 4, api.FieldCPULimit: 0.5,
		})
		return err
	})
	var applyErr *ConfigApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected config apply error, got %v", err)
	}
	var remote *dispatch.RemoteOperationError
	if !errors.As(err, &remote) {
		t.Fatalf("remote cause lost: %v", err)
	}
	h.orch.Wait()
	c := h.compute(t, "vm-1")
	if c.Memory != 2 || c.SwapSize != 1 || c.NumCores != 1 || c.CPULimit != 1 {
		t.Fatalf("configuration not reverted: %+v", c)
	}
	if h.sink.find("alice", "configuration changed") {
		t.Fatalf("failed change audited")
	}
	if !slices.Equal(h.stats.updated(), []string{"alice"}) {
		t.Fatalf("rejected change must still refresh statistics, got %v", h.stats.updated())
	}
}

func TestOwnerChange(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	if err := h.store.ReadWrite(context.Background(), func(tx *Tx) error { return tx.ChangeOwner("vm-1", "bob") }); err != nil {
		t.Fatalf("chown: %v", err)
	}
	h.orch.Wait()
	if len(h.disp.calls) != 1 || h.disp.calls[0].op != dispatch.OpSetOwner || h.disp.calls[0].args[2] != "bob" {
		t.Fatalf("calls %v", h.disp.calls)
	}
	if !slices.Equal(h.stats.updated(), []string{"alice", "bob"}) {
		t.Fatalf("stats %v", h.stats.updated())
	}
	if !h.sink.find("alice", "owner changed") || !h.sink.find("bob", "owner changed") {
		t.Fatalf("audit entries missing")
	}
}

func TestOwnerChangeFailureAborts(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.disp.fail = map[dispatch.Operation]error{dispatch.OpSetOwner: errors.New("agent down")}
	h.createVM(t, vm("vm-1"))
	err := h.store.ReadWrite(context.Background(), func(tx *Tx) error { return tx.ChangeOwner("vm-1", "bob") })
	if err == nil || !strings.Contains(err.Error(), "agent down") {
		t.Fatalf("expected failure, got %v", err)
	}
	h.orch.Wait()
	if c := h.compute(t, "vm-1"); c.Owner != "alice" {
		t.Fatalf("owner changed to %s", c.Owner)
	}
	if len(h.stats.updated()) != 0 {
		t.Fatalf("stats ran for aborted change")
	}
}

func TestCreateDeploysOnHost(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{AutoAllocate: true})
	h.createVM(t, vm("vm-1"))
	if got := h.disp.ops(); !slices.Equal(got, []dispatch.Operation{dispatch.OpDeploy}) {
		t.Fatalf("ops %v", got)
	}
	if !h.compute(t, "vm-1").Deployed {
		t.Fatalf("compute not marked deployed")
	}
	if !h.sink.find("alice", "Deployed compute vm-1.example") {
		t.Fatalf("missing audit entry")
	}
}

func TestCreateAllocatesFromHangar(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{AutoAllocate: true})
	v := vm("vm-1")
	v.ContainerID = "hangar"
	h.createVM(t, v)
	if len(h.disp.calls) != 1 || h.disp.calls[0].op != dispatch.OpDeploy || h.disp.calls[0].host != "h1" {
		t.Fatalf("calls %v", h.disp.calls)
	}
	c := h.compute(t, "vm-1")
	if c.ContainerID != "c1" || !c.Deployed {
		t.Fatalf("compute not placed: %+v", c)
	}
	if !h.sink.find("alice", "Allocated compute") {
		t.Fatalf("missing audit entry")
	}
}

func TestCreateWithoutAutoAllocate(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{AutoAllocate: false})
	h.createVM(t, vm("vm-1"))
	if len(h.disp.ops()) != 0 {
		t.Fatalf("ops %v", h.disp.ops())
	}
}

func TestAllocateNoCapacity(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	v := vm("vm-1")
	v.ContainerID = "hangar"
	v.Memory = 128
	h.createVM(t, v)
	if _, err := h.orch.Allocate(context.Background(), "vm-1"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected no capacity, got %v", err)
	}
}

func TestReadersProceedDuringRemoteUpdate(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})
	h.createVM(t, vm("vm-1"))
	release := make(chan struct{})
	h.disp.hold = map[dispatch.Operation]chan struct{}{dispatch.OpUpdateConfig: release}
	h.disp.entered = make(chan dispatch.Operation, 1)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- h.store.ReadWrite(ctx, func(tx *Tx) error {
			_, err := tx.ModifyCompute("vm-1", map[string]any{api.FieldMemory: 4.0})
			return err
		})
	}()
	select {
	case <-h.disp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("update_config never dispatched")
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := h.store.ReadOnly(readCtx, func(tx *Tx) error {
		c, err := tx.Compute("vm-1")
		if err != nil {
			return err
		}
		if c.Memory != 2 {
			t.Errorf("uncommitted memory visible: %v", c.Memory)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read blocked by pending remote update: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("modify: %v", err)
	}
	h.orch.Wait()
	if c := h.compute(t, "vm-1"); c.Memory != 4 {
		t.Fatalf("memory %v after commit", c.Memory)
	}
}
