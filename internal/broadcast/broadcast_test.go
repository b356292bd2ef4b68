package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flockd/internal/health"
	"flockd/internal/platform"
	"flockd/internal/ratelimit"
	"flockd/internal/sessions"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

// errFunc scripts per-account, per-operation behavior.
type errFunc func(phone, kind, target string) error

type fakeClient struct {
	errFor errFunc

	mu      sync.Mutex
	recent  []int64 // served by RecentMessages
	boosted [][]int64
	reacted []int64
}

func (c *fakeClient) Authenticate(ctx context.Context, creds platform.Credentials) (platform.Session, error) {
	return &fakeSession{phone: creds.Phone, client: c}, nil
}

func (c *fakeClient) Close() error { return nil }

type fakeSession struct {
	phone  string
	client *fakeClient
}

func (s *fakeSession) call(kind, target string) error {
	if s.client.errFor == nil {
		return nil
	}
	return s.client.errFor(s.phone, kind, target)
}

func (s *fakeSession) JoinTarget(_ context.Context, target string) error {
	return s.call("join_target", target)
}
func (s *fakeSession) BoostViews(_ context.Context, target string, ids []int64) error {
	s.client.mu.Lock()
	s.client.boosted = append(s.client.boosted, ids)
	s.client.mu.Unlock()
	return s.call("boost_views", target)
}
func (s *fakeSession) React(_ context.Context, target string, id int64, _ string) error {
	s.client.mu.Lock()
	s.client.reacted = append(s.client.reacted, id)
	s.client.mu.Unlock()
	return s.call("react", target)
}
func (s *fakeSession) VotePoll(_ context.Context, target string, _ int64, _ int) error {
	return s.call("vote_poll", target)
}
func (s *fakeSession) JoinLiveEvent(_ context.Context, target string, _ int64) error {
	return s.call("join_live", target)
}
func (s *fakeSession) CheckLive(context.Context, string) (*platform.LiveEvent, error) {
	return nil, nil
}
func (s *fakeSession) RecentMessages(context.Context, string, int) ([]int64, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return append([]int64(nil), s.client.recent...), nil
}
func (s *fakeSession) Close() error { return nil }

type harness struct {
	tr     *health.Tracker
	exec   *Executor
	client *fakeClient

	mu      sync.Mutex
	retried []int64
}

var fastCfg = Config{BatchSize: 2, CooldownMin: time.Millisecond, CooldownMax: 2 * time.Millisecond}

func newHarness(t *testing.T, errFor errFunc, phones ...string) *harness {
	t.Helper()
	tr := health.New(storage.NewMemory(), logx.Nop(), nil)
	for i, p := range phones {
		if _, err := tr.Enroll(context.Background(), storage.Account{
			Phone: p, SessionRef: p, Status: storage.StatusActive, Priority: len(phones) - i,
		}); err != nil {
			t.Fatalf("enroll: %v", err)
		}
	}
	client := &fakeClient{errFor: errFor}
	reg := sessions.New(client, tr, logx.Nop(), sessions.Config{MaxActive: 32})
	gate := ratelimit.NewGate(
		ratelimit.New(logx.Nop(), ratelimit.Window{Limit: 100, Span: time.Minute}),
		ratelimit.New(logx.Nop(), ratelimit.Window{Limit: 1000, Span: time.Minute}),
	)
	h := &harness{tr: tr, client: client}
	h.exec = New(tr, reg, gate, logx.Nop(), fastCfg)
	h.exec.SetRetry(func(_ context.Context, accountID int64, _ platform.Op) error {
		h.mu.Lock()
		h.retried = append(h.retried, accountID)
		h.mu.Unlock()
		return nil
	})
	return h
}

func (h *harness) retries() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.retried...)
}

func idByPhone(t *testing.T, tr *health.Tracker, phone string) int64 {
	t.Helper()
	for _, a := range tr.Eligible(context.Background(), 0) {
		if a.Phone == phone {
			return a.ID
		}
	}
	t.Fatalf("no eligible account with phone %s", phone)
	return 0
}

func TestExecuteAllSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1", "+2", "+3", "+4", "+5")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 5 || len(res.Failures) != 0 || res.Aborted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteBreadthLimitsSelection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1", "+2", "+3")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 2)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Requested != 2 || res.Succeeded != 2 {
		t.Fatalf("breadth 2 should select 2 accounts, got %+v", res)
	}
}

func TestExecuteNoEligibleAccounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0)
	if !errors.Is(err, ErrNoEligibleAccounts) {
		t.Fatalf("want ErrNoEligibleAccounts, got %v", err)
	}
}

func TestExecuteInvalidOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1")

	if _, err := h.exec.Execute(context.Background(), platform.Op{KindName: "frobnicate", Target: "@grp"}, 0); err == nil {
		t.Fatalf("invalid kind must fail fast")
	}
	if _, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget}, 0); err == nil {
		t.Fatalf("empty target must fail fast")
	}
}

func TestThrottledAccountContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		if phone == "+2" {
			return &platform.ThrottledError{Seconds: 120}
		}
		return nil
	}, "+1", "+2", "+3")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 2 || len(res.Failures) != 1 {
		t.Fatalf("one throttle must not stop the rest: %+v", res)
	}

	id := res.Failures[0].AccountID
	a, _ := h.tr.Get(id)
	if a.Status != storage.StatusFloodWait {
		t.Fatalf("throttled account should be flood-waited, got %s", a.Status)
	}
	if until := time.Until(a.FloodWaitUntil); until < 100*time.Second {
		t.Fatalf("flood wait should honor the platform duration, got %v", until)
	}
	if got := h.retries(); len(got) != 1 || got[0] != id {
		t.Fatalf("throttled op should be requeued for the account, got %v", got)
	}
}

func TestBannedAccountContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		if phone == "+1" {
			return platform.ErrBannedOnTarget
		}
		return nil
	}, "+1", "+2", "+3")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 2 || len(res.Failures) != 1 {
		t.Fatalf("one ban must not stop the rest: %+v", res)
	}
	if !h.tr.IsBanned(idByPhoneAny(t, h.tr, "+1")) {
		t.Fatalf("banned account must be marked")
	}
	if got := h.retries(); len(got) != 0 {
		t.Fatalf("banned account must not be requeued, got %v", got)
	}
}

// idByPhoneAny looks the account up even when it is no longer eligible.
func idByPhoneAny(t *testing.T, tr *health.Tracker, phone string) int64 {
	t.Helper()
	for id := int64(1); id < 100; id++ {
		if a, ok := tr.Get(id); ok && a.Phone == phone {
			return id
		}
	}
	t.Fatalf("no account with phone %s", phone)
	return 0
}

func TestTargetGoneAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		return platform.ErrTargetInaccessible
	}, "+1", "+2")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@private"}, 0)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("want ErrAborted, got %v", err)
	}
	if !res.Aborted || res.AbortReason == "" {
		t.Fatalf("abort must be reported in the result: %+v", res)
	}

	// Nobody gets punished for a dead target.
	for _, a := range h.tr.Eligible(context.Background(), 0) {
		if a.Status != storage.StatusActive {
			t.Fatalf("account %d status changed on abort: %s", a.ID, a.Status)
		}
	}
}

func TestUnknownFailureCountsAndRequeues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		if phone == "+2" {
			return errors.New("wire glitch")
		}
		return nil
	}, "+1", "+2")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpReact, Target: "@grp", MessageIDs: []int64{9}, Emoji: "🔥"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 1 || len(res.Failures) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	id := res.Failures[0].AccountID
	a, _ := h.tr.Get(id)
	if a.Status != storage.StatusActive {
		t.Fatalf("ordinary failure must not change status, got %s", a.Status)
	}
	if a.FailedAttempts != 1 {
		t.Fatalf("failed attempt not counted: %d", a.FailedAttempts)
	}
	if got := h.retries(); len(got) != 1 {
		t.Fatalf("failed op should be requeued, got %v", got)
	}
}

func TestAlreadyMemberCountsAsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		return platform.ErrAlreadyMember
	}, "+1", "+2")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 2 {
		t.Fatalf("already-member is success, got %+v", res)
	}
}

func TestSuccessTouchesLastUsed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1")
	before := time.Now()

	if _, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	a, _ := h.tr.Get(idByPhoneAny(t, h.tr, "+1"))
	if a.LastUsedAt.Before(before) {
		t.Fatalf("success must touch last-used")
	}
}

func TestExecuteOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		if target == "@member" {
			return platform.ErrAlreadyMember
		}
		return nil
	}, "+1")
	ctx := context.Background()
	id := idByPhone(t, h.tr, "+1")

	if err := h.exec.ExecuteOne(ctx, id, platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}); err != nil {
		t.Fatalf("execute one: %v", err)
	}
	// Stale retry precondition: already a member reads as success.
	if err := h.exec.ExecuteOne(ctx, id, platform.Op{Kind: platform.OpJoinTarget, Target: "@member"}); err != nil {
		t.Fatalf("already-member retry must be a no-op success, got %v", err)
	}
	if err := h.exec.ExecuteOne(ctx, 9999, platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown account: want ErrNotFound, got %v", err)
	}
}

func TestFailureTouchesLastUsed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(phone, kind, target string) error {
		return errors.New("wire glitch")
	}, "+1")
	before := time.Now()

	if _, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@grp"}, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// A failing account rotates to the back of the selection order too.
	a, _ := h.tr.Get(idByPhoneAny(t, h.tr, "+1"))
	if a.LastUsedAt.Before(before) {
		t.Fatalf("failed attempt must touch last-used")
	}
}

func TestBoostDefaultsToRecentMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1")
	h.client.recent = []int64{30, 29, 28}

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpBoostViews, Target: "@grp"}, 0)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("execute: %v %+v", err, res)
	}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if len(h.client.boosted) != 1 || len(h.client.boosted[0]) != 3 || h.client.boosted[0][0] != 30 {
		t.Fatalf("boost must target the newest messages, got %v", h.client.boosted)
	}
}

func TestReactDefaultsToNewestMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1")
	h.client.recent = []int64{30, 29}

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpReact, Target: "@grp", Emoji: "🔥"}, 0)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("execute: %v %+v", err, res)
	}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if len(h.client.reacted) != 1 || h.client.reacted[0] != 30 {
		t.Fatalf("react must target the newest message, got %v", h.client.reacted)
	}
}

func TestReactFailsWithoutMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, "+1")

	res, err := h.exec.Execute(context.Background(), platform.Op{Kind: platform.OpReact, Target: "@empty", Emoji: "🔥"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded != 0 || len(res.Failures) != 1 {
		t.Fatalf("reacting on an empty target must fail per account: %+v", res)
	}
}

type blockingClient struct {
	inner *fakeClient
}

func (c *blockingClient) Authenticate(ctx context.Context, creds platform.Credentials) (platform.Session, error) {
	return &blockingSession{
		fakeSession: &fakeSession{phone: creds.Phone, client: c.inner},
		block:       creds.Phone == "+2",
	}, nil
}

func (c *blockingClient) Close() error { return nil }

// blockingSession holds its join open until the context dies, so a test
// can observe whether an abort reaches batch mates still in flight.
type blockingSession struct {
	*fakeSession
	block bool
}

func (s *blockingSession) JoinTarget(ctx context.Context, target string) error {
	if !s.block {
		return platform.ErrTargetInaccessible
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestAbortCancelsBatchInFlight(t *testing.T) {
	t.Parallel()
	tr := health.New(storage.NewMemory(), logx.Nop(), nil)
	for i, p := range []string{"+1", "+2"} {
		if _, err := tr.Enroll(context.Background(), storage.Account{
			Phone: p, SessionRef: p, Status: storage.StatusActive, Priority: 2 - i,
		}); err != nil {
			t.Fatalf("enroll: %v", err)
		}
	}
	reg := sessions.New(&blockingClient{inner: &fakeClient{}}, tr, logx.Nop(), sessions.Config{MaxActive: 32})
	gate := ratelimit.NewGate(
		ratelimit.New(logx.Nop(), ratelimit.Window{Limit: 100, Span: time.Minute}),
		ratelimit.New(logx.Nop(), ratelimit.Window{Limit: 1000, Span: time.Minute}),
	)
	exec := New(tr, reg, gate, logx.Nop(), fastCfg)

	var (
		res  Result
		err  error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		res, err = exec.Execute(context.Background(), platform.Op{Kind: platform.OpJoinTarget, Target: "@gone"}, 0)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("abort did not cancel the in-flight batch")
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("want ErrAborted, got %v", err)
	}
	if !res.Aborted {
		t.Fatalf("abort not reported: %+v", res)
	}
}
