// Package broadcast fans one operation out across the eligible account set.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"flockd/internal/health"
	"flockd/internal/platform"
	"flockd/internal/ratelimit"
	"flockd/internal/sessions"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

var (
	ErrNoEligibleAccounts = errors.New("broadcast: no eligible accounts")
	ErrAborted            = errors.New("broadcast: aborted")
)

type Config struct {
	BatchSize   int           `yaml:"batch_size" json:"batch_size"`
	CooldownMin time.Duration `yaml:"cooldown_min" json:"cooldown_min"`
	CooldownMax time.Duration `yaml:"cooldown_max" json:"cooldown_max"`
}

func (c *Config) Normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.CooldownMin <= 0 {
		c.CooldownMin = 2 * time.Second
	}
	if c.CooldownMax < c.CooldownMin {
		c.CooldownMax = c.CooldownMin + 3*time.Second
	}
}

// RetryFunc schedules a failed per-account operation for later re-execution.
type RetryFunc func(ctx context.Context, accountID int64, op platform.Op) error

// Failure names one account that did not complete the operation.
type Failure struct {
	AccountID int64  `json:"account_id"`
	Reason    string `json:"reason"`
}

// Result is the aggregate outcome of one fan-out.
type Result struct {
	Requested   int       `json:"requested"`
	Succeeded   int       `json:"succeeded"`
	Skipped     int       `json:"skipped"`
	Failures    []Failure `json:"failures,omitempty"`
	Aborted     bool      `json:"aborted"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// Executor runs operations across accounts in bounded concurrent batches.
type Executor struct {
	health   *health.Tracker
	sessions *sessions.Registry
	gate     *ratelimit.Gate
	retry    RetryFunc
	log      logx.Logger
	cfg      Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(tracker *health.Tracker, reg *sessions.Registry, gate *ratelimit.Gate, log logx.Logger, cfg Config) *Executor {
	cfg.Normalize()
	return &Executor{
		health:   tracker,
		sessions: reg,
		gate:     gate,
		log:      log,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRetry installs the retry scheduler. Without one, retryable failures
// are only reported, never requeued.
func (e *Executor) SetRetry(fn RetryFunc) { e.retry = fn }

// Execute fans op out over up to breadth eligible accounts (breadth <= 0
// means all), in batches of BatchSize with a jittered pause between
// batches. It returns an error only for invalid input, no eligible
// accounts, or an abort; per-account failures land in the Result.
func (e *Executor) Execute(ctx context.Context, op platform.Op, breadth int) (Result, error) {
	if err := op.Normalize(); err != nil {
		return Result{}, err
	}

	accounts := e.health.Eligible(ctx, breadth)
	if len(accounts) == 0 {
		return Result{}, ErrNoEligibleAccounts
	}

	res := Result{Requested: len(accounts)}
	var resMu sync.Mutex
	aborted := false

	e.log.Info("broadcast start",
		logx.String("kind", op.KindName),
		logx.String("target", op.Target),
		logx.Int("accounts", len(accounts)))

	for start := 0; start < len(accounts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(accounts) {
			end = len(accounts)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, acct := range accounts[start:end] {
			acct := acct
			g.Go(func() error {
				outcome := e.runOne(gctx, acct, op)
				resMu.Lock()
				defer resMu.Unlock()
				switch outcome.kind {
				case outcomeSuccess:
					res.Succeeded++
				case outcomeSkipped:
					res.Skipped++
				case outcomeFailed:
					res.Failures = append(res.Failures, Failure{AccountID: acct.ID, Reason: outcome.reason})
				case outcomeAbort:
					if !aborted {
						aborted = true
						res.Aborted = true
						res.AbortReason = outcome.reason
					}
					// Cancel the rest of the batch; the target is gone
					// for everyone.
					return ErrAborted
				}
				return nil
			})
		}
		err := g.Wait()
		if aborted {
			e.log.Warn("broadcast aborted",
				logx.String("target", op.Target),
				logx.String("reason", res.AbortReason))
			return res, fmt.Errorf("%w: %s", ErrAborted, res.AbortReason)
		}
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if end < len(accounts) {
			if err := e.cooldown(ctx); err != nil {
				return res, err
			}
		}
	}

	e.log.Info("broadcast done",
		logx.String("kind", op.KindName),
		logx.String("target", op.Target),
		logx.Int("ok", res.Succeeded),
		logx.Int("failed", len(res.Failures)),
		logx.Int("skipped", res.Skipped))
	return res, nil
}

// ExecuteOne runs op on a single account through the same rate gate and
// session pool as a fan-out. Used by the retry path.
func (e *Executor) ExecuteOne(ctx context.Context, accountID int64, op platform.Op) error {
	if err := op.Normalize(); err != nil {
		return err
	}
	acct, ok := e.health.Get(accountID)
	if !ok {
		return storage.ErrNotFound
	}

	if err := e.gate.Acquire(ctx, strconv.FormatInt(accountID, 10)); err != nil {
		return err
	}
	lease, err := e.sessions.Acquire(ctx, acct)
	if err != nil {
		return err
	}
	if lease == nil {
		// Account turned inactive; nothing left to retry.
		return nil
	}
	defer lease.Release()

	err = dispatch(ctx, lease.Session(), op)
	e.health.Touch(ctx, accountID)
	if err == nil || errors.Is(err, platform.ErrAlreadyMember) {
		return nil
	}
	return err
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeSkipped
	outcomeFailed
	outcomeAbort
)

type accountOutcome struct {
	kind   outcomeKind
	reason string
}

func (e *Executor) runOne(ctx context.Context, acct storage.Account, op platform.Op) accountOutcome {
	if err := e.gate.Acquire(ctx, strconv.FormatInt(acct.ID, 10)); err != nil {
		return accountOutcome{kind: outcomeSkipped, reason: "rate gate: " + err.Error()}
	}

	lease, err := e.sessions.Acquire(ctx, acct)
	if err != nil {
		return accountOutcome{kind: outcomeFailed, reason: "session: " + err.Error()}
	}
	if lease == nil {
		return accountOutcome{kind: outcomeSkipped, reason: "account inactive"}
	}
	defer lease.Release()

	err = dispatch(ctx, lease.Session(), op)
	// Every attempted account rotates to the back of the selection order,
	// failures included; a failing account must not hog every fan-out.
	e.health.Touch(ctx, acct.ID)
	switch platform.Classify(err) {
	case platform.OutcomeOK:
		return accountOutcome{kind: outcomeSuccess}

	case platform.OutcomeThrottled:
		wait, _ := platform.ThrottleWait(err)
		e.health.MarkFloodWait(ctx, acct.ID, wait)
		e.scheduleRetry(ctx, acct.ID, op)
		return accountOutcome{kind: outcomeFailed, reason: "throttled " + wait.String()}

	case platform.OutcomeBanned:
		e.health.MarkBanned(ctx, acct.ID, op.Target)
		e.sessions.Drop(acct.ID)
		return accountOutcome{kind: outcomeFailed, reason: "banned"}

	case platform.OutcomeTargetGone:
		return accountOutcome{kind: outcomeAbort, reason: "target inaccessible: " + op.Target}

	default:
		if ctx.Err() != nil {
			return accountOutcome{kind: outcomeSkipped, reason: ctx.Err().Error()}
		}
		e.health.NoteFailure(ctx, acct.ID)
		e.scheduleRetry(ctx, acct.ID, op)
		return accountOutcome{kind: outcomeFailed, reason: err.Error()}
	}
}

func (e *Executor) scheduleRetry(ctx context.Context, accountID int64, op platform.Op) {
	if e.retry == nil {
		return
	}
	if err := e.retry(ctx, accountID, op); err != nil {
		e.log.Warn("retry schedule failed", logx.Int64("account", accountID), logx.Err(err))
	}
}

// cooldown sleeps a uniform random duration in [CooldownMin, CooldownMax].
func (e *Executor) cooldown(ctx context.Context) error {
	span := e.cfg.CooldownMax - e.cfg.CooldownMin
	e.mu.Lock()
	d := e.cfg.CooldownMin
	if span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span)))
	}
	e.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatch maps the operation kind onto the session call.
// recentMessageLimit caps how many of the target's newest messages a
// boost falls back to when the op names none.
const recentMessageLimit = 10

func dispatch(ctx context.Context, sess platform.Session, op platform.Op) error {
	switch op.Kind {
	case platform.OpJoinTarget:
		return sess.JoinTarget(ctx, op.Target)
	case platform.OpBoostViews:
		ids, err := messageIDs(ctx, sess, op, recentMessageLimit)
		if err != nil {
			return err
		}
		return sess.BoostViews(ctx, op.Target, ids)
	case platform.OpReact:
		ids, err := messageIDs(ctx, sess, op, 1)
		if err != nil {
			return err
		}
		return sess.React(ctx, op.Target, ids[0], op.Emoji)
	case platform.OpVotePoll:
		if len(op.MessageIDs) == 0 {
			return errors.New("broadcast: vote needs a message id")
		}
		return sess.VotePoll(ctx, op.Target, op.MessageIDs[0], op.Option)
	case platform.OpJoinLive:
		return sess.JoinLiveEvent(ctx, op.Target, op.EventID)
	default:
		return fmt.Errorf("broadcast: unsupported operation %q", op.KindName)
	}
}

// messageIDs resolves the op's message targets, falling back to the newest
// messages on the target when the op names none. Votes never fall back: a
// poll must be named explicitly.
func messageIDs(ctx context.Context, sess platform.Session, op platform.Op, limit int) ([]int64, error) {
	if len(op.MessageIDs) > 0 {
		return op.MessageIDs, nil
	}
	ids, err := sess.RecentMessages(ctx, op.Target, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("broadcast: no messages on %s", op.Target)
	}
	return ids, nil
}
