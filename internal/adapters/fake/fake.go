// Package fake is an in-process platform simulator for development and
// smoke testing. Every operation succeeds; re-joining a target reports
// AlreadyMember the way the real platform does.
package fake

import (
	"context"
	"strings"
	"sync"

	"flockd/internal/platform"
	logx "flockd/pkg/logx"
)

type Client struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func New(log logx.Logger) *Client {
	return &Client{log: log}
}

func (c *Client) Authenticate(ctx context.Context, creds platform.Credentials) (platform.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &platform.AuthError{Reason: "client closed"}
	}
	if strings.TrimSpace(creds.SessionRef) == "" {
		return nil, &platform.AuthError{Reason: "no session material"}
	}
	c.log.Debug("simulated session", logx.String("phone", creds.Phone))
	return &session{joined: map[string]bool{}}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type session struct {
	joined map[string]bool
}

func (s *session) JoinTarget(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.joined[target] {
		return platform.ErrAlreadyMember
	}
	s.joined[target] = true
	return nil
}

func (s *session) BoostViews(ctx context.Context, target string, messageIDs []int64) error {
	return ctx.Err()
}

func (s *session) React(ctx context.Context, target string, messageID int64, emoji string) error {
	return ctx.Err()
}

func (s *session) VotePoll(ctx context.Context, target string, messageID int64, option int) error {
	return ctx.Err()
}

func (s *session) JoinLiveEvent(ctx context.Context, target string, eventID int64) error {
	return ctx.Err()
}

func (s *session) CheckLive(ctx context.Context, target string) (*platform.LiveEvent, error) {
	return nil, ctx.Err()
}

func (s *session) RecentMessages(ctx context.Context, target string, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, limit)
	for i := 0; i < limit; i++ {
		ids = append(ids, int64(1000-i))
	}
	return ids, nil
}

func (s *session) Close() error { return nil }
