package platform

import (
	"context"
	"fmt"
	"strings"
)

// Credentials references the stored auth material for one account.
// SessionRef is an opaque handle to previously saved authorization state
// (the concrete client decides what it means: a file path, a DB key, ...).
type Credentials struct {
	Phone      string
	SessionRef string
}

// LiveEvent describes an in-progress live event on a target.
// ID is stable for the lifetime of one event; the watcher uses it to avoid
// joining the same event twice.
type LiveEvent struct {
	ID    int64
	Title string
}

// Client opens authenticated sessions. One Client instance serves the whole
// process; sessions are per-account.
type Client interface {
	// Authenticate opens a connection and restores the saved authorization.
	// A nil error means the returned session is live and authorized.
	Authenticate(ctx context.Context, creds Credentials) (Session, error)

	// Close releases transport resources shared across sessions.
	Close() error
}

// Session is a single live authenticated connection.
//
// A Session is not safe for concurrent use; the session registry serializes
// access with a per-session lock.
type Session interface {
	JoinTarget(ctx context.Context, target string) error
	BoostViews(ctx context.Context, target string, messageIDs []int64) error
	React(ctx context.Context, target string, messageID int64, emoji string) error
	VotePoll(ctx context.Context, target string, messageID int64, option int) error
	JoinLiveEvent(ctx context.Context, target string, eventID int64) error

	// CheckLive reports whether the target currently has a live event.
	// (nil, nil) means no event in progress.
	CheckLive(ctx context.Context, target string) (*LiveEvent, error)

	// RecentMessages returns up to limit recent message IDs on the target,
	// newest first.
	RecentMessages(ctx context.Context, target string, limit int) ([]int64, error)

	Close() error
}

// OpKind is the closed set of fan-out operations.
type OpKind int

const (
	OpJoinTarget OpKind = iota
	OpBoostViews
	OpReact
	OpVotePoll
	OpJoinLive
)

var opKindNames = map[OpKind]string{
	OpJoinTarget: "join_target",
	OpBoostViews: "boost_views",
	OpReact:      "react",
	OpVotePoll:   "vote_poll",
	OpJoinLive:   "join_live",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("opkind(%d)", int(k))
}

func (k OpKind) Valid() bool {
	_, ok := opKindNames[k]
	return ok
}

// ParseOpKind maps the stable wire/storage name back to an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for k, name := range opKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// Op is one executable operation against a target. The payload fields used
// depend on Kind; unused fields stay zero. Op is JSON-serializable so retry
// tasks can persist it.
type Op struct {
	Kind       OpKind  `json:"-"`
	KindName   string  `json:"kind"`
	Target     string  `json:"target"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
	Emoji      string  `json:"emoji,omitempty"`
	Option     int     `json:"option,omitempty"`
	EventID    int64   `json:"event_id,omitempty"`
}

// Normalize fills the serialized kind name from Kind (or vice versa after
// decoding) and validates the pair. Every operation needs a target.
func (o *Op) Normalize() error {
	if strings.TrimSpace(o.Target) == "" {
		return fmt.Errorf("operation %q has no target", o.KindName)
	}
	if strings.TrimSpace(o.KindName) == "" {
		if !o.Kind.Valid() {
			return fmt.Errorf("invalid operation kind %d", int(o.Kind))
		}
		o.KindName = o.Kind.String()
		return nil
	}
	k, err := ParseOpKind(o.KindName)
	if err != nil {
		return err
	}
	o.Kind = k
	return nil
}
