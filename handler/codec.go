package handler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/distlock/redisync/identity"
)

// lease is the decoded form of the "<owner>$<deadline-unix-ms>" value
// format shared by both handlers, per the spec's data model: "In the
// optimistic handler it is <owner>$<deadline-unix-float>. In the
// scripted handler the deadline may be derived from the store's
// per-key expiry. Either way the holder and the deadline are
// observable." Both handlers here encode the deadline explicitly
// rather than relying solely on Redis's own TTL, because the scripted
// handler's refresh must be able to re-claim a lease whose logical
// deadline has passed but whose key Redis has not yet evicted (see
// DESIGN.md's discussion of CanRefreshExpired).
type lease struct {
	Owner    identity.Owner
	Deadline time.Time
}

func encodeLease(owner identity.Owner, deadline time.Time) string {
	return fmt.Sprintf("%s$%d", owner, deadline.UnixMilli())
}

func decodeLease(value string) (lease, error) {
	idx := strings.LastIndexByte(value, '$')
	if idx < 0 {
		return lease{}, &ProtocolError{Reason: fmt.Sprintf("malformed lease value %q: missing '$' separator", value)}
	}
	ownerPart, deadlinePart := value[:idx], value[idx+1:]
	ms, err := strconv.ParseInt(deadlinePart, 10, 64)
	if err != nil {
		return lease{}, &ProtocolError{Reason: fmt.Sprintf("malformed lease value %q: bad deadline", value), Err: err}
	}
	return lease{Owner: identity.Owner(ownerPart), Deadline: time.UnixMilli(ms)}, nil
}

// isLive reports whether l has not yet reached its deadline as of now.
// A lease whose deadline has passed is considered free by all
// handlers regardless of the stored value, per the core spec's
// invariant 4.
func (l lease) isLive(now time.Time) bool {
	return now.Before(l.Deadline)
}
