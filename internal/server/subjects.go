package server

import (
	"regexp"
	"strings"
)

// NATS subject mapping (NATS -> broker).
//
// Publishers address broker dimensions through subject segments under the
// configured prefix (default "sse"):
//
//	sse.all.<selector...>                events for every subscriber
//	sse.channel.<channel>.<selector...>  events for one channel
//	sse.user.<userId>.<selector...>      events for one user id
//	sse.session.<sessionId>.<selector...> events for one session
//
// The selector is the remaining subject segments rejoined with dots, so
// "sse.channel.home.chat.msg" delivers selector "chat.msg" to channel
// "home". The message body is the payload, passed through verbatim.

const (
	targetAll     = "all"
	targetChannel = "channel"
	targetUser    = "user"
	targetSession = "session"
)

// keyPattern bounds what a channel/user/session segment may look like.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_*-]+$`)

// PublishTarget is a decoded subject: which dimension to notify, under which
// key, with which selector.
type PublishTarget struct {
	Kind     string
	Key      string
	Selector string
}

// ParseSubject decodes a subject under the prefix. The boolean is false for
// subjects that do not follow the scheme.
func ParseSubject(prefix, subject string) (PublishTarget, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return PublishTarget{}, false
	}
	parts := strings.Split(rest, ".")

	if parts[0] == targetAll {
		if len(parts) < 2 {
			return PublishTarget{}, false
		}
		return PublishTarget{Kind: targetAll, Selector: strings.Join(parts[1:], ".")}, true
	}

	if len(parts) < 3 {
		return PublishTarget{}, false
	}
	kind := parts[0]
	if kind != targetChannel && kind != targetUser && kind != targetSession {
		return PublishTarget{}, false
	}
	if !keyPattern.MatchString(parts[1]) {
		return PublishTarget{}, false
	}
	return PublishTarget{
		Kind:     kind,
		Key:      parts[1],
		Selector: strings.Join(parts[2:], "."),
	}, true
}
