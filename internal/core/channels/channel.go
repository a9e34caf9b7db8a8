package channels

import (
	"strings"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// Type of a channel, derived from its name prefix. The prefix decides
// auth and payload rules; there is no channel metadata beyond the name.
type Type uint8

const (
	Public Type = iota
	Private
	Presence
	PrivateEncrypted
)

const (
	prefixPrivateEncrypted = "private-encrypted-"
	prefixPrivate          = "private-"
	prefixPresence         = "presence-"

	cacheInfix = "cache-"
)

// TypeOf derives the channel type. Order matters: private-encrypted-
// must win over private-.
func TypeOf(name string) Type {
	switch {
	case strings.HasPrefix(name, prefixPrivateEncrypted):
		return PrivateEncrypted
	case strings.HasPrefix(name, prefixPrivate):
		return Private
	case strings.HasPrefix(name, prefixPresence):
		return Presence
	default:
		return Public
	}
}

func (t Type) String() string {
	switch t {
	case Private:
		return "private"
	case Presence:
		return "presence"
	case PrivateEncrypted:
		return "private-encrypted"
	default:
		return "public"
	}
}

// RequiresAuth reports whether subscribing needs a signed token.
func (t Type) RequiresAuth() bool {
	return t != Public
}

// AllowsClientEvents reports whether client-* events may target the
// channel. Public channels never relay peer messages.
func (t Type) AllowsClientEvents() bool {
	return t != Public
}

// IsCacheChannel reports whether the channel keeps its last event for
// replay: a cache- prefix, or a cache- infix right after the type
// prefix (private-cache-x, presence-cache-x, private-encrypted-cache-x).
func IsCacheChannel(name string) bool {
	rest := name
	switch TypeOf(name) {
	case PrivateEncrypted:
		rest = name[len(prefixPrivateEncrypted):]
	case Private:
		rest = name[len(prefixPrivate):]
	case Presence:
		rest = name[len(prefixPresence):]
	}
	return strings.HasPrefix(rest, cacheInfix)
}

// Validate checks a channel name against the protocol rules: non-empty,
// bounded length, restricted charset.
func Validate(name string, maxLength int) error {
	if name == "" {
		return protocol.NewError(protocol.KindProtocol, protocol.StatusBadRequest, "empty channel name", protocol.ErrInvalidChannelName)
	}
	if maxLength > 0 && len(name) > maxLength {
		return protocol.Errorf(protocol.KindProtocol, protocol.StatusBadRequest, "channel name exceeds %d characters", maxLength)
	}
	for i := 0; i < len(name); i++ {
		if !validNameByte(name[i]) {
			return protocol.Errorf(protocol.KindProtocol, protocol.StatusBadRequest, "invalid character %q in channel name", name[i])
		}
	}
	return nil
}

func validNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '_', '-', '=', '@', ',', '.', ';':
		return true
	}
	return false
}
