package layer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Names must be strictly shorter than this many characters.
const maxNameLength = 100

// Delimiters separating a base channel name from a process- or reply-specific suffix.
// They carry no semantic difference here.
const (
	DelimReply   = '?'
	DelimProcess = '!'
)

// \d and \w follow Unicode digit and word classes, not just ASCII.
var (
	channelNameRE = regexp.MustCompile(`^[a-zA-Z\p{Nd}\-_.]+([?!][\p{L}\p{N}_\-.]+)?$`)
	groupNameRE   = regexp.MustCompile(`^[a-zA-Z\p{Nd}\-_.]+$`)
)

// ValidChannelName returns nil when name is a well-formed channel name and an
// *InvalidNameError otherwise.
func ValidChannelName(name string) error {
	if !validText(name) || !channelNameRE.MatchString(name) {
		return &InvalidNameError{Kind: ChannelName, Value: name}
	}
	return nil
}

// ValidGroupName returns nil when name is a well-formed group name. Group names never
// carry a delimiter suffix.
func ValidGroupName(name string) error {
	if !validText(name) || !groupNameRE.MatchString(name) {
		return &InvalidNameError{Kind: GroupName, Value: name}
	}
	return nil
}

// ValidateChannelName accepts values of any type; anything other than a string
// (raw bytes included) is rejected before the grammar is consulted.
func ValidateChannelName(v any) error {
	name, ok := v.(string)
	if !ok {
		return &InvalidNameError{Kind: ChannelName, Value: v}
	}
	return ValidChannelName(name)
}

// ValidateGroupName is the group-name counterpart of ValidateChannelName.
func ValidateGroupName(v any) error {
	name, ok := v.(string)
	if !ok {
		return &InvalidNameError{Kind: GroupName, Value: v}
	}
	return ValidGroupName(name)
}

// IsValidChannelName maps ValidChannelName to a bool.
func IsValidChannelName(name string) bool { return ValidChannelName(name) == nil }

// IsValidGroupName maps ValidGroupName to a bool.
func IsValidGroupName(name string) bool { return ValidGroupName(name) == nil }

func validText(s string) bool {
	return utf8.ValidString(s) && utf8.RuneCountInString(s) < maxNameLength
}

// SplitChannelName splits name at its first delimiter. delim is 0 when name has no suffix.
func SplitChannelName(name string) (base string, delim byte, suffix string) {
	i := strings.IndexAny(name, "?!")
	if i < 0 {
		return name, 0, ""
	}
	return name[:i], name[i], name[i+1:]
}

// IsProcessSpecific reports whether name carries a delimiter suffix.
func IsProcessSpecific(name string) bool {
	_, delim, _ := SplitChannelName(name)
	return delim != 0
}

// NewChannelName builds a channel name from pattern and a unique segment.
// pattern is a base name ending in '?' or '!'; the result must be a valid channel name.
func NewChannelName(pattern, unique string) (string, error) {
	base, delim, suffix := SplitChannelName(pattern)
	if delim == 0 || suffix != "" || base == "" || unique == "" {
		return "", &InvalidNameError{Kind: ChannelName, Value: pattern}
	}
	name := pattern + unique
	if err := ValidChannelName(name); err != nil {
		return "", err
	}
	return name, nil
}
