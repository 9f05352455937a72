package olliebot

import (
	"fmt"
	"regexp"
	"strings"
)

// SlotKind names the type of value a pattern slot resolves to.
type SlotKind string

const (
	SlotString          SlotKind = "string"
	SlotNumber          SlotKind = "number"
	SlotGroup           SlotKind = "group"
	SlotMember          SlotKind = "member"
	SlotRole            SlotKind = "role"
	SlotTextChannel     SlotKind = "textchannel"
	SlotVoiceChannel    SlotKind = "voicechannel"
	SlotCategoryChannel SlotKind = "categorychannel"
	SlotEmoji           SlotKind = "emoji"
	SlotInvite          SlotKind = "invite"
	SlotColor           SlotKind = "color"
	SlotMessage         SlotKind = "message"
)

func (k SlotKind) valid() bool {
	switch k {
	case SlotString, SlotNumber, SlotGroup, SlotMember, SlotRole,
		SlotTextChannel, SlotVoiceChannel, SlotCategoryChannel,
		SlotEmoji, SlotInvite, SlotColor, SlotMessage:
		return true
	default:
		return false
	}
}

const (
	commandSegment = `([A-Za-z_]+)`
	tokenSegment   = `("[^"]+"|\S+)`
	groupSegment   = `(.+)$`
)

var slotPlaceholder = regexp.MustCompile(`^\{([a-z]+)\}$`)

// CommandPattern matches the text following a command name against an
// ordered list of typed slots.
//
// expressions[i] matches the command segment followed by the first i
// slots, so expressions[len(slots)] is the full pattern.
type CommandPattern struct {
	raw         string
	slots       []SlotKind
	strict      bool
	expressions []*regexp.Regexp
}

// CompilePattern parses a pattern such as "{member} {number}". A group
// slot consumes the rest of the input, so it may only appear once, as the
// final slot. In strict mode a partial match is treated as no match.
func CompilePattern(pattern string, strict bool) (*CommandPattern, error) {
	p := &CommandPattern{raw: pattern, strict: strict}

	for _, field := range strings.Fields(pattern) {
		m := slotPlaceholder.FindStringSubmatch(field)
		if m == nil {
			return nil, fmt.Errorf("invalid slot %q in pattern %q", field, pattern)
		}
		kind := SlotKind(m[1])
		if !kind.valid() {
			return nil, fmt.Errorf("unknown slot kind %q in pattern %q", kind, pattern)
		}
		if len(p.slots) > 0 && p.slots[len(p.slots)-1] == SlotGroup {
			return nil, fmt.Errorf("group slot must be last in pattern %q", pattern)
		}
		p.slots = append(p.slots, kind)
	}

	segments := []string{commandSegment}
	p.expressions = append(p.expressions, regexp.MustCompile("^"+commandSegment))
	for _, kind := range p.slots {
		if kind == SlotGroup {
			segments = append(segments, groupSegment)
		} else {
			segments = append(segments, tokenSegment)
		}
		p.expressions = append(
			p.expressions,
			regexp.MustCompile("^"+strings.Join(segments, " ")),
		)
	}
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error. It's
// meant for patterns declared in command tables.
func MustCompilePattern(pattern string, strict bool) *CommandPattern {
	p, err := CompilePattern(pattern, strict)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *CommandPattern) String() string {
	return p.raw
}

func (p *CommandPattern) Slots() []SlotKind {
	return append([]SlotKind(nil), p.slots...)
}

func (p *CommandPattern) Strict() bool {
	return p.strict
}

// Match runs the pattern against text, which must begin with the command
// name. It returns one raw token per matched slot, in slot order.
//
// In non-strict mode, when the full pattern fails, progressively shorter
// prefixes of the slot list are tried and the longest match wins, so
// omitted trailing arguments are simply absent from the result. This makes
// at most len(slots)+1 attempts. In strict mode only the full pattern is
// tried.
func (p *CommandPattern) Match(text string) ([]string, bool) {
	full := len(p.slots)
	lowest := 0
	if p.strict {
		lowest = full
	}
	for n := full; n >= lowest; n-- {
		m := p.expressions[n].FindStringSubmatch(text)
		if m == nil {
			continue
		}
		tokens := make([]string, 0, n)
		for i, raw := range m[2:] {
			if p.slots[i] == SlotGroup {
				tokens = append(tokens, raw)
				continue
			}
			tokens = append(tokens, unquote(raw))
		}
		return tokens, true
	}
	return nil, false
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
