package policy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/anmitsu/go-shlex"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/qos"
)

// Action is what a rule does with matching traffic.
type Action int

const (
	ActionAccept Action = iota
	ActionDrop
	ActionReject
	ActionLog
	ActionQueue
	ActionNFQueue
	ActionNFLog
	ActionMasquerade
	ActionSNAT
	ActionPortForward
	ActionRedirect
	ActionDNAT
	ActionBounce
	ActionSeparator
)

var actionNames = []string{
	ActionAccept:      "accept",
	ActionDrop:        "drop",
	ActionReject:      "reject",
	ActionLog:         "log",
	ActionQueue:       "queue",
	ActionNFQueue:     "nfqueue",
	ActionNFLog:       "nflog",
	ActionMasquerade:  "masq",
	ActionSNAT:        "snat",
	ActionPortForward: "portfw",
	ActionRedirect:    "redirect",
	ActionDNAT:        "dnat",
	ActionBounce:      "bounce",
	ActionSeparator:   "separator",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// ParseAction accepts the rule-line spelling of an action.
func ParseAction(s string) (Action, bool) {
	s = strings.ToLower(s)
	if s == "masquerade" {
		return ActionMasquerade, true
	}
	for i, n := range actionNames {
		if n == s {
			return Action(i), true
		}
	}
	return 0, false
}

// IsNAT reports whether the action lives in the nat table.
func (a Action) IsNAT() bool {
	switch a {
	case ActionMasquerade, ActionSNAT, ActionPortForward, ActionRedirect, ActionDNAT, ActionBounce:
		return true
	}
	return false
}

// Special endpoint and service names.
const (
	NameAny         = "any"
	NameFirewall    = "firewall"
	NameFirewallAny = "firewall(any)"
)

// RuleOptions are the "options" part of a rule line.
type RuleOptions struct {
	Log        bool
	LogPrefix  string
	LogLimit   int
	Limit      int
	Burst      int
	RejectType string
	Mark       uint32
	NFQueueNum int
	NFLogGroup int

	InInterface  string
	OutInterface string
	ViaInterface string

	ListenPort   int
	RemotePort   int
	RedirectPort int
	Random       bool

	// bandwidth in kbit/s
	InMin  uint64
	InMax  uint64
	OutMin uint64
	OutMax uint64
	Prio   int

	Comment string
}

// Shaped reports whether any bandwidth option is set.
func (o RuleOptions) Shaped() bool {
	return o.InMin > 0 || o.InMax > 0 || o.OutMin > 0 || o.OutMax > 0
}

// Rule is one policy line.
type Rule struct {
	Number  int
	Action  Action
	Service string
	From    string
	To      string
	Options RuleOptions
	Active  bool
	Text    string

	// Cache is filled by Analyze; Err is set when the rule cannot be used.
	Cache RuleCache
	Err   error
}

// Usable reports whether the rule takes part in expansion.
func (r *Rule) Usable() bool {
	return r.Active && r.Err == nil && r.Action != ActionSeparator
}

// ParseRule parses "<action> service <svc> from <src> to <dst> [options k=v,...]".
// A leading '#' marks the rule inactive.
func ParseRule(line string) (Rule, error) {
	r := Rule{Active: true, Text: line}
	s := strings.TrimSpace(line)
	if strings.HasPrefix(s, "#") {
		r.Active = false
		s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	}

	head, opts, _ := strings.Cut(s, " options ")
	if strings.HasSuffix(head, " options") {
		head = strings.TrimSuffix(head, " options")
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return r, errors.New(errors.KindValidation, "empty rule")
	}

	action, ok := ParseAction(fields[0])
	if !ok {
		return r, errors.Errorf(errors.KindValidation, "unknown action %q", fields[0])
	}
	r.Action = action

	if action == ActionSeparator {
		if opts != "" {
			o, err := ParseOptions(opts)
			if err != nil {
				return r, err
			}
			r.Options = o
		}
		return r, nil
	}

	if len(fields) != 7 || fields[1] != "service" || fields[3] != "from" || fields[5] != "to" {
		return r, errors.Errorf(errors.KindValidation, "malformed rule %q", line)
	}
	r.Service, r.From, r.To = fields[2], fields[4], fields[6]

	if opts != "" {
		o, err := ParseOptions(opts)
		if err != nil {
			return r, err
		}
		r.Options = o
	}
	return r, nil
}

// optionTokenizer splits option lists on commas and blanks. Double quotes
// group a value that contains either.
type optionTokenizer struct {
	shlex.DefaultTokenizer
}

func (optionTokenizer) IsWhitespace(r rune) bool { return r == ',' || unicode.IsSpace(r) }

func (optionTokenizer) IsQuote(r rune) bool { return r == '"' }

func splitOptions(s string) ([]string, error) {
	lex := shlex.NewLexerString(s, true, true)
	lex.SetTokenizer(&optionTokenizer{})
	parts, err := lex.Split()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "options %q", s)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// ParseOptions parses "log,logprefix=\"ssh\",mark=5".
func ParseOptions(s string) (RuleOptions, error) {
	var o RuleOptions
	parts, err := splitOptions(s)
	if err != nil {
		return o, err
	}
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, val, _ := strings.Cut(p, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if err := o.set(key, val); err != nil {
			return o, errors.Attr(err, "option", key)
		}
	}
	return o, nil
}

func optInt(key, val string, max int) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 || n > max {
		return 0, errors.Errorf(errors.KindValidation, "option %s: invalid value %q", key, val)
	}
	return n, nil
}

func optRate(key, val string) (uint64, error) {
	r, err := qos.ParseRate(val)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "option %s", key)
	}
	return r, nil
}

func (o *RuleOptions) set(key, val string) error {
	var err error
	switch key {
	case "log":
		o.Log = true
	case "logprefix":
		// iptables truncates prefixes at 29 characters
		if len(val) > 28 {
			return errors.Errorf(errors.KindValidation, "logprefix %q too long", val)
		}
		o.LogPrefix = val
	case "loglimit":
		o.LogLimit, err = optInt(key, val, 1<<20)
	case "limit":
		o.Limit, err = optInt(key, val, 1<<20)
	case "burst":
		o.Burst, err = optInt(key, val, 1<<20)
	case "rejecttype":
		o.RejectType = val
	case "mark":
		var n uint64
		n, err = strconv.ParseUint(val, 0, 32)
		if err != nil {
			return errors.Errorf(errors.KindValidation, "option mark: invalid value %q", val)
		}
		o.Mark = uint32(n)
	case "nfqueuenum":
		o.NFQueueNum, err = optInt(key, val, 65535)
	case "nfloggroup":
		o.NFLogGroup, err = optInt(key, val, 65535)
	case "in_int":
		o.InInterface = val
	case "out_int":
		o.OutInterface = val
	case "via_int":
		o.ViaInterface = val
	case "listenport":
		o.ListenPort, err = optInt(key, val, 65535)
	case "remoteport":
		o.RemotePort, err = optInt(key, val, 65535)
	case "redirectport":
		o.RedirectPort, err = optInt(key, val, 65535)
	case "random":
		o.Random = true
	case "in_min":
		o.InMin, err = optRate(key, val)
	case "in_max":
		o.InMax, err = optRate(key, val)
	case "out_min":
		o.OutMin, err = optRate(key, val)
	case "out_max":
		o.OutMax, err = optRate(key, val)
	case "prio":
		o.Prio, err = optInt(key, val, 7)
	case "comment":
		o.Comment = val
	default:
		return errors.Errorf(errors.KindValidation, "unknown option %q", key)
	}
	return err
}

// String renders the options back in rule-line syntax, in a fixed order.
func (o RuleOptions) String() string {
	var parts []string
	add := func(k string, v any) { parts = append(parts, fmt.Sprintf("%s=%v", k, v)) }
	addq := func(k, v string) { parts = append(parts, fmt.Sprintf("%s=%q", k, v)) }

	if o.Log {
		parts = append(parts, "log")
	}
	if o.LogPrefix != "" {
		addq("logprefix", o.LogPrefix)
	}
	if o.LogLimit > 0 {
		add("loglimit", o.LogLimit)
	}
	if o.Limit > 0 {
		add("limit", o.Limit)
	}
	if o.Burst > 0 {
		add("burst", o.Burst)
	}
	if o.RejectType != "" {
		add("rejecttype", o.RejectType)
	}
	if o.Mark > 0 {
		add("mark", o.Mark)
	}
	if o.NFQueueNum > 0 {
		add("nfqueuenum", o.NFQueueNum)
	}
	if o.NFLogGroup > 0 {
		add("nfloggroup", o.NFLogGroup)
	}
	if o.InInterface != "" {
		add("in_int", o.InInterface)
	}
	if o.OutInterface != "" {
		add("out_int", o.OutInterface)
	}
	if o.ViaInterface != "" {
		add("via_int", o.ViaInterface)
	}
	if o.ListenPort > 0 {
		add("listenport", o.ListenPort)
	}
	if o.RemotePort > 0 {
		add("remoteport", o.RemotePort)
	}
	if o.RedirectPort > 0 {
		add("redirectport", o.RedirectPort)
	}
	if o.Random {
		parts = append(parts, "random")
	}
	for _, r := range []struct {
		k string
		v uint64
	}{{"in_min", o.InMin}, {"in_max", o.InMax}, {"out_min", o.OutMin}, {"out_max", o.OutMax}} {
		if r.v > 0 {
			add(r.k, qos.FormatRate(r.v))
		}
	}
	if o.Prio > 0 {
		add("prio", o.Prio)
	}
	if o.Comment != "" {
		addq("comment", o.Comment)
	}
	return strings.Join(parts, ",")
}

// String renders the rule in rule-line syntax.
func (r *Rule) String() string {
	var b strings.Builder
	if !r.Active {
		b.WriteString("#")
	}
	b.WriteString(r.Action.String())
	if r.Action != ActionSeparator {
		fmt.Fprintf(&b, " service %s from %s to %s", r.Service, r.From, r.To)
	}
	if opts := r.Options.String(); opts != "" {
		b.WriteString(" options ")
		b.WriteString(opts)
	}
	return b.String()
}
