// Package qos builds the traffic-control side of an apply cycle: an HTB
// tree per shaping interface and one class per shaped rule. Packets are
// steered into the classes by CLASSIFY rules in the packet filter, so the
// script never installs tc filters of its own.
package qos

import (
	"bufio"
	"fmt"
	"io"

	"grimm.is/rampart/internal/errors"
)

const (
	rootMinor    = 1
	defaultMinor = 2
	firstMinor   = 10

	// floor for classes without an explicit minimum
	minClassRate = 8
	defaultPrio  = 7
)

// ClassSpec describes one rule's bandwidth in kbit/s. Zero Max means the
// class may borrow up to the interface rate.
type ClassSpec struct {
	Min  uint64
	Max  uint64
	Prio int
}

type class struct {
	minor int
	spec  ClassSpec
}

type link struct {
	device  string
	handle  int
	rate    uint64
	classes []class
}

// Shaper collects the per-interface trees for one apply cycle.
type Shaper struct {
	// TC is the tc binary written into the script.
	TC    string
	links []*link
	byDev map[string]*link
}

// NewShaper returns an empty shaper.
func NewShaper(tc string) *Shaper {
	if tc == "" {
		tc = "tc"
	}
	return &Shaper{TC: tc, byDev: make(map[string]*link)}
}

// AddInterface registers device with its egress rate and returns its tc
// handle. Handles are handed out sequentially from 1; registering the same
// device again returns the existing handle.
func (s *Shaper) AddInterface(device string, rate uint64) (int, error) {
	if l, ok := s.byDev[device]; ok {
		return l.handle, nil
	}
	if rate == 0 {
		return 0, errors.Errorf(errors.KindValidation, "interface %s: shaping needs a bandwidth", device)
	}
	l := &link{device: device, handle: len(s.links) + 1, rate: rate}
	s.links = append(s.links, l)
	s.byDev[device] = l
	return l.handle, nil
}

// Handle returns the tc handle of a registered device.
func (s *Shaper) Handle(device string) (int, bool) {
	l, ok := s.byDev[device]
	if !ok {
		return 0, false
	}
	return l.handle, true
}

// Allocate adds a class on device and returns its "<handle>:<minor>" id for
// CLASSIFY --set-class.
func (s *Shaper) Allocate(device string, spec ClassSpec) (string, error) {
	l, ok := s.byDev[device]
	if !ok {
		return "", errors.Errorf(errors.KindInternal, "interface %s is not shaped", device)
	}
	if spec.Max > 0 && spec.Min > spec.Max {
		return "", errors.Errorf(errors.KindValidation, "interface %s: class minimum %d exceeds maximum %d", device, spec.Min, spec.Max)
	}
	c := class{minor: firstMinor + len(l.classes), spec: spec}
	l.classes = append(l.classes, c)
	return fmt.Sprintf("%d:%d", l.handle, c.minor), nil
}

// Empty reports whether there is nothing to shape.
func (s *Shaper) Empty() bool { return len(s.links) == 0 }

// Classes returns the number of rule classes on device.
func (s *Shaper) Classes(device string) int {
	if l, ok := s.byDev[device]; ok {
		return len(l.classes)
	}
	return 0
}

func (c class) rate() uint64 {
	if c.spec.Min > 0 {
		return c.spec.Min
	}
	return minClassRate
}

// DefaultRate is what is left for unclassified traffic on device: the
// interface rate minus the rule minimums, or an even share when the rule
// classes already claim more than the interface has.
func (s *Shaper) DefaultRate(device string) (uint64, error) {
	l, ok := s.byDev[device]
	if !ok {
		return 0, errors.Errorf(errors.KindInternal, "interface %s is not shaped", device)
	}
	return l.defaultRate()
}

func (l *link) defaultRate() (uint64, error) {
	var claimed uint64
	for _, c := range l.classes {
		claimed += c.rate()
	}
	if claimed < l.rate {
		return l.rate - claimed, nil
	}
	// over-committed; only reachable with at least one class
	if len(l.classes) == 0 {
		err := errors.New(errors.KindInternal, "shaping over-committed without rule classes")
		return 0, errors.Attr(err, "device", l.device)
	}
	r := l.rate / uint64(len(l.classes))
	if r == 0 {
		r = minClassRate
	}
	return r, nil
}

// Script writes the tc commands as a POSIX shell script: existing root
// qdiscs are removed, then every root tree is built, then the default
// classes, then one class and sfq leaf per rule.
func (s *Shaper) Script(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "#!/bin/sh")

	for _, l := range s.links {
		fmt.Fprintf(bw, "%s qdisc del dev %s root 2>/dev/null\n", s.TC, l.device)
	}
	if len(s.links) > 0 {
		fmt.Fprintln(bw, "set -e")
	}
	for _, l := range s.links {
		fmt.Fprintf(bw, "%s qdisc add dev %s root handle %d: htb default %d\n", s.TC, l.device, l.handle, defaultMinor)
		fmt.Fprintf(bw, "%s class add dev %s parent %d: classid %d:%d htb rate %s ceil %s\n",
			s.TC, l.device, l.handle, l.handle, rootMinor, FormatRate(l.rate), FormatRate(l.rate))
	}
	for _, l := range s.links {
		def, err := l.defaultRate()
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "%s class add dev %s parent %d:%d classid %d:%d htb rate %s ceil %s prio %d\n",
			s.TC, l.device, l.handle, rootMinor, l.handle, defaultMinor, FormatRate(def), FormatRate(l.rate), defaultPrio)
		fmt.Fprintf(bw, "%s qdisc add dev %s parent %d:%d sfq perturb 10\n", s.TC, l.device, l.handle, defaultMinor)
	}
	for _, l := range s.links {
		for _, c := range l.classes {
			ceil := c.spec.Max
			if ceil == 0 || ceil > l.rate {
				ceil = l.rate
			}
			rate := c.rate()
			if rate > ceil {
				rate = ceil
			}
			fmt.Fprintf(bw, "%s class add dev %s parent %d:%d classid %d:%d htb rate %s ceil %s",
				s.TC, l.device, l.handle, rootMinor, l.handle, c.minor, FormatRate(rate), FormatRate(ceil))
			if c.spec.Prio > 0 {
				fmt.Fprintf(bw, " prio %d", c.spec.Prio)
			}
			fmt.Fprintln(bw)
			fmt.Fprintf(bw, "%s qdisc add dev %s parent %d:%d sfq perturb 10\n", s.TC, l.device, l.handle, c.minor)
		}
	}
	return bw.Flush()
}
