// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxNestingDepth is the maximum number of nested fragments a policy may
	// contain.
	MaxNestingDepth = 128

	// maxLocktime is the exclusive upper bound of after and older.
	maxLocktime = 1 << 31
)

// parser is a recursive descent parser over the policy text. pos is the byte
// offset of the next unread character.
type parser struct {
	s   string
	pos int
}

// Parse parses a concrete policy such as
// or(pk(A),99@and(pk(B),older(144))).
func Parse(s string) (*Policy, error) {
	p := &parser{s: s}
	policy, err := p.parsePolicy(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, syntaxError(ErrSyntax, p.pos,
			"unexpected trailing characters")
	}
	return policy, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' ||
		p.s[p.pos] == '\n' || p.s[p.pos] == '\r') {

		p.pos++
	}
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return syntaxError(ErrSyntax, p.pos,
			fmt.Sprintf("expected '%c', got end of input", c))
	}
	if p.s[p.pos] != c {
		return syntaxError(ErrSyntax, p.pos,
			fmt.Sprintf("expected '%c', got '%c'", c, p.s[p.pos]))
	}
	p.pos++
	return nil
}

// peek returns the next non-space character or 0 at the end of the input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

// readArg reads a leaf argument, i.e. everything up to the next ',' or ')'.
func (p *parser) readArg() (string, int, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ',' || c == ')' {
			break
		}
		if c == '(' {
			return "", p.pos, syntaxError(ErrSyntax, p.pos,
				"unexpected '(' in argument")
		}
		p.pos++
	}
	arg := strings.TrimSpace(p.s[start:p.pos])
	if arg == "" {
		return "", start, syntaxError(ErrSyntax, start,
			"empty argument")
	}
	return arg, start, nil
}

// readName reads a fragment name.
func (p *parser) readName() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c >= '0' && c <= '9' || c == '_') {

			break
		}
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *parser) parsePolicy(depth int) (*Policy, error) {
	p.skipSpace()
	start := p.pos
	if depth > MaxNestingDepth {
		return nil, syntaxError(ErrNestingTooDeep, start,
			fmt.Sprintf("policy nested deeper than %d",
				MaxNestingDepth))
	}

	name := p.readName()
	switch name {
	case "UNSATISFIABLE":
		return &Policy{Type: Unsatisfiable}, nil

	case "TRIVIAL":
		return &Policy{Type: Trivial}, nil

	case "pk":
		return p.parseKey()

	case "after", "older":
		return p.parseLocktime(name)

	case "sha256", "hash256", "ripemd160", "hash160":
		return p.parseHash(name)

	case "and", "or":
		return p.parseBinary(name, depth)

	case "thresh":
		return p.parseThresh(depth)

	case "":
		if p.pos < len(p.s) && p.s[p.pos] == '$' {
			return nil, p.placeholderError()
		}
		return nil, syntaxError(ErrSyntax, start, "expected fragment")
	}
	return nil, syntaxError(ErrSyntax, start,
		fmt.Sprintf("unknown fragment %q", name))
}

func (p *parser) placeholderError() error {
	start := p.pos
	end := start + 1
	for end < len(p.s) && (p.s[end] == '_' || p.s[end] >= 'A' &&
		p.s[end] <= 'Z' || p.s[end] >= 'a' && p.s[end] <= 'z' ||
		p.s[end] >= '0' && p.s[end] <= '9') {

		end++
	}
	return syntaxError(ErrUnresolvedPlaceholder, start,
		fmt.Sprintf("unresolved placeholder %s", p.s[start:end]))
}

func (p *parser) parseKey() (*Policy, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	if p.peek() == '$' {
		return nil, p.placeholderError()
	}
	key, start, err := p.readArg()
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(key, " \t\r\n@:") {
		return nil, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("malformed key %q", key))
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &Policy{Type: Key, Key: key}, nil
}

func (p *parser) parseLocktime(name string) (*Policy, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	arg, start, err := p.readArg()
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || n < 1 || n >= maxLocktime {
		return nil, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("%s(n) requires 1 ≤ n < 2^31, got %s",
				name, arg))
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	typ := After
	if name == "older" {
		typ = Older
	}
	return &Policy{Type: typ, Locktime: uint32(n)}, nil
}

func (p *parser) parseHash(name string) (*Policy, error) {
	typ := map[string]Type{
		"sha256":    Sha256,
		"hash256":   Hash256,
		"ripemd160": Ripemd160,
		"hash160":   Hash160,
	}[name]

	if err := p.expect('('); err != nil {
		return nil, err
	}
	arg, start, err := p.readArg()
	if err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(arg)
	if err != nil || len(hash) != hashLens[typ] {
		return nil, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("%s requires %d hex encoded bytes, got %q",
				name, hashLens[typ], arg))
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &Policy{Type: typ, Hash: hash}, nil
}

// parseWeight reads an optional "<weight>@" prefix of an or branch.
func (p *parser) parseWeight() (uint64, error) {
	p.skipSpace()
	start, end := p.pos, p.pos
	for end < len(p.s) && p.s[end] >= '0' && p.s[end] <= '9' {
		end++
	}
	if end == start || end >= len(p.s) || p.s[end] != '@' {
		return 1, nil
	}
	weight, err := strconv.ParseUint(p.s[start:end], 10, 64)
	if err != nil || weight == 0 {
		return 0, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("invalid weight %q", p.s[start:end]))
	}
	p.pos = end + 1
	return weight, nil
}

// parseBinary parses and(X,Y) and or([w@]X,[w@]Y).
func (p *parser) parseBinary(name string, depth int) (*Policy, error) {
	start := p.pos
	if err := p.expect('('); err != nil {
		return nil, err
	}

	policy := &Policy{Type: And}
	if name == "or" {
		policy.Type = Or
	}
	for {
		if policy.Type == Or {
			weight, err := p.parseWeight()
			if err != nil {
				return nil, err
			}
			policy.Weights = append(policy.Weights, weight)
		}
		sub, err := p.parsePolicy(depth + 1)
		if err != nil {
			return nil, err
		}
		policy.Subs = append(policy.Subs, sub)

		if p.peek() != ',' {
			break
		}
		p.pos++
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if len(policy.Subs) != 2 {
		return nil, syntaxError(ErrSyntax, start,
			fmt.Sprintf("%s takes exactly two arguments, got %d",
				name, len(policy.Subs)))
	}
	return policy, nil
}

func (p *parser) parseThresh(depth int) (*Policy, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	arg, start, err := p.readArg()
	if err != nil {
		return nil, err
	}
	k, err := strconv.Atoi(arg)
	if err != nil {
		return nil, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("thresh(k,...) requires an integer k, "+
				"got %q", arg))
	}

	policy := &Policy{Type: Threshold, K: k}
	for p.peek() == ',' {
		p.pos++
		sub, err := p.parsePolicy(depth + 1)
		if err != nil {
			return nil, err
		}
		policy.Subs = append(policy.Subs, sub)
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if k < 1 || k > len(policy.Subs) {
		return nil, syntaxError(ErrInvalidArgument, start,
			fmt.Sprintf("thresh(k,...) requires 1 ≤ k ≤ %d, got %d",
				len(policy.Subs), k))
	}
	return policy, nil
}
