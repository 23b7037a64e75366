// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Type identifies a fragment of the concrete policy language.
type Type int

// These constants are the fragments of a concrete policy.
const (
	Unsatisfiable Type = iota
	Trivial
	Key
	After
	Older
	Sha256
	Hash256
	Ripemd160
	Hash160
	And
	Or
	Threshold
)

var typeStrings = map[Type]string{
	Unsatisfiable: "UNSATISFIABLE",
	Trivial:       "TRIVIAL",
	Key:           "pk",
	After:         "after",
	Older:         "older",
	Sha256:        "sha256",
	Hash256:       "hash256",
	Ripemd160:     "ripemd160",
	Hash160:       "hash160",
	And:           "and",
	Or:            "or",
	Threshold:     "thresh",
}

// hashLens maps each hash lock to the length of its digest.
var hashLens = map[Type]int{
	Sha256:    32,
	Hash256:   32,
	Ripemd160: 20,
	Hash160:   20,
}

// Policy is a parsed concrete spending policy. Sub-policies are owned by their
// parent and never shared.
type Policy struct {
	Type Type

	// Key is the key expression of a Key policy.
	Key string

	// Locktime is the argument of After and Older.
	Locktime uint32

	// Hash is the digest of a hash lock.
	Hash []byte

	// K is the number of sub-policies a Threshold needs satisfied.
	K int

	// Subs are the sub-policies of And, Or and Threshold.
	Subs []*Policy

	// Weights holds the relative likelihood of each branch of an Or.
	Weights []uint64
}

// String returns the canonical text of the policy. Or weights equal to one
// are omitted.
func (p *Policy) String() string {
	var b strings.Builder
	p.write(&b)
	return b.String()
}

func (p *Policy) write(b *strings.Builder) {
	switch p.Type {
	case Unsatisfiable, Trivial:
		b.WriteString(typeStrings[p.Type])
		return
	}

	b.WriteString(typeStrings[p.Type])
	b.WriteByte('(')
	switch p.Type {
	case Key:
		b.WriteString(p.Key)

	case After, Older:
		b.WriteString(strconv.FormatUint(uint64(p.Locktime), 10))

	case Sha256, Hash256, Ripemd160, Hash160:
		b.WriteString(hex.EncodeToString(p.Hash))

	case And, Or, Threshold:
		if p.Type == Threshold {
			b.WriteString(strconv.Itoa(p.K))
			b.WriteByte(',')
		}
		for i, sub := range p.Subs {
			if i > 0 {
				b.WriteByte(',')
			}
			if p.Type == Or && p.Weights[i] != 1 {
				weight := strconv.FormatUint(p.Weights[i], 10)
				b.WriteString(weight)
				b.WriteByte('@')
			}
			sub.write(b)
		}
	}
	b.WriteByte(')')
}

// Keys returns every key of the policy in left to right order. A key used
// twice is returned twice.
func (p *Policy) Keys() []string {
	var keys []string
	stack := []*Policy{p}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.Type == Key {
			keys = append(keys, node.Key)
			continue
		}
		for i := len(node.Subs) - 1; i >= 0; i-- {
			stack = append(stack, node.Subs[i])
		}
	}
	return keys
}
