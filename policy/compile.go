// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vnprc/rob-script/miniscript"
	"github.com/vnprc/rob-script/template"
)

const (
	// keyWitnessSize is the number of witness bytes a pk_h satisfaction
	// needs on top of the signature, i.e. the pushed public key.
	keyWitnessSize = 34

	// maxCastPasses bounds how many wrappers are stacked on a fragment.
	maxCastPasses = 4

	// maxMultiKeys is the maximum number of keys of a multi fragment.
	maxMultiKeys = 20

	// castWrappers are the wrappers tried on every fragment.
	castWrappers = "asctdvjnlu"
)

var (
	andFragments = []string{"and_v", "and_b", "and_n"}
	orFragments  = []string{"or_b", "or_c", "or_d", "or_i"}
)

// candidate is one miniscript compilation of a sub-policy.
type candidate struct {
	ms  string
	ast *miniscript.AST

	// cost is the script length plus the witness bytes that depend on
	// the fragments chosen.
	cost int

	// penalty counts the disjunctions whose more likely branch was not
	// placed first.
	penalty int
}

// better reports whether a is preferred over b. The order is total so the
// outcome never depends on the order candidates are generated in.
func (a *candidate) better(b *candidate) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if a.penalty != b.penalty {
		return a.penalty < b.penalty
	}
	return a.ms < b.ms
}

// candidates holds the best compilation per miniscript type.
type candidates map[string]*candidate

// sorted returns the candidates from best to worst.
func (c candidates) sorted() []*candidate {
	list := make([]*candidate, 0, len(c))
	for _, cand := range c {
		list = append(list, cand)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].better(list[j])
	})
	return list
}

// compiler turns policies into miniscript candidates.
type compiler struct {
	// overLimit is set once a candidate was dropped for exceeding the
	// script size or op limits.
	overLimit bool
}

// countKeyHashes returns the number of pk_h fragments of the tree.
func countKeyHashes(ast *miniscript.AST) int {
	count := 0
	stack := []*miniscript.AST{ast}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.Kind() == miniscript.PkH {
			count++
		}
		stack = append(stack, node.Children()...)
	}
	return count
}

// insert parses ms and keeps its canonical form if it is non-malleable,
// within the limits and better than the current candidate of the same type.
func (c *compiler) insert(set candidates, ms string, penalty int) bool {
	ast, err := miniscript.Parse(ms)
	if err != nil || !ast.NonMalleable() {
		return false
	}
	if err := ast.CheckLimits(); err != nil {
		c.overLimit = true
		return false
	}

	cand := &candidate{
		ms:      ast.String(),
		ast:     ast,
		cost:    ast.ScriptLen() + keyWitnessSize*countKeyHashes(ast),
		penalty: penalty,
	}
	typ := ast.Type()
	if old, ok := set[typ]; ok && !cand.better(old) {
		return false
	}
	set[typ] = cand
	return true
}

// wrap prefixes ms with the wrapper w, merging it into an existing wrapper
// prefix, e.g. wrap("s", "v:pk(A)") is "sv:pk(A)".
func wrap(w byte, ms string) string {
	head := ms
	if idx := strings.IndexByte(ms, '('); idx >= 0 {
		head = ms[:idx]
	}
	if strings.Contains(head, ":") {
		return string(w) + ms
	}
	return string(w) + ":" + ms
}

// cast adds every wrapped version of the candidates that improves on a type.
func (c *compiler) cast(set candidates) candidates {
	for pass := 0; pass < maxCastPasses; pass++ {
		changed := false
		for _, cand := range set.sorted() {
			for i := 0; i < len(castWrappers); i++ {
				ms := wrap(castWrappers[i], cand.ms)
				if c.insert(set, ms, cand.penalty) {
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return set
}

func fragment(name string, args ...string) string {
	return name + "(" + strings.Join(args, ",") + ")"
}

// and combines two sets with every conjunction fragment in both orders.
func (c *compiler) and(left, right candidates) candidates {
	set := make(candidates)
	for _, x := range left.sorted() {
		for _, y := range right.sorted() {
			penalty := x.penalty + y.penalty
			pairs := [][2]string{{x.ms, y.ms}, {y.ms, x.ms}}
			for _, pair := range pairs {
				for _, name := range andFragments {
					ms := fragment(name, pair[0], pair[1])
					c.insert(set, ms, penalty)
				}
			}
		}
	}
	return c.cast(set)
}

// or combines two sets with every disjunction fragment in both orders. The
// branch with the higher weight is expected to be satisfied more often and
// is preferred in front.
func (c *compiler) or(left, right candidates, leftWeight,
	rightWeight uint64) candidates {

	set := make(candidates)
	for _, x := range left.sorted() {
		for _, z := range right.sorted() {
			penalty := x.penalty + z.penalty
			orders := []struct {
				first, second string
				penalty       int
			}{
				{x.ms, z.ms, penalty},
				{z.ms, x.ms, penalty},
			}
			if leftWeight < rightWeight {
				orders[0].penalty++
			} else if rightWeight < leftWeight {
				orders[1].penalty++
			}
			for _, o := range orders {
				for _, name := range orFragments {
					ms := fragment(name, o.first, o.second)
					c.insert(set, ms, o.penalty)
				}
			}
		}
	}
	return c.cast(set)
}

// hasProps reports whether the miniscript type typ has the basic type basic
// and all the given properties.
func hasProps(typ string, basic byte, props string) bool {
	if len(typ) == 0 || typ[0] != basic {
		return false
	}
	for i := 0; i < len(props); i++ {
		if !strings.ContainsRune(typ[1:], rune(props[i])) {
			return false
		}
	}
	return true
}

// best returns the best candidate with the given basic type and properties.
func best(set candidates, basic byte, props string) *candidate {
	for _, cand := range set.sorted() {
		if hasProps(cand.ast.Type(), basic, props) {
			return cand
		}
	}
	return nil
}

// thresh adds the multi and thresh fragments of a threshold policy.
func (c *compiler) thresh(p *Policy, subs []candidates) candidates {
	set := make(candidates)

	if len(p.Subs) <= maxMultiKeys {
		keys := []string{strconv.Itoa(p.K)}
		for _, sub := range p.Subs {
			if sub.Type != Key {
				keys = nil
				break
			}
			keys = append(keys, sub.Key)
		}
		if keys != nil {
			c.insert(set, fragment("multi", keys...), 0)
		}
	}

	// thresh(k,X1,...,Xn) needs X1 to be Bdu and the others Wdu. Every sub
	// gets a turn in front.
	for first := range subs {
		args := []string{strconv.Itoa(p.K)}
		penalty := 0
		ok := true
		for i := range subs {
			idx := (first + i) % len(subs)
			basic := byte('W')
			if i == 0 {
				basic = 'B'
			}
			cand := best(subs[idx], basic, "due")
			if cand == nil {
				ok = false
				break
			}
			args = append(args, cand.ms)
			penalty += cand.penalty
		}
		if ok {
			c.insert(set, fragment("thresh", args...), penalty)
		}
	}

	// k == n is a conjunction and k == 1 a disjunction of all subs.
	if len(subs) > 1 && (p.K == len(subs) || p.K == 1) {
		acc := subs[0]
		for _, sub := range subs[1:] {
			if p.K == 1 {
				acc = c.or(acc, sub, 1, 1)
			} else {
				acc = c.and(acc, sub)
			}
		}
		for _, cand := range acc {
			c.insert(set, cand.ms, cand.penalty)
		}
	}
	if len(subs) == 1 {
		for _, cand := range subs[0] {
			c.insert(set, cand.ms, cand.penalty)
		}
	}
	return c.cast(set)
}

// compile returns the candidates of a policy, compiling the sub-policies
// first.
func (c *compiler) compile(p *Policy) candidates {
	set := make(candidates)
	switch p.Type {
	case Unsatisfiable:
		c.insert(set, "0", 0)

	case Trivial:
		c.insert(set, "1", 0)

	case Key:
		c.insert(set, fragment("pk", p.Key), 0)
		c.insert(set, fragment("pkh", p.Key), 0)
		c.insert(set, fragment("pk_k", p.Key), 0)
		c.insert(set, fragment("pk_h", p.Key), 0)

	case After, Older:
		n := strconv.FormatUint(uint64(p.Locktime), 10)
		c.insert(set, fragment(typeStrings[p.Type], n), 0)

	case Sha256, Hash256, Ripemd160, Hash160:
		c.insert(set, fragment(typeStrings[p.Type],
			hex.EncodeToString(p.Hash)), 0)

	case And:
		return c.and(c.compile(p.Subs[0]), c.compile(p.Subs[1]))

	case Or:
		return c.or(c.compile(p.Subs[0]), c.compile(p.Subs[1]),
			p.Weights[0], p.Weights[1])

	case Threshold:
		subs := make([]candidates, 0, len(p.Subs))
		for _, sub := range p.Subs {
			subs = append(subs, c.compile(sub))
		}
		return c.thresh(p, subs)
	}
	return c.cast(set)
}

// Compile compiles the policy into the cheapest non-malleable segwit v0
// miniscript. The result is a valid top level expression within the standard
// script size and the consensus op limit. Compiling the same policy always
// yields the same miniscript.
func Compile(p *Policy) (*miniscript.AST, error) {
	seen := make(map[string]struct{})
	for _, key := range p.Keys() {
		if _, ok := seen[key]; ok {
			return nil, policyError(ErrDuplicateKey,
				fmt.Sprintf("key %s is used more than once",
					key))
		}
		seen[key] = struct{}{}
	}

	c := &compiler{}
	var top *candidate
	for _, cand := range c.compile(p).sorted() {
		if cand.ast.IsValidTopLevel() == nil {
			top = cand
			break
		}
	}
	if top == nil {
		if c.overLimit {
			return nil, policyError(ErrResourceLimits,
				fmt.Sprintf("policy %v exceeds the script "+
					"resource limits", p))
		}
		return nil, policyError(ErrNoCompilation,
			fmt.Sprintf("policy %v has no non-malleable "+
				"compilation", p))
	}

	log.Debugf("Compiled %v into %v (%d bytes, %d ops)", p, top.ast,
		top.ast.ScriptLen(), top.ast.MaxOpCount())
	if !top.ast.NeedsSignature() {
		log.Warnf("Policy %v can be satisfied without a signature", p)
	}
	return top.ast, nil
}

// CompileString parses and compiles a resolved policy. A $NAME placeholder
// left in the text is reported by name.
func CompileString(s string) (*miniscript.AST, error) {
	if err := template.CheckResolved(s); err != nil {
		return nil, policyError(ErrUnresolvedPlaceholder, err.Error())
	}
	p, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return Compile(p)
}
