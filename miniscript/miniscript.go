package miniscript

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

const (
	// pubKeyLen is the length of a public key inside P2WSH, which are 33
	// byte compressed public keys.
	pubKeyLen = 33

	// pubKeyDataPushLen is the length of a public key data push in P2WSH,
	// which is 1+33 (1 byte for the VarInt encoding of 33).
	pubKeyDataPushLen = 34

	// MaxStandardP2WSHScriptSize is the maximum size in bytes of a
	// standard witnessScript.
	MaxStandardP2WSHScriptSize = 3600

	// MaxOpsPerScript is the maximum number of non-push operations per
	// script.
	MaxOpsPerScript = 201

	// multisigMaxKeys is the maximum number of keys in a multisig.
	multisigMaxKeys = 20

	// MaxNestingDepth bounds how deeply fragments may be nested. Parsing
	// is iterative, but every later pass walks the tree recursively.
	MaxNestingDepth = 402
)

const (
	// All fragment identifiers.

	f_0         = "0"            // 0
	f_1         = "1"            // 1
	f_pk_k      = "pk_k"         // pk_k(key)
	f_pk_h      = "pk_h"         // pk_h(key)
	f_raw_pkh   = "expr_raw_pkh" // expr_raw_pkh(hash160)
	f_pk        = "pk"           // pk(key) = c:pk_k(key)
	f_pkh       = "pkh"          // pkh(key) = c:pk_h(key)
	f_sha256    = "sha256"       // sha256(h)
	f_ripemd160 = "ripemd160"    // ripemd160(h)
	f_hash256   = "hash256"      // hash256(h)
	f_hash160   = "hash160"      // hash160(h)
	f_older     = "older"        // older(n)
	f_after     = "after"        // after(n)
	f_andor     = "andor"        // andor(X,Y,Z)
	f_and_v     = "and_v"        // and_v(X,Y)
	f_and_b     = "and_b"        // and_b(X,Y)
	f_and_n     = "and_n"        // and_n(X,Y) = andor(X,Y,0)
	f_or_b      = "or_b"         // or_b(X,Z)
	f_or_c      = "or_c"         // or_c(X,Z)
	f_or_d      = "or_d"         // or_d(X,Z)
	f_or_i      = "or_i"         // or_i(X,Z)
	f_thresh    = "thresh"       // thresh(k,X1,...,Xn)
	f_multi     = "multi"        // multi(k,key1,...,keyn)
	f_wrap_a    = "a"            // a:X
	f_wrap_s    = "s"            // s:X
	f_wrap_c    = "c"            // c:X
	f_wrap_d    = "d"            // d:X
	f_wrap_v    = "v"            // v:X
	f_wrap_j    = "j"            // j:X
	f_wrap_n    = "n"            // n:X
	f_wrap_t    = "t"            // t:X = and_v(X,1)
	f_wrap_l    = "l"            // l:X = or_i(0,X)
	f_wrap_u    = "u"            // u:X = or_i(X,0)
)

type basicType string

const (
	typeB basicType = "B"
	typeV basicType = "V"
	typeK basicType = "K"
	typeW basicType = "W"
)

type properties struct {
	// Basic type properties.
	z, o, n, d, u bool

	// Malleability properties.
	// If `m`, a non-malleable satisfaction is guaranteed to exist.
	// The purpose of s/f/e is only to compute `m` and can be disregarded
	// afterward.
	m, s, f, e bool

	// canCollapseVerify is set if the rightmost script byte produced by
	// this node is OP_EQUAL, OP_CHECKSIG or OP_CHECKMULTISIG, which a `v`
	// ancestor can turn into the VERIFY version of the same opcode.
	canCollapseVerify bool
}

func (p properties) String() string {
	s := strings.Builder{}
	flags := []struct {
		set bool
		c   rune
	}{
		{p.z, 'z'}, {p.o, 'o'}, {p.n, 'n'}, {p.d, 'd'}, {p.u, 'u'},
		{p.m, 'm'}, {p.s, 's'}, {p.f, 'f'}, {p.e, 'e'},
	}
	for _, flag := range flags {
		if flag.set {
			s.WriteRune(flag.c)
		}
	}
	return s.String()
}

// Parse a miniscript expression, assuming it will be executed in P2WSH. The
// resulting node is type checked, but not checked to be a valid top level
// expression. Use IsValidTopLevel or IsSane for that.
//
// The following transformations are applied to the AST in order:
//  1. argCheck: Checks that the nodes have the correct number of arguments
//     and decodes numbers and hash literals.
//  2. expandWrappers: Unwraps the letters before the colon, for example:
//     dv:older(144) is d(v(older(144)))
//  3. deSugar: Replaces the six instances of syntactic sugar with their
//     fixed equations.
//  4. typeCheck: Checks that the fragments compose into a valid script and
//     witness and sets their types.
//  5. canCollapseVerify: Marks nodes whose last opcode has a VERIFY form.
//  6. malleabilityCheck: Sets the malleability properties of each node.
//  7. computeScriptLen: Computes the script length.
//  8. computeOpCount: Counts the amount of opcodes the script contains.
func Parse(miniscript string) (*AST, error) {
	node, err := createAST(miniscript)
	if err != nil {
		return nil, err
	}

	transformers := []func(*AST) (*AST, error){
		argCheck,
		expandWrappers,
		deSugar,
		typeCheck,
		canCollapseVerify,
		malleabilityCheck,
		computeScriptLen,
		computeOpCount,
	}
	for _, transform := range transformers {
		node, err = node.apply(transform)
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

// AST is the abstract syntax tree representing a miniscript expression. It is
// the condition tree of a compiled policy. Once returned by Parse it is never
// modified.
type AST struct {
	basicType  basicType
	props      properties
	wrappers   string
	identifier string

	// num is the parsed integer for when identifier is expected to be a
	// number, i.e. the first argument of older/after/multi/thresh. This is
	// not used otherwise.
	num uint64

	// For hash arguments, this is the 32 bytes (sha256, hash256) or 20
	// bytes (ripemd160, hash160, expr_raw_pkh) hash. Keys stay symbolic
	// until the script is built.
	value     []byte
	args      []*AST
	scriptLen int
	opCount   ops
}

// Type returns the basic type (B, V, K or W) followed by all type
// properties, e.g. "Bondumse".
func (a *AST) Type() string {
	return fmt.Sprintf("%s%s", a.basicType, a.props)
}

// ScriptLen returns the length in bytes of the witness script of this node.
func (a *AST) ScriptLen() int {
	return a.scriptLen
}

// MaxOpCount returns the maximum number of ops needed to satisfy this script
// in a non-malleable way.
func (a *AST) MaxOpCount() int {
	return a.opCount.count + a.opCount.sat.value
}

// NonMalleable reports whether a non-malleable satisfaction is guaranteed to
// exist.
func (a *AST) NonMalleable() bool {
	return a.props.m
}

// NeedsSignature reports whether every satisfaction requires a signature.
func (a *AST) NeedsSignature() bool {
	return a.props.s
}

func (a *AST) isValid() error {
	if a.scriptLen > MaxStandardP2WSHScriptSize {
		return fmt.Errorf("the script size is %v, which is larger "+
			"than the maximum standard P2WSH script size of %v",
			a.scriptLen, MaxStandardP2WSHScriptSize)
	}
	return nil
}

// IsValidTopLevel checks whether this node is valid as a script on its own.
func (a *AST) IsValidTopLevel() error {
	if err := a.isValid(); err != nil {
		return err
	}

	// Top-level expression must be of type "B".
	return a.expectBasicType(typeB)
}

// CheckLimits checks whether successful non-malleable satisfactions are
// guaranteed to be valid, i.e. the script stays within the standard size
// and the consensus op limit.
func (a *AST) CheckLimits() error {
	if err := a.isValid(); err != nil {
		return err
	}
	if a.MaxOpCount() > MaxOpsPerScript {
		return fmt.Errorf("the script requires a maximum number of %d "+
			"ops, which is larger than the consensus limit of %d",
			a.MaxOpCount(), MaxOpsPerScript)
	}
	return nil
}

// IsSane checks whether this node is safe as a script on its own: it is a
// valid top level expression, every satisfaction is within the resource
// limits, it is non-malleable and it cannot be spent without a signature.
func (a *AST) IsSane() error {
	if err := a.IsValidTopLevel(); err != nil {
		return err
	}
	if err := a.CheckLimits(); err != nil {
		return err
	}
	if !a.props.m {
		return errors.New("malleable")
	}
	if !a.props.s {
		return errors.New("does not need signature")
	}
	return nil
}

// isSubexpression reports whether the argument at position i of a node with
// the given identifier is a miniscript subexpression, as opposed to a key,
// a hash or a number.
func isSubexpression(identifier string, i int) bool {
	switch identifier {
	case f_pk_k, f_pk_h, f_raw_pkh, f_pk, f_pkh,
		f_sha256, f_hash256, f_ripemd160, f_hash160,
		f_older, f_after, f_multi:

		return false

	case f_thresh:
		// The first argument is the threshold.
		return i > 0
	}
	return true
}

func (a *AST) apply(f func(*AST) (*AST, error)) (*AST, error) {
	for i, arg := range a.args {
		if !isSubexpression(a.identifier, i) {
			continue
		}

		newArg, err := arg.apply(f)
		if err != nil {
			return nil, err
		}
		a.args[i] = newArg
	}
	return f(a)
}

// expectBasicType is a helper function to check that this node has a specific
// type.
func (a *AST) expectBasicType(typ basicType) error {
	if a.basicType != typ {
		return fmt.Errorf("expression `%s` expected to have type %s, "+
			"but is type %s", a.identifier, typ, a.basicType)
	}
	return nil
}

type stack struct {
	elements []*AST
}

func (s *stack) push(element *AST) {
	s.elements = append(s.elements, element)
}

func (s *stack) pop() *AST {
	if len(s.elements) == 0 {
		return nil
	}
	top := s.elements[len(s.elements)-1]
	s.elements = s.elements[:len(s.elements)-1]
	return top
}

func (s *stack) top() *AST {
	if len(s.elements) == 0 {
		return nil
	}
	return s.elements[len(s.elements)-1]
}

func (s *stack) size() int {
	return len(s.elements)
}

// splitString keeps separators as individual slice elements and splits a string
// into a slice of strings based on multiple separators. It removes any empty
// elements from the output slice.
func splitString(s string, isSeparator func(c rune) bool) []string {
	substrings := make([]string, 0)

	i := 0
	for i < len(s) {
		j := strings.IndexFunc(s[i:], isSeparator)
		if j == -1 {
			substrings = append(substrings, s[i:])
			return substrings
		}
		j += i

		if j > i {
			substrings = append(substrings, s[i:j])
		}

		// Append the separator as a separate element.
		substrings = append(substrings, s[j:j+1])
		i = j + 1
	}
	return substrings
}

func createAST(miniscript string) (*AST, error) {
	tokens := splitString(miniscript, func(c rune) bool {
		return c == '(' || c == ')' || c == ','
	})

	if len(tokens) > 0 {
		first, last := tokens[0], tokens[len(tokens)-1]
		if first == "(" || first == ")" || first == "," ||
			last == "(" || last == "," {

			return nil, errors.New("invalid first or last " +
				"character")
		}
	}

	// Build abstract syntax tree.
	var stack stack
	for i, token := range tokens {
		switch token {
		case "(":
			// Exclude invalid sequences, which cannot appear in
			// valid miniscripts: "((", ")(", ",(".
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ")" ||
				tokens[i-1] == ",") {

				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}

		case ",", ")":
			// End of a function argument - take the argument and
			// add it to the parent's argument list. If there is no
			// parent, the expression is unbalanced, e.g. `f(X))``.
			//
			// Exclude invalid sequences, which cannot appear in
			// valid miniscripts: "(,", "()", ",,", ",)".
			if i > 0 && (tokens[i-1] == "(" || tokens[i-1] == ",") {
				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}

			arg := stack.pop()
			parent := stack.top()
			if arg == nil || parent == nil {
				return nil, errors.New("unbalanced")
			}
			parent.args = append(parent.args, arg)

		default:
			if i > 0 && tokens[i-1] == ")" {
				return nil, fmt.Errorf("the sequence %s%s is "+
					"invalid", tokens[i-1], token)
			}
			if stack.size() >= MaxNestingDepth {
				return nil, fmt.Errorf("expression nested "+
					"deeper than %d", MaxNestingDepth)
			}

			// Split wrappers from identifier if they exist, e.g. in
			// "dv:older", "dv" are wrappers and "older" is the
			// identifier.
			var (
				parts                = strings.Split(token, ":")
				wrappers, identifier string
			)
			switch len(parts) {
			case 1:
				identifier = parts[0]

			case 2:
				wrappers, identifier = parts[0], parts[1]

				if wrappers == "" {
					return nil, fmt.Errorf("no wrappers "+
						"found before colon before "+
						"identifier: %s", identifier)
				} else if identifier == "" {
					return nil, fmt.Errorf("no identifier "+
						"found after colon after "+
						"wrappers: %s", wrappers)
				}

			default:
				return nil, fmt.Errorf("invalid number of "+
					"colons in token: %s", token)
			}

			stack.push(&AST{
				wrappers:   wrappers,
				identifier: identifier,
			})
		}
	}

	if stack.size() != 1 {
		return nil, errors.New("unbalanced")
	}

	return stack.top(), nil
}

// hashLen maps each hash fragment to the length of its digest.
var hashLen = map[string]int{
	f_sha256:    32,
	f_hash256:   32,
	f_ripemd160: 20,
	f_hash160:   20,
	f_raw_pkh:   20,
}

// argCheck checks that each identifier is a known miniscript identifier and
// that it has the correct number of arguments, e.g. `andor(X,Y,Z)` must have
// three arguments, etc.
func argCheck(node *AST) (*AST, error) {
	expectArgs := func(num int) error {
		if len(node.args) != num {
			return fmt.Errorf("%s expects %d arguments, got %d",
				node.identifier, num, len(node.args))
		}
		return nil
	}
	expectLeafArg := func(arg *AST) error {
		if len(arg.args) > 0 || arg.wrappers != "" {
			return fmt.Errorf("argument of %s must not "+
				"contain subexpressions", node.identifier)
		}
		return nil
	}

	switch node.identifier {
	case f_0, f_1:
		if err := expectArgs(0); err != nil {
			return nil, err
		}

	case f_pk_k, f_pk_h, f_pk, f_pkh:
		if err := expectArgs(1); err != nil {
			return nil, err
		}
		if err := expectLeafArg(node.args[0]); err != nil {
			return nil, err
		}

	case f_sha256, f_ripemd160, f_hash256, f_hash160, f_raw_pkh:
		if err := expectArgs(1); err != nil {
			return nil, err
		}
		arg := node.args[0]
		if err := expectLeafArg(arg); err != nil {
			return nil, err
		}
		hashValue, err := hex.DecodeString(arg.identifier)
		if err != nil {
			return nil, fmt.Errorf("%s argument is not hex: %v",
				node.identifier, err)
		}
		if len(hashValue) != hashLen[node.identifier] {
			return nil, fmt.Errorf("%s len must be %d, got %d",
				node.identifier, hashLen[node.identifier],
				len(hashValue))
		}
		arg.value = hashValue

	case f_older, f_after:
		if err := expectArgs(1); err != nil {
			return nil, err
		}
		_n := node.args[0]
		if err := expectLeafArg(_n); err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(_n.identifier, 10, 64)
		if err != nil {
			return nil, fmt.Errorf(
				"%s(k) => k must be an unsigned integer, but "+
					"got: %s", node.identifier,
				_n.identifier)
		}
		_n.num = n
		if n < 1 || n >= (1<<31) {
			return nil, fmt.Errorf("%s(n) -> n must 1 ≤ n < 2^31, "+
				"but got: %s", node.identifier, _n.identifier)
		}

	case f_andor:
		if err := expectArgs(3); err != nil {
			return nil, err
		}

	case f_and_v, f_and_b, f_and_n, f_or_b, f_or_c, f_or_d, f_or_i:
		if err := expectArgs(2); err != nil {
			return nil, err
		}

	case f_thresh, f_multi:
		if len(node.args) < 2 {
			return nil, fmt.Errorf("%s must have at least two "+
				"arguments", node.identifier)
		}
		_k := node.args[0]
		if err := expectLeafArg(_k); err != nil {
			return nil, err
		}
		k, err := strconv.ParseUint(_k.identifier, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s(k, ...) => k must be an "+
				"integer, but got: %s", node.identifier,
				_k.identifier)
		}
		_k.num = k
		numSubs := len(node.args) - 1
		if k < 1 || k > uint64(numSubs) {
			return nil, fmt.Errorf("%s(k) -> k must 1 ≤ k ≤ n, "+
				"but got: %s", node.identifier, _k.identifier)
		}
		if node.identifier == f_multi {
			if numSubs > multisigMaxKeys {
				return nil, fmt.Errorf("number of multisig "+
					"keys cannot exceed %d",
					multisigMaxKeys)
			}
			// Multisig keys are variables, they can't have
			// subexpressions.
			for _, arg := range node.args {
				if err := expectLeafArg(arg); err != nil {
					return nil, err
				}
			}
		}

	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_d, f_wrap_v, f_wrap_j,
		f_wrap_n, f_wrap_t, f_wrap_l, f_wrap_u:

		// Wrappers are only valid as a prefix before a colon.
		return nil, fmt.Errorf("wrapper %s used as a fragment",
			node.identifier)

	default:
		return nil, fmt.Errorf("unrecognized identifier: %s",
			node.identifier)
	}
	return node, nil
}

// expandWrappers applies wrappers (the characters before a colon), e.g.
// `ascd:X` => `a(s(c(d(X))))`.
func expandWrappers(node *AST) (*AST, error) {
	const allWrappers = "asctdvjnlu"

	wrappers := []rune(node.wrappers)
	node.wrappers = ""
	for i := len(wrappers) - 1; i >= 0; i-- {
		wrapper := wrappers[i]
		if !strings.ContainsRune(allWrappers, wrapper) {
			return nil, fmt.Errorf("unknown wrapper: %s",
				string(wrapper))
		}
		node = &AST{identifier: string(wrapper), args: []*AST{node}}
	}
	return node, nil
}

// deSugar replaces syntactic sugar with the final form.
func deSugar(node *AST) (*AST, error) {
	switch node.identifier {
	case f_pk: // pk(key) = c:pk_k(key)
		return &AST{
			identifier: f_wrap_c,
			args: []*AST{
				{
					identifier: f_pk_k,
					args:       node.args,
				},
			},
		}, nil

	case f_pkh: // pkh(key) = c:pk_h(key)
		return &AST{
			identifier: f_wrap_c,
			args: []*AST{
				{
					identifier: f_pk_h,
					args:       node.args,
				},
			},
		}, nil

	case f_and_n: // and_n(X,Y) = andor(X,Y,0)
		return &AST{
			identifier: f_andor,
			args: []*AST{
				node.args[0],
				node.args[1],
				{identifier: f_0},
			},
		}, nil

	case f_wrap_t: // t:X = and_v(X,1)
		return &AST{
			identifier: f_and_v,
			args: []*AST{
				node.args[0],
				{identifier: f_1},
			},
		}, nil

	case f_wrap_l: // l:X = or_i(0,X)
		return &AST{
			identifier: f_or_i,
			args: []*AST{
				{identifier: f_0},
				node.args[0],
			},
		}, nil

	case f_wrap_u: // u:X = or_i(X,0)
		return &AST{
			identifier: f_or_i,
			args: []*AST{
				node.args[0],
				{identifier: f_0},
			},
		}, nil
	}

	return node, nil
}

// has reports whether p carries every property letter in want.
func (p properties) has(want string) bool {
	have := p.String()
	for _, c := range want {
		if !strings.ContainsRune(have, c) {
			return false
		}
	}
	return true
}

// set turns on every property letter in letters.
func (p *properties) set(letters string) {
	for _, c := range letters {
		switch c {
		case 'z':
			p.z = true
		case 'o':
			p.o = true
		case 'n':
			p.n = true
		case 'd':
			p.d = true
		case 'u':
			p.u = true
		case 'm':
			p.m = true
		case 's':
			p.s = true
		case 'f':
			p.f = true
		case 'e':
			p.e = true
		}
	}
}

// leafType is the fixed type of a fragment without subexpressions.
type leafType struct {
	basicType basicType

	// props are the correctness properties, malleable the malleability
	// ones.
	props, malleable string
}

var leafTypes = map[string]leafType{
	f_0:         {typeB, "zud", "mse"},
	f_1:         {typeB, "zu", "mf"},
	f_pk_k:      {typeK, "ondu", "mse"},
	f_pk_h:      {typeK, "ndu", "mse"},
	f_raw_pkh:   {typeK, "ndu", "mse"},
	f_older:     {typeB, "z", "mf"},
	f_after:     {typeB, "z", "mf"},
	f_sha256:    {typeB, "ondu", "m"},
	f_hash256:   {typeB, "ondu", "m"},
	f_ripemd160: {typeB, "ondu", "m"},
	f_hash160:   {typeB, "ondu", "m"},
	f_multi:     {typeB, "ndu", "mse"},
}

// wantArg checks that argument i of node has one of the basic types in
// types and carries every property in props.
func wantArg(node *AST, i int, types, props string) error {
	arg := node.args[i]
	if arg.basicType == "" ||
		!strings.Contains(types, string(arg.basicType)) {

		return fmt.Errorf("argument #%d of `%s` is `%s` of type %s, "+
			"want one of %s", i+1, node.identifier, arg.identifier,
			arg.basicType, types)
	}
	if !arg.props.has(props) {
		return fmt.Errorf("argument #%d of `%s` is `%s` with "+
			"properties %q, want %q", i+1, node.identifier,
			arg.identifier, arg.props.String(), props)
	}
	return nil
}

// wantSameType checks that arguments i and j of node have the same basic
// type.
func wantSameType(node *AST, i, j int) error {
	a, b := node.args[i], node.args[j]
	if a.basicType != b.basicType {
		return fmt.Errorf("arguments #%d and #%d of `%s` have types "+
			"%s and %s, want the same", i+1, j+1, node.identifier,
			a.basicType, b.basicType)
	}
	return nil
}

// typeCheck sets the basic type and the correctness properties of node
// from those of its arguments, and rejects arguments the fragment cannot
// take.
func typeCheck(node *AST) (*AST, error) {
	if leaf, ok := leafTypes[node.identifier]; ok {
		node.basicType = leaf.basicType
		node.props.set(leaf.props)
		return node, nil
	}

	var wants []error
	check := func(err error) {
		if err != nil {
			wants = append(wants, err)
		}
	}

	p := &node.props
	switch node.identifier {
	case f_andor:
		check(wantArg(node, 0, "B", "du"))
		check(wantArg(node, 1, "BKV", ""))
		check(wantSameType(node, 1, 2))
		if len(wants) > 0 {
			break
		}
		x, y, z := node.args[0].props, node.args[1].props,
			node.args[2].props
		node.basicType = node.args[1].basicType
		p.z = x.z && y.z && z.z
		p.o = (x.z && y.o && z.o) || (x.o && y.z && z.z)
		p.u = y.u && z.u
		p.d = z.d

	case f_and_v, f_and_b:
		if node.identifier == f_and_v {
			check(wantArg(node, 0, "V", ""))
			check(wantArg(node, 1, "BKV", ""))
		} else {
			check(wantArg(node, 0, "B", ""))
			check(wantArg(node, 1, "W", ""))
		}
		if len(wants) > 0 {
			break
		}
		x, y := node.args[0].props, node.args[1].props
		p.z = x.z && y.z
		p.o = (x.z && y.o) || (y.z && x.o)
		p.n = x.n || (x.z && y.n)
		if node.identifier == f_and_v {
			node.basicType = node.args[1].basicType
			p.u = y.u
		} else {
			node.basicType = typeB
			p.d = x.d && y.d
			p.u = true
		}

	case f_or_b:
		check(wantArg(node, 0, "B", "d"))
		check(wantArg(node, 1, "W", "d"))
		if len(wants) > 0 {
			break
		}
		x, z := node.args[0].props, node.args[1].props
		node.basicType = typeB
		p.z = x.z && z.z
		p.o = (x.z && z.o) || (z.z && x.o)
		p.set("du")

	case f_or_c:
		check(wantArg(node, 0, "B", "du"))
		check(wantArg(node, 1, "V", ""))
		if len(wants) > 0 {
			break
		}
		x, z := node.args[0].props, node.args[1].props
		node.basicType = typeV
		p.z = x.z && z.z
		p.o = x.o && z.z

	case f_or_d:
		check(wantArg(node, 0, "B", "du"))
		check(wantArg(node, 1, "B", ""))
		if len(wants) > 0 {
			break
		}
		x, z := node.args[0].props, node.args[1].props
		node.basicType = typeB
		p.z = x.z && z.z
		p.o = x.o && z.z
		p.d = z.d
		p.u = z.u

	case f_or_i:
		check(wantArg(node, 0, "BKV", ""))
		check(wantSameType(node, 0, 1))
		if len(wants) > 0 {
			break
		}
		x, z := node.args[0].props, node.args[1].props
		node.basicType = node.args[0].basicType
		p.o = x.z && z.z
		p.u = x.u && z.u
		p.d = x.d || z.d

	case f_thresh:
		// The first subexpression is Bdu, the others Wdu.
		check(wantArg(node, 1, "B", "du"))
		for i := 2; i < len(node.args); i++ {
			check(wantArg(node, i, "W", "du"))
		}
		if len(wants) > 0 {
			break
		}

		// z when every subexpression is z, o when all but one are z
		// and that one is o.
		numZ, numO := 0, 0
		for _, arg := range node.args[1:] {
			switch {
			case arg.props.z:
				numZ++
			case arg.props.o:
				numO++
			}
		}
		subs := len(node.args) - 1
		node.basicType = typeB
		p.z = numZ == subs
		p.o = numZ == subs-1 && numO == 1
		p.set("du")

	case f_wrap_a, f_wrap_s:
		props := ""
		if node.identifier == f_wrap_s {
			props = "o"
		}
		check(wantArg(node, 0, "B", props))
		if len(wants) > 0 {
			break
		}
		x := node.args[0].props
		node.basicType = typeW
		p.d = x.d
		p.u = x.u

	case f_wrap_c:
		check(wantArg(node, 0, "K", ""))
		if len(wants) > 0 {
			break
		}
		x := node.args[0].props
		node.basicType = typeB
		p.o, p.n, p.d = x.o, x.n, x.d
		p.u = true

	case f_wrap_d:
		check(wantArg(node, 0, "V", "z"))
		if len(wants) > 0 {
			break
		}
		node.basicType = typeB
		p.set("ond")

	case f_wrap_v:
		check(wantArg(node, 0, "B", ""))
		if len(wants) > 0 {
			break
		}
		x := node.args[0].props
		node.basicType = typeV
		p.z, p.o, p.n = x.z, x.o, x.n

	case f_wrap_j:
		check(wantArg(node, 0, "B", "n"))
		if len(wants) > 0 {
			break
		}
		x := node.args[0].props
		node.basicType = typeB
		p.o = x.o
		p.u = x.u
		p.set("nd")

	case f_wrap_n:
		check(wantArg(node, 0, "B", ""))
		if len(wants) > 0 {
			break
		}
		x := node.args[0].props
		node.basicType = typeB
		p.z, p.o, p.n, p.d = x.z, x.o, x.n, x.d
		p.u = true

	default:
		return nil, fmt.Errorf("unknown identifier: %s",
			node.identifier)
	}

	if len(wants) > 0 {
		return nil, wants[0]
	}
	return node, nil
}

// canCollapseVerify marks nodes whose last opcode has a VERIFY form.
func canCollapseVerify(node *AST) (*AST, error) {
	switch node.identifier {
	case f_sha256, f_ripemd160, f_hash256, f_hash160, f_thresh, f_multi,
		f_wrap_c:

		node.props.canCollapseVerify = true

	case f_and_v:
		node.props.canCollapseVerify = node.args[1].props.canCollapseVerify

	case f_wrap_s:
		node.props.canCollapseVerify = node.args[0].props.canCollapseVerify
	}

	return node, nil
}

// malleabilityCheck sets the m, s, f and e properties of node. Only m is
// used afterwards.
func malleabilityCheck(node *AST) (*AST, error) {
	if leaf, ok := leafTypes[node.identifier]; ok {
		node.props.set(leaf.malleable)
		return node, nil
	}

	p := &node.props
	switch node.identifier {
	case f_andor:
		x, y, z := node.args[0].props, node.args[1].props,
			node.args[2].props
		p.m = x.m && y.m && z.m && x.e && (x.s || y.s || z.s)
		p.s = z.s && (x.s || y.s)
		p.f = z.f && (x.s || y.f)
		p.e = z.e && (x.s || y.f)

	case f_and_v:
		x, y := node.args[0].props, node.args[1].props
		p.m = x.m && y.m
		p.s = x.s || y.s
		p.f = x.s || y.f

	case f_and_b:
		x, y := node.args[0].props, node.args[1].props
		p.m = x.m && y.m
		p.s = x.s || y.s
		p.f = x.f && y.f || x.s && x.f || y.s && y.f
		p.e = x.e && y.e && x.s && y.s

	case f_or_b, f_or_c, f_or_d:
		x, z := node.args[0].props, node.args[1].props
		p.s = x.s && z.s
		if node.identifier == f_or_b {
			p.m = x.m && z.m && x.e && z.e && (x.s || z.s)
			p.e = true
			break
		}
		p.m = x.m && z.m && x.e && (x.s || z.s)
		if node.identifier == f_or_c {
			p.f = true
			break
		}
		p.f = z.f

		// e follows the second branch alone. Implementations that use
		// the conjunction with the first branch only differ when m is
		// false, where e no longer matters.
		p.e = z.e

	case f_or_i:
		x, z := node.args[0].props, node.args[1].props
		p.m = x.m && z.m && (x.s || z.s)
		p.s = x.s && z.s
		p.f = x.f && z.f
		p.e = x.e && z.f || z.e && x.f

	case f_thresh:
		k := node.args[0].num
		notS := uint64(0)
		p.m, p.e = true, true
		for _, arg := range node.args[1:] {
			p.m = p.m && arg.props.m && arg.props.e
			p.e = p.e && arg.props.e && arg.props.s
			if !arg.props.s {
				notS++
			}
		}
		p.m = p.m && notS <= k
		p.s = notS <= k-1

	case f_wrap_a, f_wrap_s, f_wrap_c, f_wrap_d, f_wrap_v, f_wrap_j,
		f_wrap_n:

		x := node.args[0].props
		p.m = x.m
		p.s = x.s
		p.f = x.f
		p.e = x.e
		switch node.identifier {
		case f_wrap_c:
			p.s = true
		case f_wrap_d:
			p.f = false
			p.e = true
		case f_wrap_v:
			p.f = true
			p.e = false
		case f_wrap_j:
			p.f = false
			p.e = x.f
		}

	default:
		return nil, fmt.Errorf("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}

// numPushLen returns the length of the minimal push of n.
func numPushLen(n int64) int {
	numPush, _ := txscript.NewScriptBuilder().AddInt64(n).Script()
	return len(numPush)
}

// computeScriptLen computes the length of the resulting witness script.
func computeScriptLen(node *AST) (*AST, error) {
	argsSummed := 0
	for i, arg := range node.args {
		if isSubexpression(node.identifier, i) {
			argsSummed += arg.scriptLen
		}
	}

	switch node.identifier {
	case f_0, f_1:
		node.scriptLen = 1

	case f_pk_k:
		node.scriptLen = pubKeyDataPushLen

	case f_pk_h, f_raw_pkh:
		node.scriptLen = 24

	case f_older, f_after:
		n := node.args[0].num
		node.scriptLen = 1 + numPushLen(int64(n))

	case f_sha256, f_hash256:
		node.scriptLen = 39

	case f_ripemd160, f_hash160:
		node.scriptLen = 27

	case f_andor, f_or_i, f_or_d, f_wrap_d:
		node.scriptLen = argsSummed + 3

	case f_and_v:
		node.scriptLen = argsSummed

	case f_and_b, f_or_b, f_wrap_s, f_wrap_c, f_wrap_n:
		node.scriptLen = argsSummed + 1

	case f_or_c, f_wrap_a:
		node.scriptLen = argsSummed + 2

	case f_thresh:
		k := node.args[0].num
		subs := len(node.args) - 1
		node.scriptLen = argsSummed + (subs - 1) +
			numPushLen(int64(k)) + 1

	case f_multi:
		k := node.args[0].num
		numKeys := len(node.args) - 1
		node.scriptLen = numPushLen(int64(k)) +
			numKeys*pubKeyDataPushLen +
			numPushLen(int64(numKeys)) + 1

	case f_wrap_v:
		if node.args[0].props.canCollapseVerify {
			// OP_VERIFY not needed, collapsed into OP_EQUALVERIFY,
			// OP_CHECKSIGVERIFY, OP_CHECKMULTISIGVERIFY
			node.scriptLen = argsSummed
		} else {
			node.scriptLen = argsSummed + 1
		}

	case f_wrap_j:
		node.scriptLen = argsSummed + 4

	default:
		return nil, fmt.Errorf("unknown identifier: %s",
			node.identifier)
	}

	return node, nil
}
