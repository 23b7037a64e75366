package miniscript

import "fmt"

// Kind identifies the fragment a node of the condition tree represents.
type Kind int

// These constants are the fragment kinds a condition tree can contain. Sugar
// such as pk, pkh, and_n, t:, l: and u: never shows up as a kind, it is
// expanded while parsing.
const (
	Unknown Kind = iota
	True
	False
	PkK
	PkH
	RawPkH
	Older
	After
	Sha256
	Hash256
	Ripemd160
	Hash160
	Multi
	Alt
	Swap
	Check
	DupIf
	Verify
	NonZero
	ZeroNotEqual
	AndV
	AndB
	AndOr
	OrB
	OrD
	OrC
	OrI
	Thresh
)

var kindStrings = map[Kind]string{
	True:         "True",
	False:        "False",
	PkK:          "PkK",
	PkH:          "PkH",
	RawPkH:       "RawPkH",
	Older:        "Older",
	After:        "After",
	Sha256:       "Sha256",
	Hash256:      "Hash256",
	Ripemd160:    "Ripemd160",
	Hash160:      "Hash160",
	Multi:        "Multi",
	Alt:          "Alt",
	Swap:         "Swap",
	Check:        "Check",
	DupIf:        "DupIf",
	Verify:       "Verify",
	NonZero:      "NonZero",
	ZeroNotEqual: "ZeroNotEqual",
	AndV:         "AndV",
	AndB:         "AndB",
	AndOr:        "AndOr",
	OrB:          "OrB",
	OrD:          "OrD",
	OrC:          "OrC",
	OrI:          "OrI",
	Thresh:       "Thresh",
}

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	if s := kindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown Kind (%d)", int(k))
}

// Known reports whether k is one of the kinds above.
func (k Kind) Known() bool {
	_, ok := kindStrings[k]
	return ok
}

var identifierKinds = map[string]Kind{
	f_1:         True,
	f_0:         False,
	f_pk_k:      PkK,
	f_pk_h:      PkH,
	f_raw_pkh:   RawPkH,
	f_older:     Older,
	f_after:     After,
	f_sha256:    Sha256,
	f_hash256:   Hash256,
	f_ripemd160: Ripemd160,
	f_hash160:   Hash160,
	f_multi:     Multi,
	f_wrap_a:    Alt,
	f_wrap_s:    Swap,
	f_wrap_c:    Check,
	f_wrap_d:    DupIf,
	f_wrap_v:    Verify,
	f_wrap_j:    NonZero,
	f_wrap_n:    ZeroNotEqual,
	f_and_v:     AndV,
	f_and_b:     AndB,
	f_andor:     AndOr,
	f_or_b:      OrB,
	f_or_d:      OrD,
	f_or_c:      OrC,
	f_or_i:      OrI,
	f_thresh:    Thresh,
}

// Kind returns the fragment kind of the node.
func (a *AST) Kind() Kind {
	return identifierKinds[a.identifier]
}

// Children returns the sub-expressions of the node in left to right order.
// Keys, hashes and numeric arguments are not children.
func (a *AST) Children() []*AST {
	var children []*AST
	for i, arg := range a.args {
		if isSubexpression(a.identifier, i) {
			children = append(children, arg)
		}
	}
	return children
}

// Key returns the key expression of a PkK or PkH node and the empty string
// for every other kind.
func (a *AST) Key() string {
	switch a.identifier {
	case f_pk_k, f_pk_h:
		return a.args[0].identifier
	}
	return ""
}

// MultiKeys returns the keys of a Multi node.
func (a *AST) MultiKeys() []string {
	if a.identifier != f_multi {
		return nil
	}
	keys := make([]string, 0, len(a.args)-1)
	for _, arg := range a.args[1:] {
		keys = append(keys, arg.identifier)
	}
	return keys
}

// Threshold returns k of a Thresh or Multi node.
func (a *AST) Threshold() uint64 {
	switch a.identifier {
	case f_thresh, f_multi:
		return a.args[0].num
	}
	return 0
}

// Locktime returns the relative or absolute lock of an Older or After node.
func (a *AST) Locktime() uint64 {
	switch a.identifier {
	case f_older, f_after:
		return a.args[0].num
	}
	return 0
}

// Hash returns the digest of a hash lock or RawPkH node.
func (a *AST) Hash() []byte {
	if _, ok := hashLen[a.identifier]; ok {
		return a.args[0].value
	}
	return nil
}

// Keys returns every key expression referenced by the tree in script order.
// A key used twice is returned twice.
func (a *AST) Keys() []string {
	var keys []string
	stack := []*AST{a}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node.identifier {
		case f_pk_k, f_pk_h:
			keys = append(keys, node.Key())
			continue
		case f_multi:
			keys = append(keys, node.MultiKeys()...)
			continue
		}

		children := node.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return keys
}
