package miniscript

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// String returns the canonical miniscript text of the node. Sugar expanded
// while parsing is applied again, e.g. c:pk_k(K) prints as pk(K) and
// and_v(X,1) prints as t:X, and consecutive wrappers share one colon. Parsing
// the result yields the same tree.
func (a *AST) String() string {
	wrappers, body := a.split()
	if wrappers == "" {
		return body
	}
	return wrappers + ":" + body
}

// split returns the wrapper letters in front of the node and the text of the
// innermost fragment.
func (a *AST) split() (string, string) {
	switch a.identifier {
	case f_wrap_c:
		switch inner := a.args[0]; inner.identifier {
		case f_pk_k:
			return "", f_pk + "(" + inner.Key() + ")"
		case f_pk_h:
			return "", f_pkh + "(" + inner.Key() + ")"
		}
		return a.wrap(f_wrap_c, a.args[0])

	case f_wrap_a, f_wrap_s, f_wrap_d, f_wrap_v, f_wrap_j, f_wrap_n:
		return a.wrap(a.identifier, a.args[0])

	case f_and_v:
		if a.args[1].identifier == f_1 {
			return a.wrap(f_wrap_t, a.args[0])
		}

	case f_or_i:
		switch {
		case a.args[0].identifier == f_0:
			return a.wrap(f_wrap_l, a.args[1])
		case a.args[1].identifier == f_0:
			return a.wrap(f_wrap_u, a.args[0])
		}

	case f_andor:
		if a.args[2].identifier == f_0 {
			return "", fragment(f_and_n, a.args[0].String(),
				a.args[1].String())
		}
	}

	args := make([]string, 0, len(a.args))
	for i, arg := range a.args {
		switch {
		case isSubexpression(a.identifier, i):
			args = append(args, arg.String())
		case arg.value != nil:
			args = append(args, hex.EncodeToString(arg.value))
		case a.identifier == f_multi && i > 0:
			args = append(args, arg.identifier)
		case arg.num != 0:
			args = append(args, strconv.FormatUint(arg.num, 10))
		default:
			args = append(args, arg.identifier)
		}
	}
	if len(args) == 0 {
		return "", a.identifier
	}
	return "", fragment(a.identifier, args...)
}

func (a *AST) wrap(letter string, inner *AST) (string, string) {
	wrappers, body := inner.split()
	return letter + wrappers, body
}

func fragment(identifier string, args ...string) string {
	return identifier + "(" + strings.Join(args, ",") + ")"
}
