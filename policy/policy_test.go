// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vnprc/rob-script/miniscript"
)

func TestParse(t *testing.T) {
	t.Parallel()

	hash := strings.Repeat("ab", 32)
	tests := []struct {
		in   string
		want string
	}{
		{"pk(A)", "pk(A)"},
		{"UNSATISFIABLE", "UNSATISFIABLE"},
		{"TRIVIAL", "TRIVIAL"},
		{"older(144)", "older(144)"},
		{"after(500000)", "after(500000)"},
		{"sha256(" + hash + ")", "sha256(" + hash + ")"},
		{"hash160(" + strings.Repeat("01", 20) + ")",
			"hash160(" + strings.Repeat("01", 20) + ")"},
		{"and(pk(A), older(10))", "and(pk(A),older(10))"},
		{"or(1@pk(A),99@and(pk(B),older(144)))",
			"or(pk(A),99@and(pk(B),older(144)))"},
		{"thresh(2,pk(A),pk(B),pk(C))", "thresh(2,pk(A),pk(B),pk(C))"},
		{"pk([d34db33f/48'/1'/0'/2']tpubD6NzVbkrYhZ4/0/*)",
			"pk([d34db33f/48'/1'/0'/2']tpubD6NzVbkrYhZ4/0/*)"},
	}

	for _, test := range tests {
		p, err := Parse(test.in)
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, p.String())
	}

	p, err := Parse("or(pk(A),99@and(pk(B),older(144)))")
	require.NoError(t, err)
	require.Equal(t, Or, p.Type)
	require.Equal(t, []uint64{1, 99}, p.Weights)
	require.Equal(t, []string{"A", "B"}, p.Keys())
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		code   ErrorCode
		offset int
	}{
		{"", ErrSyntax, 0},
		{"pk(A", ErrSyntax, 4},
		{"pk(A))", ErrSyntax, 5},
		{"foo(A)", ErrSyntax, 0},
		{"pk()", ErrSyntax, 3},
		{"older(0)", ErrInvalidArgument, 6},
		{"after(2147483648)", ErrInvalidArgument, 6},
		{"sha256(abcd)", ErrInvalidArgument, 7},
		{"and(pk(A))", ErrSyntax, 3},
		{"or(pk(A),pk(B),pk(C))", ErrSyntax, 2},
		{"or(0@pk(A),pk(B))", ErrInvalidArgument, 3},
		{"thresh(3,pk(A),pk(B))", ErrInvalidArgument, 7},
		{"thresh(x,pk(A))", ErrInvalidArgument, 7},
		{"pk($MY_KEY)", ErrUnresolvedPlaceholder, 3},
	}

	for _, test := range tests {
		_, err := Parse(test.in)
		require.Error(t, err, test.in)

		var pErr Error
		require.True(t, errors.As(err, &pErr), test.in)
		require.Equal(t, test.code, pErr.ErrorCode, test.in)
		require.Equal(t, test.offset, pErr.Offset, test.in)
	}
}

func TestParseNesting(t *testing.T) {
	t.Parallel()

	deep := strings.Repeat("and(pk(A),", MaxNestingDepth+1) + "pk(B)" +
		strings.Repeat(")", MaxNestingDepth+1)
	_, err := Parse(deep)
	require.True(t, errors.Is(err, Error{ErrorCode: ErrNestingTooDeep}))
}

func TestCompile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy string
		want   string
	}{
		{"pk(A)", "pk(A)"},
		{"or(pk(A),older(144))", "or_d(pk(A),older(144))"},
		{"and(pk(A),pk(B))", "and_v(v:pk(A),pk(B))"},
		{"thresh(2,pk(A),pk(B),pk(C))", "multi(2,A,B,C)"},
	}

	for _, test := range tests {
		ms, err := CompileString(test.policy)
		require.NoError(t, err, test.policy)
		require.Equal(t, test.want, ms.String(), test.policy)
		require.NoError(t, ms.IsValidTopLevel())
		require.True(t, ms.NonMalleable())
	}
}

// TestCompileDeterministic compiles the same policies twice and expects the
// same trees.
func TestCompileDeterministic(t *testing.T) {
	t.Parallel()

	policies := []string{
		"or(pk(A),99@and(pk(B),older(144)))",
		"thresh(2,pk(A),pk(B),and(pk(C),older(10)))",
		"or(and(pk(A),sha256(" + strings.Repeat("cd", 32) + ")),pk(B))",
		"and(pk(A),or(pk(B),after(600000)))",
	}

	for _, policy := range policies {
		first, err := CompileString(policy)
		require.NoError(t, err, policy)
		require.NoError(t, first.IsValidTopLevel())
		require.NoError(t, first.CheckLimits())

		second, err := CompileString(policy)
		require.NoError(t, err)
		require.Equal(t, first.String(), second.String())

		// The compiled miniscript uses every key of the policy once.
		p, err := Parse(policy)
		require.NoError(t, err)
		require.ElementsMatch(t, p.Keys(), first.Keys())

		// The canonical text parses back into the same miniscript.
		again, err := miniscript.Parse(first.String())
		require.NoError(t, err)
		require.Equal(t, first.Type(), again.Type())
	}
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	_, err := CompileString("or(pk($MY_KEY),older(144))")
	require.True(t, errors.Is(err, Error{ErrorCode: ErrUnresolvedPlaceholder}))
	require.ErrorContains(t, err, "$MY_KEY")

	_, err = CompileString("and(pk(A),pk(A))")
	require.True(t, errors.Is(err, Error{ErrorCode: ErrDuplicateKey}))

	_, err = CompileString("or(pk(A")
	require.True(t, errors.Is(err, Error{ErrorCode: ErrSyntax}))
}

func TestErrorCodeStringer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrSyntax, "ErrSyntax"},
		{ErrNestingTooDeep, "ErrNestingTooDeep"},
		{ErrInvalidArgument, "ErrInvalidArgument"},
		{ErrUnresolvedPlaceholder, "ErrUnresolvedPlaceholder"},
		{ErrDuplicateKey, "ErrDuplicateKey"},
		{ErrNoCompilation, "ErrNoCompilation"},
		{ErrResourceLimits, "ErrResourceLimits"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}
