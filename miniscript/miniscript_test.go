package miniscript

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ripemd160"
)

// testKey returns an arbitrary unique 33 byte key for the given name.
func testKey(name string) []byte {
	return append([]byte{0x02}, chainhash.HashB([]byte(name))...)
}

func testResolver(key string) ([]byte, error) {
	return testKey(key), nil
}

// TestSplitString tests the splitString function.
func TestSplitString(t *testing.T) {
	separators := func(c rune) bool {
		return c == '(' || c == ')' || c == ','
	}

	testCases := []struct {
		str      string
		expected []string
	}{
		{
			str:      "",
			expected: []string{},
		},
		{
			str:      "0",
			expected: []string{"0"},
		},
		{
			str:      "0)(1(",
			expected: []string{"0", ")", "(", "1", "("},
		},
		{
			str: "or_b(pk(key_1),s:pk(key_2))",
			expected: []string{
				"or_b", "(", "pk", "(", "key_1", ")", ",",
				"s:pk", "(", "key_2", ")", ")",
			},
		},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, splitString(tc.str, separators))
	}
}

// TestParseTypes checks the type, the script length and that the built script
// has exactly the computed length.
func TestParseTypes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		miniscript string
		typ        string
		scriptLen  int
	}{
		{"pk(A)", "Bondumse", 35},
		{"pkh(A)", "Bndumse", 25},
		{"older(144)", "Bzmf", 4},
		{"after(500000)", "Bzmf", 5},
		{"v:pk(A)", "Vonmsf", 35},
		{"or_d(pk(A),older(144))", "Bomf", 42},
		{"or_i(pk(A),older(144))", "Bdme", 42},
		{"and_v(v:pk(A),pk(B))", "Bnumsf", 70},
		{"multi(2,A,B,C)", "Bndumse", 105},
		{"thresh(2,pk(A),s:pk(B),s:pk(C))", "Bdumse", 111},
		{
			"sha256(" + strings.Repeat("ab", 32) + ")",
			"Bondum", 39,
		},
		{
			"expr_raw_pkh(" + strings.Repeat("01", 20) + ")",
			"Kndumse", 24,
		},
	}

	for _, tc := range testCases {
		node, err := Parse(tc.miniscript)
		require.NoError(t, err, tc.miniscript)
		require.Equal(t, tc.typ, node.Type(), tc.miniscript)
		require.Equal(t, tc.scriptLen, node.ScriptLen(), tc.miniscript)

		script, err := node.Script(testResolver)
		require.NoError(t, err)
		require.Len(t, script, node.ScriptLen(), tc.miniscript)
	}
}

// TestParseInvalid asserts malformed or ill-typed expressions are rejected.
func TestParseInvalid(t *testing.T) {
	t.Parallel()

	testCases := []string{
		"",
		"pk(A",
		"pk(A))",
		"pk(A),",
		"or_d(pk(A))",
		"older(0)",
		"older(2147483648)",
		"after(x)",
		"sha256(00)",
		"hash160(zz)",
		"and_b(pk(A),pk(B))",
		"x:pk(A)",
		"v(pk(A))",
		"pk(a:A)",
		"multi(0,A,B)",
		"multi(3,A,B)",
		"thresh(1)",
		"unknown(A)",
		"::pk(A)",
	}

	for _, tc := range testCases {
		_, err := Parse(tc)
		require.Error(t, err, tc)
	}
}

// TestTypeErrors checks that ill-typed arguments are reported with their
// position and the type or properties the fragment wants.
func TestTypeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   string
		want string
	}{
		{"and_v(pk(A),pk(B))", "argument #1 of `and_v` is `c` of type B, want one of V"},
		{"and_b(pk(A),pk(B))", "argument #2 of `and_b` is `c` of type B, want one of W"},
		{"or_d(older(1),pk(A))", "argument #1 of `or_d` is `older` with properties"},
		{"or_i(pk(A),v:pk(B))", "arguments #1 and #2 of `or_i` have types B and V"},
		{"andor(pk(A),pk(B),v:pk(C))", "arguments #2 and #3 of `andor`"},
		{"j:older(1)", "argument #1 of `j` is `older` with properties"},
		{"s:older(1)", "want \"o\""},
		{"thresh(1,pk(A),pk(B))", "argument #3 of `thresh` is `c` of type B, want one of W"},
	}

	for _, test := range tests {
		_, err := Parse(test.ms)
		require.Error(t, err, test.ms)
		require.ErrorContains(t, err, test.want, test.ms)
	}
}

// TestProperties covers the fragments and wrappers TestParseTypes does not.
func TestProperties(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   string
		want string
	}{
		{"0", "Bzdumse"},
		{"1", "Bzumf"},
		{"dv:older(1)", "Bondme"},
		{"a:pk(A)", "Wdumse"},
		{"j:pk(A)", "Bondums"},
		{"n:pk(A)", "Bondumse"},
		{"and_b(pk(A),s:pk(B))", "Bndumse"},
		{"or_b(pk(A),s:pk(B))", "Bdumse"},
		{"or_c(pk(A),v:pk(B))", "Vmsf"},
		{"andor(pk(A),pk(B),pk(C))", "Bdumse"},
	}

	for _, test := range tests {
		node, err := Parse(test.ms)
		require.NoError(t, err, test.ms)
		require.Equal(t, test.want, node.Type(), test.ms)
	}
}

func TestNestingDepth(t *testing.T) {
	t.Parallel()

	expr := "pk(A)"
	for i := 0; i < MaxNestingDepth+1; i++ {
		expr = "and_b(" + expr + ",a:1)"
	}
	_, err := Parse(expr)
	require.ErrorContains(t, err, "nested")
}

func TestTopLevel(t *testing.T) {
	t.Parallel()

	node, err := Parse("v:pk(A)")
	require.NoError(t, err)
	require.Error(t, node.IsValidTopLevel())

	node, err = Parse("older(144)")
	require.NoError(t, err)
	require.NoError(t, node.IsValidTopLevel())
	require.ErrorContains(t, node.IsSane(), "signature")

	node, err = Parse("or_d(pk(A),older(144))")
	require.NoError(t, err)
	require.NoError(t, node.CheckLimits())
	require.True(t, node.NonMalleable())
	require.False(t, node.NeedsSignature())

	node, err = Parse("and_v(v:pk(A),pk(B))")
	require.NoError(t, err)
	require.NoError(t, node.IsSane())
}

// TestScript pins the exact script of expressions where a `v` wrapper sits
// above a node whose last opcode cannot be collapsed.
func TestScript(t *testing.T) {
	t.Parallel()

	a, b := testKey("A"), testKey("B")

	node, err := Parse("and_v(v:or_d(pk(A),older(144)),pk(B))")
	require.NoError(t, err)
	script, err := node.Script(testResolver)
	require.NoError(t, err)

	expected, err := txscript.NewScriptBuilder().
		AddData(a).AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_IFDUP).AddOp(txscript.OP_NOTIF).
		AddInt64(144).AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_ENDIF).AddOp(txscript.OP_VERIFY).
		AddData(b).AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	require.Equal(t, expected, script)
	require.Len(t, script, node.ScriptLen())

	node, err = Parse("and_v(v:pk(A),pkh(B))")
	require.NoError(t, err)
	script, err = node.Script(testResolver)
	require.NoError(t, err)

	expected, err = txscript.NewScriptBuilder().
		AddData(a).AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(b)).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	require.Equal(t, expected, script)
}

// TestHashLockScript checks a ripemd160 lock against a digest computed from
// its preimage.
func TestHashLockScript(t *testing.T) {
	t.Parallel()

	preimage := chainhash.HashB([]byte("preimage"))
	hasher := ripemd160.New()
	hasher.Write(preimage)
	digest := hasher.Sum(nil)

	node, err := Parse("and_v(v:pk(A),ripemd160(" +
		hex.EncodeToString(digest) + "))")
	require.NoError(t, err)
	require.Equal(t, digest, node.Children()[1].Hash())

	script, err := node.Script(testResolver)
	require.NoError(t, err)

	expected, err := txscript.NewScriptBuilder().
		AddData(testKey("A")).AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_SIZE).AddInt64(32).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_RIPEMD160).AddData(digest).
		AddOp(txscript.OP_EQUAL).
		Script()
	require.NoError(t, err)
	require.Equal(t, expected, script)
	require.Len(t, script, node.ScriptLen())
}

func TestScriptResolverError(t *testing.T) {
	t.Parallel()

	node, err := Parse("multi(1,A,B)")
	require.NoError(t, err)

	_, err = node.Script(func(key string) ([]byte, error) {
		return []byte{0x02}, nil
	})
	require.ErrorContains(t, err, "size 33")
}

func TestString(t *testing.T) {
	t.Parallel()

	hash := strings.Repeat("ab", 32)
	testCases := []struct {
		in, out string
	}{
		{"pk(A)", "pk(A)"},
		{"c:pk_k(A)", "pk(A)"},
		{"c:pk_h(A)", "pkh(A)"},
		{"or_d(pk(A),older(144))", "or_d(pk(A),older(144))"},
		{"and_v(v:pk(A),pk(B))", "and_v(v:pk(A),pk(B))"},
		{"t:or_c(pk(A),v:older(3))", "t:or_c(pk(A),v:older(3))"},
		{"and_v(or_c(pk(A),v:older(3)),1)", "t:or_c(pk(A),v:older(3))"},
		{"andor(pk(A),l:older(10),0)", "and_n(pk(A),l:older(10))"},
		{"or_i(0,older(10))", "l:older(10)"},
		{"u:pk(A)", "u:pk(A)"},
		{"dv:older(144)", "dv:older(144)"},
		{"multi(2,A,B,C)", "multi(2,A,B,C)"},
		{"sha256(" + hash + ")", "sha256(" + hash + ")"},
		{
			"thresh(2,pk(A),s:pk(B),s:pk(C))",
			"thresh(2,pk(A),s:pk(B),s:pk(C))",
		},
	}

	for _, tc := range testCases {
		node, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.out, node.String())

		again, err := Parse(node.String())
		require.NoError(t, err)
		require.Equal(t, node.String(), again.String())
		require.Equal(t, node.Type(), again.Type())
	}
}

func TestKindAndChildren(t *testing.T) {
	t.Parallel()

	node, err := Parse("or_d(pk(A),older(144))")
	require.NoError(t, err)
	require.Equal(t, OrD, node.Kind())

	children := node.Children()
	require.Len(t, children, 2)
	require.Equal(t, Check, children[0].Kind())
	require.Equal(t, Older, children[1].Kind())
	require.EqualValues(t, 144, children[1].Locktime())
	require.Empty(t, children[1].Children())

	leaf := children[0].Children()
	require.Len(t, leaf, 1)
	require.Equal(t, PkK, leaf[0].Kind())
	require.Equal(t, "A", leaf[0].Key())
	require.Empty(t, leaf[0].Children())

	node, err = Parse("thresh(2,pk(A),s:pk(B),s:pk(C))")
	require.NoError(t, err)
	require.Equal(t, Thresh, node.Kind())
	require.EqualValues(t, 2, node.Threshold())
	require.Len(t, node.Children(), 3)

	node, err = Parse("multi(2,A,B,C)")
	require.NoError(t, err)
	require.Equal(t, Multi, node.Kind())
	require.EqualValues(t, 2, node.Threshold())
	require.Equal(t, []string{"A", "B", "C"}, node.MultiKeys())
	require.Empty(t, node.Children())

	require.Equal(t, "Thresh", Thresh.String())
	require.Equal(t, "Unknown Kind (99)", Kind(99).String())
}

func TestKeys(t *testing.T) {
	t.Parallel()

	node, err := Parse("and_v(v:pk(A),or_d(multi(1,B,C),pkh(A)))")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C", "A"}, node.Keys())
}

func TestComputeOpCount(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		script     string
		maxOpCount int
	}{
		{
			script: "or_i(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))",
			maxOpCount: 9,
		},
		{
			script: "thresh(2,or_i(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))," +
				"s:pk(key8),s:pk(key9))",
			maxOpCount: 16,
		},
		{
			script: "thresh(2,or_d(multi(2,key1,key2,key3)," +
				"multi(3,key4,key5,key6,key7))," +
				"s:pk(key8),s:pk(key9))",
			maxOpCount: 19,
		},
	}

	for _, tc := range testCases {
		node, err := Parse(tc.script)
		require.NoError(t, err)
		require.Equal(t, tc.maxOpCount, node.MaxOpCount())
	}
}
