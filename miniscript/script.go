package miniscript

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// KeyResolver maps a key expression of the tree to a 33 byte compressed public
// key.
type KeyResolver func(key string) ([]byte, error)

// Script creates the witness script from a parsed miniscript. Every key of the
// tree is passed to resolve, the tree itself is left untouched so the same
// tree can produce scripts for many derivation indexes.
func (a *AST) Script(resolve KeyResolver) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	if err := buildScript(a, b, resolve, false); err != nil {
		return nil, err
	}
	return b.Script()
}

func resolveKey(node *AST, arg *AST, resolve KeyResolver) ([]byte, error) {
	key, err := resolve(arg.identifier)
	if err != nil {
		return nil, err
	}
	if len(key) != pubKeyLen {
		return nil, fmt.Errorf("pubkey argument of %s expected to be "+
			"of size %d, but got %d", node.identifier, pubKeyLen,
			len(key))
	}
	return key, nil
}

// buildScript builds the script from the tree. verify is true if the last
// opcode of the node is directly followed by the OP_VERIFY of a `v` wrapper.
// If so, the two opcodes `OP_CHECKSIG OP_VERIFY` are collapsed into
// `OP_CHECKSIGVERIFY` (same for OP_EQUAL and OP_CHECKMULTISIG). Only the
// second argument of and_v and the argument of s end with the last opcode of
// their parent, so the flag is handed down to those and nothing else.
func buildScript(node *AST, b *txscript.ScriptBuilder, resolve KeyResolver,
	verify bool) error {

	collapse := verify && node.props.canCollapseVerify
	build := func(arg *AST, verify bool) error {
		return buildScript(arg, b, resolve, verify)
	}

	switch node.identifier {
	case f_0:
		b.AddOp(txscript.OP_FALSE)

	case f_1:
		b.AddOp(txscript.OP_TRUE)

	case f_pk_k:
		key, err := resolveKey(node, node.args[0], resolve)
		if err != nil {
			return err
		}
		b.AddData(key)

	case f_pk_h:
		key, err := resolveKey(node, node.args[0], resolve)
		if err != nil {
			return err
		}
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(btcutil.Hash160(key))
		b.AddOp(txscript.OP_EQUALVERIFY)

	case f_raw_pkh:
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(node.args[0].value)
		b.AddOp(txscript.OP_EQUALVERIFY)

	case f_older:
		b.AddInt64(int64(node.args[0].num))
		b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	case f_after:
		b.AddInt64(int64(node.args[0].num))
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	case f_sha256, f_hash256, f_ripemd160, f_hash160:
		hashOp := map[string]byte{
			f_sha256:    txscript.OP_SHA256,
			f_hash256:   txscript.OP_HASH256,
			f_ripemd160: txscript.OP_RIPEMD160,
			f_hash160:   txscript.OP_HASH160,
		}[node.identifier]

		b.AddOp(txscript.OP_SIZE)
		b.AddInt64(32)
		b.AddOp(txscript.OP_EQUALVERIFY)
		b.AddOp(hashOp)
		b.AddData(node.args[0].value)
		if collapse {
			b.AddOp(txscript.OP_EQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_EQUAL)
		}

	case f_andor:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_NOTIF)
		if err := build(node.args[2], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		if err := build(node.args[1], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_and_v:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		if err := build(node.args[1], verify); err != nil {
			return err
		}

	case f_and_b, f_or_b:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		if err := build(node.args[1], false); err != nil {
			return err
		}
		if node.identifier == f_and_b {
			b.AddOp(txscript.OP_BOOLAND)
		} else {
			b.AddOp(txscript.OP_BOOLOR)
		}

	case f_or_c:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_NOTIF)
		if err := build(node.args[1], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_or_d:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_IFDUP)
		b.AddOp(txscript.OP_NOTIF)
		if err := build(node.args[1], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_or_i:
		b.AddOp(txscript.OP_IF)
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ELSE)
		if err := build(node.args[1], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_thresh:
		for i := 1; i < len(node.args); i++ {
			if err := build(node.args[i], false); err != nil {
				return err
			}
			if i > 1 {
				b.AddOp(txscript.OP_ADD)
			}
		}
		b.AddInt64(int64(node.args[0].num))
		if collapse {
			b.AddOp(txscript.OP_EQUALVERIFY)
		} else {
			b.AddOp(txscript.OP_EQUAL)
		}

	case f_multi:
		b.AddInt64(int64(node.args[0].num))
		for _, arg := range node.args[1:] {
			key, err := resolveKey(node, arg, resolve)
			if err != nil {
				return err
			}
			b.AddData(key)
		}
		b.AddInt64(int64(len(node.args) - 1))
		if collapse {
			b.AddOp(txscript.OP_CHECKMULTISIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKMULTISIG)
		}

	case f_wrap_a:
		b.AddOp(txscript.OP_TOALTSTACK)
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_FROMALTSTACK)

	case f_wrap_s:
		b.AddOp(txscript.OP_SWAP)
		if err := build(node.args[0], verify); err != nil {
			return err
		}

	case f_wrap_c:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		if collapse {
			b.AddOp(txscript.OP_CHECKSIGVERIFY)
		} else {
			b.AddOp(txscript.OP_CHECKSIG)
		}

	case f_wrap_d:
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_IF)
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_wrap_v:
		collapsible := node.args[0].props.canCollapseVerify
		if err := build(node.args[0], collapsible); err != nil {
			return err
		}
		if !collapsible {
			b.AddOp(txscript.OP_VERIFY)
		}

	case f_wrap_j:
		b.AddOp(txscript.OP_SIZE)
		b.AddOp(txscript.OP_0NOTEQUAL)
		b.AddOp(txscript.OP_IF)
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_ENDIF)

	case f_wrap_n:
		if err := build(node.args[0], false); err != nil {
			return err
		}
		b.AddOp(txscript.OP_0NOTEQUAL)

	default:
		return fmt.Errorf("unknown identifier: %s", node.identifier)
	}
	return nil
}
