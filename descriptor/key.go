// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// compressedKeyHexLen is the length of a hex encoded compressed
	// public key.
	compressedKeyHexLen = 2 * btcec.PubKeyBytesLenCompressed

	// fingerprintHexLen is the length of the hex encoded fingerprint of a
	// key origin.
	fingerprintHexLen = 8
)

// Key is a parsed key expression. It is either a fixed compressed public key
// or an extended public key followed by non-hardened derivation steps, the
// last of which may be the wildcard '*'. Both forms may carry a
// [fingerprint/path] origin, which is kept for display only.
type Key struct {
	expr     string
	origin   string
	pubKey   *btcec.PublicKey
	extKey   *hdkeychain.ExtendedKey
	path     []uint32
	wildcard bool
}

// ParseKey parses a key expression.
func ParseKey(expr string) (*Key, error) {
	k := &Key{expr: expr}

	rest := expr
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			str := fmt.Sprintf("unterminated origin in key %q", expr)
			return nil, descError(ErrInvalidOrigin, str)
		}
		if err := checkOrigin(rest[1:end]); err != nil {
			return nil, err
		}
		k.origin = rest[1:end]
		rest = rest[end+1:]
	}

	steps := strings.Split(rest, "/")
	base := steps[0]

	if len(base) == compressedKeyHexLen {
		raw, err := hex.DecodeString(base)
		if err == nil {
			if len(steps) > 1 {
				str := fmt.Sprintf("derivation path after "+
					"fixed key %q", expr)
				return nil, descError(ErrInvalidPath, str)
			}
			pubKey, err := btcec.ParsePubKey(raw)
			if err != nil {
				str := fmt.Sprintf("invalid public key %q: %v",
					expr, err)
				return nil, descError(ErrInvalidKey, str)
			}
			k.pubKey = pubKey
			return k, nil
		}
	}

	extKey, err := hdkeychain.NewKeyFromString(base)
	if err != nil {
		str := fmt.Sprintf("invalid key %q: %v", expr, err)
		return nil, descError(ErrInvalidKey, str)
	}
	if extKey.IsPrivate() {
		str := fmt.Sprintf("key %q is a private extended key", expr)
		return nil, descError(ErrInvalidKey, str)
	}
	k.extKey = extKey

	for i, step := range steps[1:] {
		if step == "*" {
			if i != len(steps)-2 {
				str := fmt.Sprintf("wildcard is not the last "+
					"step of key %q", expr)
				return nil, descError(ErrInvalidPath, str)
			}
			k.wildcard = true
			continue
		}

		if strings.HasSuffix(step, "'") || strings.HasSuffix(step, "h") {
			str := fmt.Sprintf("hardened step %q in key %q needs "+
				"a private key", step, expr)
			return nil, descError(ErrInvalidPath, str)
		}

		index, err := strconv.ParseUint(step, 10, 32)
		if err != nil || index >= hdkeychain.HardenedKeyStart {
			str := fmt.Sprintf("invalid step %q in key %q", step,
				expr)
			return nil, descError(ErrInvalidPath, str)
		}
		k.path = append(k.path, uint32(index))
	}

	return k, nil
}

// checkOrigin validates the inside of a [fingerprint/path] key origin.
func checkOrigin(origin string) error {
	steps := strings.Split(origin, "/")

	fingerprint := steps[0]
	if len(fingerprint) != fingerprintHexLen {
		str := fmt.Sprintf("origin fingerprint %q is not %d hex "+
			"characters", fingerprint, fingerprintHexLen)
		return descError(ErrInvalidOrigin, str)
	}
	if _, err := hex.DecodeString(fingerprint); err != nil {
		str := fmt.Sprintf("origin fingerprint %q is not hex",
			fingerprint)
		return descError(ErrInvalidOrigin, str)
	}

	for _, step := range steps[1:] {
		step = strings.TrimRight(step, "'h")
		index, err := strconv.ParseUint(step, 10, 32)
		if err != nil || index >= hdkeychain.HardenedKeyStart {
			str := fmt.Sprintf("invalid origin step %q", step)
			return descError(ErrInvalidOrigin, str)
		}
	}
	return nil
}

// String returns the key expression as it was parsed.
func (k *Key) String() string {
	return k.expr
}

// IsExtended reports whether the key is an extended public key.
func (k *Key) IsExtended() bool {
	return k.extKey != nil
}

// HasWildcard reports whether the key ends in the wildcard step.
func (k *Key) HasWildcard() bool {
	return k.wildcard
}

// IsForNet reports whether the key can be used on the network. Fixed public
// keys are valid everywhere.
func (k *Key) IsForNet(net *chaincfg.Params) bool {
	if k.extKey == nil {
		return true
	}
	return k.extKey.IsForNet(net)
}

// PubKeyAt returns the compressed public key at a derivation index. The
// index replaces the wildcard and is ignored by keys without one.
func (k *Key) PubKeyAt(index uint32) ([]byte, error) {
	if k.extKey == nil {
		return k.pubKey.SerializeCompressed(), nil
	}

	path := k.path
	if k.wildcard {
		if index >= hdkeychain.HardenedKeyStart {
			str := fmt.Sprintf("index %d is hardened", index)
			return nil, descError(ErrDerivation, str)
		}
		path = append(path[:len(path):len(path)], index)
	}

	child := k.extKey
	for _, step := range path {
		var err error
		child, err = child.Derive(step)
		if err != nil {
			str := fmt.Sprintf("unable to derive %s at %d: %v",
				k.expr, index, err)
			return nil, descError(ErrDerivation, str)
		}
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		str := fmt.Sprintf("unable to derive %s at %d: %v", k.expr,
			index, err)
		return nil, descError(ErrDerivation, str)
	}
	return pubKey.SerializeCompressed(), nil
}
