package txn

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var txTag = []byte("TX")

// BytesToSign returns the domain-separated message an account signs for tx.
func BytesToSign(tx types.Transaction) []byte {
	enc := msgpack.Encode(tx)
	out := make([]byte, 0, len(txTag)+len(enc))
	out = append(out, txTag...)
	return append(out, enc...)
}

// SignWith signs tx with an ed25519 key and returns the encoded signed
// transaction.
func SignWith(sk ed25519.PrivateKey, tx types.Transaction) []byte {
	var stx types.SignedTxn
	copy(stx.Sig[:], ed25519.Sign(sk, BytesToSign(tx)))
	stx.Txn = tx
	return msgpack.Encode(stx)
}

// Attach wraps a detached signature over tx into an encoded signed transaction.
func Attach(tx types.Transaction, sig []byte) ([]byte, error) {
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("txn: signature must be %d bytes", ed25519.SignatureSize)
	}
	var stx types.SignedTxn
	copy(stx.Sig[:], sig)
	stx.Txn = tx
	return msgpack.Encode(stx), nil
}

// DecodeSigned parses an encoded signed transaction.
func DecodeSigned(raw []byte) (types.SignedTxn, error) {
	var stx types.SignedTxn
	if len(raw) == 0 {
		return stx, fmt.Errorf("txn: empty signed transaction")
	}
	if err := msgpack.Decode(raw, &stx); err != nil {
		return types.SignedTxn{}, fmt.Errorf("txn: decode signed: %w", err)
	}
	return stx, nil
}

// IsSigned reports whether stx carries any form of authorisation.
func IsSigned(stx types.SignedTxn) bool {
	return stx.Sig != (types.Signature{}) || len(stx.Msig.Subsigs) > 0 || len(stx.Lsig.Logic) > 0
}

// VerifySignature checks that stx is single-signed by signer over its own
// transaction body.
func VerifySignature(stx types.SignedTxn, signer types.Address) bool {
	if stx.Sig == (types.Signature{}) {
		return false
	}
	authorizer := stx.Txn.Sender
	if !stx.AuthAddr.IsZero() {
		authorizer = stx.AuthAddr
	}
	if authorizer != signer {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signer[:]), BytesToSign(stx.Txn), stx.Sig[:])
}

// Concat joins encoded signed transactions in order, forming the raw group
// payload accepted by the node.
func Concat(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}

// EncodeB64 and DecodeB64 carry transaction bytes on the session wire.
func EncodeB64(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }

func DecodeB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("txn: base64: %w", err)
	}
	return raw, nil
}
