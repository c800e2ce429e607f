package ledgertest

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
)

type decoder interface {
	Decode(v interface{}) error
}

func msgpackDecoder(raw []byte) decoder {
	return msgpack.NewDecoder(bytes.NewReader(raw))
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || strings.HasSuffix(err.Error(), "EOF")
}
