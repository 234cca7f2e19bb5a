package filter

import (
	"github.com/klauspost/compress/zstd"

	"pssync/pkg/message"
)

// Zstd compresses the value payload of an envelope. Keys stay as-is so
// the receiving side can route and merge without decompressing.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Encode(env *message.Envelope) error {
	if len(env.Vals) == 0 {
		return nil
	}
	env.Vals = z.enc.EncodeAll(env.Vals, nil)
	return nil
}

func (z *Zstd) Decode(env *message.Envelope) error {
	if len(env.Vals) == 0 {
		return nil
	}
	out, err := z.dec.DecodeAll(env.Vals, nil)
	if err != nil {
		return err
	}
	env.Vals = out
	return nil
}
