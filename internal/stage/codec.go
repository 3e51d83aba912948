package stage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blowfish"
)

// ErrBadPublicID is wrapped by every codec decoding failure so callers can
// distinguish a malformed token from a missing question.
var ErrBadPublicID = fmt.Errorf("could not parse question id")

// Codec converts between internal material refs and the opaque public IDs
// clients see. Encoding is keyed: two deployments with different keys never
// agree on token values, so IDs cannot be enumerated or correlated.
type Codec interface {
	Encode(ctx context.Context, ref MaterialRef) (string, error)
	Decode(ctx context.Context, token string) (MaterialRef, error)
}

const (
	markerPositive = 'A' // permutation >= 0
	markerNegative = 'B' // permutation < 0
	cipherTokenLen = 1 + 8
)

// cipherCodec packs the question id and the permutation magnitude into one
// Blowfish block, so both halves diffuse together under the stage key. A
// leading marker byte preserves the permutation's sign.
type cipherCodec struct {
	block *blowfish.Cipher
}

func newCipherCodec(key string) (*cipherCodec, error) {
	if key == "" {
		return nil, fmt.Errorf("allocation encryption key is empty")
	}
	block, err := blowfish.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("allocation encryption key: %w", err)
	}
	return &cipherCodec{block: block}, nil
}

func (c *cipherCodec) Encode(_ context.Context, ref MaterialRef) (string, error) {
	var buf [cipherTokenLen]byte
	buf[0] = markerPositive
	perm := ref.Permutation
	if perm < 0 {
		buf[0] = markerNegative
		perm = -perm
	}
	binary.BigEndian.PutUint32(buf[1:5], ref.QuestionID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(perm))
	c.block.Encrypt(buf[1:], buf[1:])
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}

func (c *cipherCodec) Decode(_ context.Context, token string) (MaterialRef, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	if len(raw) != cipherTokenLen {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	if raw[0] != markerPositive && raw[0] != markerNegative {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	c.block.Decrypt(raw[1:], raw[1:])
	perm := int32(binary.BigEndian.Uint32(raw[5:9]))
	if raw[0] == markerNegative {
		perm = -perm
	}
	return MaterialRef{
		QuestionID:  binary.BigEndian.Uint32(raw[1:5]),
		Permutation: perm,
	}, nil
}

// passthroughCodec uses "<material name>:<permutation>" tokens, resolving
// names through the store. Readable IDs make unit tests and debugging
// sessions obvious; never enable it for real deployments.
type passthroughCodec struct {
	store Store
}

func (p *passthroughCodec) Encode(ctx context.Context, ref MaterialRef) (string, error) {
	ms, err := p.store.ResolveMaterial(ctx, ref.QuestionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", ms.Name, ref.Permutation), nil
}

func (p *passthroughCodec) Decode(ctx context.Context, token string) (MaterialRef, error) {
	i := strings.LastIndex(token, ":")
	if i < 1 {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	perm, err := strconv.ParseInt(token[i+1:], 10, 32)
	if err != nil {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	ms, err := p.store.MaterialByName(ctx, token[:i])
	if err != nil {
		return MaterialRef{}, fmt.Errorf("%w: %q", ErrBadPublicID, token)
	}
	return MaterialRef{QuestionID: ms.QuestionID, Permutation: int32(perm)}, nil
}
