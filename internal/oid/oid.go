package oid

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxCollisionRetryCount is the default number of times a caller may ask
// for a fresh candidate after the backing store reported that an
// identifier already exists.
const MaxCollisionRetryCount = 20

const saltToken = "uri_salt_"

type Kind uint8

const (
	KindObject Kind = 0x01
	KindIndex  Kind = 0x02
)

const kindShift = 56
const kindMask uint64 = 0xff << kindShift

var ErrInvalidId = errors.New("invalid object identifier")
var ErrCollisionRetriesExhausted = errors.New("exceeded maximum collision retry count")

// Id is the 128 bit identifier of an object or index in the backing store.
// The top byte of Hi carries the Kind.
type Id struct {
	Hi uint64
	Lo uint64
}

var Zero = Id{}

func (id Id) IsZero() bool {
	return id == Zero
}

func (id Id) Kind() Kind {
	return Kind(id.Hi >> kindShift)
}

func encodeHalf(v uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return base64.StdEncoding.EncodeToString(buf[:])
}

func decodeHalf(s string) (uint64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(buf) != 8 {
		return 0, ErrInvalidId
	}
	return binary.BigEndian.Uint64(buf), nil
}

// String renders the id as "<base64 hi>-<base64 lo>".
func (id Id) String() string {
	return encodeHalf(id.Hi) + "-" + encodeHalf(id.Lo)
}

func Parse(s string) (Id, error) {
	hiStr, loStr, found := strings.Cut(s, "-")
	if !found {
		return Zero, ErrInvalidId
	}
	hi, err := decodeHalf(hiStr)
	if err != nil {
		return Zero, errors.Join(ErrInvalidId, err)
	}
	lo, err := decodeHalf(loStr)
	if err != nil {
		return Zero, errors.Join(ErrInvalidId, err)
	}
	return Id{Hi: hi, Lo: lo}, nil
}

func (id Id) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Id) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = Zero
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func hash(kind Kind, seed string) Id {
	d := xxhash.New()
	d.WriteString(seed)
	hi := d.Sum64()
	d.WriteString(saltToken)
	lo := d.Sum64()
	hi = (hi &^ kindMask) | uint64(kind)<<kindShift
	return Id{Hi: hi, Lo: lo}
}

// Allocate derives the object id for seed. It is a pure function of seed.
func Allocate(seed string) Id {
	return hash(KindObject, seed)
}

// AllocateIndex derives the id of an index from seed.
func AllocateIndex(seed string) Id {
	return hash(KindIndex, seed)
}

// ResolveCollision derives the candidate for the given retry attempt.
// The result is deterministic for (seed, attempt, current) and never
// equals current.
func ResolveCollision(seed string, attempt int, current Id) Id {
	kind := current.Kind()
	if kind != KindIndex {
		kind = KindObject
	}
	for salt := 0; ; salt++ {
		candidate := hash(kind, seed+saltToken+strconv.Itoa(salt)+strconv.Itoa(attempt))
		if candidate != current {
			return candidate
		}
	}
}
