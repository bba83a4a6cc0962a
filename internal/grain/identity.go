// Package grain defines grain identities: the tuple that addresses an
// activation anywhere in the cluster.
//
// An identity is (type name, key kind, key bytes). The compound kind pairs a
// guid with a string suffix such as a season id. A fixed FNV-1a 32-bit hash
// of the identity is the routing key; collisions are resolved by comparing
// the full tuple, so the hash only has to be stable, not unique.
package grain

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// KeyKind discriminates the three supported key shapes.
type KeyKind string

const (
	KeyGuid         KeyKind = "guid"
	KeyString       KeyKind = "string"
	KeyGuidCompound KeyKind = "guid+string"
)

// Identity addresses a single logical grain cluster-wide.
type Identity struct {
	Type   string  `json:"type"`
	Kind   KeyKind `json:"kind"`
	GUID   string  `json:"guid,omitempty"`   // canonical uuid text for guid kinds
	Key    string  `json:"key,omitempty"`    // string kind only
	Suffix string  `json:"suffix,omitempty"` // compound kind only, e.g. season id
}

// GuidKey builds a guid-keyed identity.
func GuidKey(grainType string, id uuid.UUID) Identity {
	return Identity{Type: grainType, Kind: KeyGuid, GUID: id.String()}
}

// StringKey builds a string-keyed identity. Used for well-known singletons
// such as registries ("itemdefs", "ratelimit-config").
func StringKey(grainType, key string) Identity {
	return Identity{Type: grainType, Kind: KeyString, Key: key}
}

// CompoundKey builds a (guid, suffix) identity, e.g. a character inventory
// scoped to a season.
func CompoundKey(grainType string, id uuid.UUID, suffix string) Identity {
	return Identity{Type: grainType, Kind: KeyGuidCompound, GUID: id.String(), Suffix: suffix}
}

// KeyBytes returns the identity's key material in its canonical byte form.
func (id Identity) KeyBytes() []byte {
	switch id.Kind {
	case KeyGuid:
		u, _ := uuid.Parse(id.GUID)
		b := u[:]
		return b
	case KeyGuidCompound:
		u, _ := uuid.Parse(id.GUID)
		return append(u[:], []byte(id.Suffix)...)
	default:
		return []byte(id.Key)
	}
}

// Hash is the fixed 32-bit FNV-1a routing hash over type name and key
// bytes. It must never change: the directory ring, the storage index, and
// every persisted row depend on it.
func (id Identity) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(id.Type))
	h.Write([]byte{0})
	h.Write(id.KeyBytes())
	return h.Sum32()
}

// GuidWords splits the 128-bit guid into two 64-bit words for the SQL
// primary key columns. String-keyed identities return zeros; their key
// material lives in the extension column instead.
func (id Identity) GuidWords() (n0, n1 int64) {
	if id.Kind == KeyString {
		return 0, 0
	}
	u, err := uuid.Parse(id.GUID)
	if err != nil {
		return 0, 0
	}
	n0 = int64(binary.BigEndian.Uint64(u[0:8]))
	n1 = int64(binary.BigEndian.Uint64(u[8:16]))
	return n0, n1
}

// Extension returns the string part stored alongside the guid words: the
// suffix for compound keys, the whole key for string keys, empty otherwise.
func (id Identity) Extension() string {
	switch id.Kind {
	case KeyGuidCompound:
		return id.Suffix
	case KeyString:
		return id.Key
	default:
		return ""
	}
}

// TypeHash is the FNV-1a hash of just the type name, kept as a separate
// index column so lookups by type stay cheap.
func (id Identity) TypeHash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(id.Type))
	return h.Sum32()
}

func (id Identity) String() string {
	switch id.Kind {
	case KeyGuid:
		return fmt.Sprintf("%s/%s", id.Type, id.GUID)
	case KeyGuidCompound:
		return fmt.Sprintf("%s/%s+%s", id.Type, id.GUID, id.Suffix)
	default:
		return fmt.Sprintf("%s/%s", id.Type, id.Key)
	}
}

// Equal reports full-tuple equality; used to resolve hash collisions.
func (id Identity) Equal(other Identity) bool {
	return id.Type == other.Type && id.Kind == other.Kind &&
		id.GUID == other.GUID && id.Key == other.Key && id.Suffix == other.Suffix
}
