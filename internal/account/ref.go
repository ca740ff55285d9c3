package account

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid evm address")
	ErrInvalidID      = errors.New("invalid account id")
)

// Ref identifies one settlement-chain account in both of its formats: the EVM
// address used by wallets and the shard.realm.num id used by the ledger and
// its mirror indexer.
type Ref struct {
	Shard uint32
	Realm uint64
	Num   uint64
	alias *common.Address
}

// FromEVM derives the ledger-native reference for an EVM address. Long-zero
// addresses decode into shard.realm.num; every other address becomes an alias
// reference rendered as 0.0.<hex>.
func FromEVM(addr string) (Ref, error) {
	if !common.IsHexAddress(addr) {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	a := common.HexToAddress(addr)
	b := a.Bytes()
	if isLongZero(b) {
		return Ref{Num: binary.BigEndian.Uint64(b[12:])}, nil
	}
	return Ref{alias: &a}, nil
}

// MustFromEVM is FromEVM for constants known to be valid.
func MustFromEVM(addr string) Ref {
	ref, err := FromEVM(addr)
	if err != nil {
		panic(err)
	}
	return ref
}

// ParseID parses "shard.realm.num" or the alias form "shard.realm.<40 hex>".
func ParseID(id string) (Ref, error) {
	parts := strings.Split(strings.TrimSpace(id), ".")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	shard, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: shard %q", ErrInvalidID, parts[0])
	}
	realm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: realm %q", ErrInvalidID, parts[1])
	}
	if len(parts[2]) == 40 {
		if shard != 0 || realm != 0 {
			return Ref{}, fmt.Errorf("%w: alias outside 0.0", ErrInvalidID)
		}
		return FromEVM("0x" + parts[2])
	}
	num, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: num %q", ErrInvalidID, parts[2])
	}
	return Ref{Shard: uint32(shard), Realm: realm, Num: num}, nil
}

// IsAlias reports whether the reference carries an EVM alias instead of a
// numeric account number.
func (r Ref) IsAlias() bool {
	return r.alias != nil
}

// ID renders the ledger-native identifier.
func (r Ref) ID() string {
	if r.alias != nil {
		return "0.0." + strings.ToLower(strings.TrimPrefix(r.alias.Hex(), "0x"))
	}
	return fmt.Sprintf("%d.%d.%d", r.Shard, r.Realm, r.Num)
}

func (r Ref) String() string {
	return r.ID()
}

// EVMAddress renders the checksummed EVM address.
func (r Ref) EVMAddress() common.Address {
	if r.alias != nil {
		return *r.alias
	}
	var b [common.AddressLength]byte
	binary.BigEndian.PutUint32(b[0:4], r.Shard)
	binary.BigEndian.PutUint64(b[4:12], r.Realm)
	binary.BigEndian.PutUint64(b[12:20], r.Num)
	return common.BytesToAddress(b[:])
}

// Equal compares two references by their ledger-native id.
func (r Ref) Equal(other Ref) bool {
	return r.ID() == other.ID()
}

func isLongZero(b []byte) bool {
	for _, v := range b[:12] {
		if v != 0 {
			return false
		}
	}
	return true
}
