package kms

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TypedDataField is one field of an EIP-712 struct type.
type TypedDataField struct {
	Name string
	Type string
}

// TypedDataDomain is the EIP-712 domain separator's input; fields left at
// their zero value are omitted from the domain's type and hash, matching
// the standard's "only include what's present" rule.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedData is the (domain, types, primaryType, message) tuple 4.M's
// signTypedData takes.
type TypedData struct {
	Domain      TypedDataDomain
	Types       map[string][]TypedDataField
	PrimaryType string
	Message     map[string]any
}

// Hash computes the EIP-712 digest: keccak256(0x19 0x01 || domainSeparator
// || hashStruct(primaryType, message)).
func (d TypedData) Hash() ([32]byte, error) {
	domainTypes, domainValue := d.domainTypeAndValue()
	domainSeparator, err := hashStruct("EIP712Domain", domainTypes, domainValue, d.Types)
	if err != nil {
		return [32]byte{}, fmt.Errorf("domain: %w", err)
	}
	msgHash, err := hashStruct(d.PrimaryType, d.Types[d.PrimaryType], d.Message, d.Types)
	if err != nil {
		return [32]byte{}, fmt.Errorf("message: %w", err)
	}

	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, domainSeparator[:]...)
	buf = append(buf, msgHash[:]...)
	return [32]byte(crypto.Keccak256(buf)), nil
}

func (d TypedData) domainTypeAndValue() ([]TypedDataField, map[string]any) {
	var fields []TypedDataField
	value := map[string]any{}
	if d.Domain.Name != "" {
		fields = append(fields, TypedDataField{"name", "string"})
		value["name"] = d.Domain.Name
	}
	if d.Domain.Version != "" {
		fields = append(fields, TypedDataField{"version", "string"})
		value["version"] = d.Domain.Version
	}
	if d.Domain.ChainID != nil {
		fields = append(fields, TypedDataField{"chainId", "uint256"})
		value["chainId"] = d.Domain.ChainID
	}
	if d.Domain.VerifyingContract != "" {
		fields = append(fields, TypedDataField{"verifyingContract", "address"})
		value["verifyingContract"] = d.Domain.VerifyingContract
	}
	return fields, value
}

// hashStruct computes keccak256(typeHash(primaryType) || encodeData(...)).
func hashStruct(primaryType string, fields []TypedDataField, value map[string]any, types map[string][]TypedDataField) ([32]byte, error) {
	th := typeHash(primaryType, fields, types)
	encoded, err := encodeData(fields, value, types)
	if err != nil {
		return [32]byte{}, err
	}
	buf := append(append([]byte{}, th[:]...), encoded...)
	return [32]byte(crypto.Keccak256(buf)), nil
}

// typeHash is keccak256 of the canonical type signature: the primary type's
// own "Name(type1 field1,type2 field2)" followed by every struct type it
// references, transitively, sorted alphabetically (the part of EIP-712 that
// makes nested struct types unambiguous).
func typeHash(primaryType string, fields []TypedDataField, types map[string][]TypedDataField) [32]byte {
	referenced := map[string]bool{primaryType: true}
	collectReferencedTypes(fields, types, referenced)

	others := make([]string, 0, len(referenced)-1)
	for t := range referenced {
		if t != primaryType {
			others = append(others, t)
		}
	}
	sort.Strings(others)

	var sb strings.Builder
	sb.WriteString(encodeTypeSig(primaryType, fields))
	for _, t := range others {
		sb.WriteString(encodeTypeSig(t, types[t]))
	}
	return [32]byte(crypto.Keccak256([]byte(sb.String())))
}

func encodeTypeSig(name string, fields []TypedDataField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Type + " " + f.Name
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

func collectReferencedTypes(fields []TypedDataField, types map[string][]TypedDataField, seen map[string]bool) {
	for _, f := range fields {
		base := strings.TrimSuffix(f.Type, "[]")
		if inner, ok := types[base]; ok && !seen[base] {
			seen[base] = true
			collectReferencedTypes(inner, types, seen)
		}
	}
}

// encodeData concatenates each field's 32-byte encoded value, in field
// order, per EIP-712's encodeData rule.
func encodeData(fields []TypedDataField, value map[string]any, types map[string][]TypedDataField) ([]byte, error) {
	out := make([]byte, 0, 32*len(fields))
	for _, f := range fields {
		v, ok := value[f.Name]
		if !ok {
			return nil, fmt.Errorf("kms: missing typed data field %q", f.Name)
		}
		word, err := encodeValue(f.Type, v, types)
		if err != nil {
			return nil, fmt.Errorf("kms: field %q: %w", f.Name, err)
		}
		out = append(out, word[:]...)
	}
	return out, nil
}

func encodeValue(typ string, v any, types map[string][]TypedDataField) ([32]byte, error) {
	if strings.HasSuffix(typ, "[]") {
		return encodeArray(strings.TrimSuffix(typ, "[]"), v, types)
	}
	if fields, ok := types[typ]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected struct value for type %q", typ)
		}
		return hashStruct(typ, fields, m, types)
	}

	switch {
	case typ == "string":
		s, ok := v.(string)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected string for type %q", typ)
		}
		return [32]byte(crypto.Keccak256([]byte(s))), nil
	case typ == "bytes":
		b, ok := v.([]byte)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected []byte for type %q", typ)
		}
		return [32]byte(crypto.Keccak256(b)), nil
	case typ == "bool":
		b, ok := v.(bool)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected bool for type %q", typ)
		}
		var word [32]byte
		if b {
			word[31] = 1
		}
		return word, nil
	case typ == "address":
		addrStr, ok := v.(string)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected address string for type %q", typ)
		}
		addr := common.HexToAddress(addrStr)
		var word [32]byte
		copy(word[12:], addr.Bytes())
		return word, nil
	case strings.HasPrefix(typ, "uint") || strings.HasPrefix(typ, "int"):
		return encodeInteger(typ, v)
	case strings.HasPrefix(typ, "bytes"):
		b, ok := v.([]byte)
		if !ok {
			return [32]byte{}, fmt.Errorf("expected []byte for type %q", typ)
		}
		var word [32]byte
		copy(word[:], b)
		return word, nil
	default:
		return [32]byte{}, fmt.Errorf("unsupported typed-data field type %q", typ)
	}
}

func encodeInteger(typ string, v any) ([32]byte, error) {
	var n *big.Int
	switch x := v.(type) {
	case *big.Int:
		n = x
	case int64:
		n = big.NewInt(x)
	case uint64:
		n = new(big.Int).SetUint64(x)
	case int:
		n = big.NewInt(int64(x))
	default:
		return [32]byte{}, fmt.Errorf("expected numeric value for type %q", typ)
	}
	var word [32]byte
	if n.Sign() < 0 {
		// Two's-complement representation for signed negative values.
		mod := new(big.Int).Lsh(big.NewInt(1), 256)
		n = new(big.Int).Add(mod, n)
	}
	n.FillBytes(word[:])
	return word, nil
}

func encodeArray(elemType string, v any, types map[string][]TypedDataField) ([32]byte, error) {
	items, ok := v.([]any)
	if !ok {
		return [32]byte{}, fmt.Errorf("expected []any for array type %q[]", elemType)
	}
	buf := make([]byte, 0, 32*len(items))
	for _, item := range items {
		word, err := encodeValue(elemType, item, types)
		if err != nil {
			return [32]byte{}, err
		}
		buf = append(buf, word[:]...)
	}
	return [32]byte(crypto.Keccak256(buf)), nil
}
