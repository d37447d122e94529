// Package model contains types shared by all grid components.
package model

import (
	"slices"
	"strings"
)

// Address identifies a grid node, it is the node ID announced in the membership.
// Addresses are totally ordered by the string comparison.
type Address string

// Addresses is an ordered owner list, primary owner first.
type Addresses []Address

// Entry is a stored key with the encoded value.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Member of the cluster with the capacity factor.
// RPCAddress is the network address of the node, Address is only its identity.
type Member struct {
	Address        Address `json:"address"`
	RPCAddress     string  `json:"rpcAddress,omitempty"`
	CapacityFactor float64 `json:"capacityFactor"`
}

func (v Address) String() string {
	return string(v)
}

func (v Addresses) Contains(addr Address) bool {
	return slices.Contains(v, addr)
}

// Without returns a copy of the list without the address.
func (v Addresses) Without(addr Address) Addresses {
	out := make(Addresses, 0, len(v))
	for _, item := range v {
		if item != addr {
			out = append(out, item)
		}
	}
	return out
}

// Sorted returns a sorted copy of the list.
func (v Addresses) Sorted() Addresses {
	out := slices.Clone(v)
	slices.Sort(out)
	return out
}

func (v Addresses) String() string {
	parts := make([]string, len(v))
	for i, addr := range v {
		parts[i] = string(addr)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
