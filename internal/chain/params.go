package chain

import "math/big"

// ContractParam is a typed invocation parameter in the node's JSON format.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
}

// NewIntegerParam creates an Integer parameter.
func NewIntegerParam(v *big.Int) ContractParam {
	if v == nil {
		v = big.NewInt(0)
	}
	return ContractParam{Type: "Integer", Value: v.String()}
}

// NewStringParam creates a String parameter.
func NewStringParam(v string) ContractParam {
	return ContractParam{Type: "String", Value: v}
}

// NewHash160Param creates a Hash160 parameter. The hash is given in 0x-prefixed
// display order.
func NewHash160Param(v string) ContractParam {
	return ContractParam{Type: "Hash160", Value: v}
}
