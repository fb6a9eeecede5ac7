/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/netsift/netsift/classify"
)

// filterEnv is the variable set visible to filter expressions.
type filterEnv struct {
	Proto    string `expr:"proto"`
	Version  int    `expr:"version"`
	Src      string `expr:"src"`
	Dst      string `expr:"dst"`
	SrcPort  int    `expr:"sport"`
	DstPort  int    `expr:"dport"`
	Fragment bool   `expr:"fragment"`
	Length   int    `expr:"length"`
	IfIndex  int    `expr:"ifindex"`
}

func newFilterEnv(m classify.Meta) filterEnv {
	env := filterEnv{
		Proto:    m.Proto,
		Version:  m.Version,
		SrcPort:  int(m.SrcPort),
		DstPort:  int(m.DstPort),
		Fragment: m.Fragment,
		Length:   m.Length,
		IfIndex:  int(m.IfIndex),
	}
	if m.Src.IsValid() {
		env.Src = m.Src.String()
	}
	if m.Dst.IsValid() {
		env.Dst = m.Dst.String()
	}
	return env
}

// Filter is a compiled packet filter. A nil *Filter matches everything.
type Filter struct {
	program *vm.Program
	source  string
}

// NewFilter compiles src. An empty source yields a nil filter.
func NewFilter(src string) (*Filter, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}
	return &Filter{program: program, source: src}, nil
}

// Match evaluates the filter against m.
func (f *Filter) Match(m classify.Meta) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, newFilterEnv(m))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
