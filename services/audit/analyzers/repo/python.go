// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repo

import (
	"context"
	"fmt"
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Edge is one add_edge call.
type Edge struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// PythonFacts is what one Python file reveals about a graph-based agent.
type PythonFacts struct {
	File string

	// GraphVars are the variables assigned a StateGraph(...) call.
	GraphVars []string

	Edges            []Edge
	ConditionalEdges int

	// CompiledOnGraph is true when .compile() is called on a graph variable.
	CompiledOnGraph bool

	// Annotated is true when some annotation uses Annotated[...].
	Annotated bool

	// Reducers are operator attributes found inside Annotated[...], e.g.
	// "add" or "ior".
	Reducers []string

	// UnsafeCalls are shell-capable or dynamic-code calls with their line.
	UnsafeCalls []string

	SyntaxErrors bool
}

var unsafeCallees = map[string]bool{
	"os.system": true,
	"os.popen":  true,
	"eval":      true,
	"exec":      true,
}

var reducerAttrs = map[string]bool{"add": true, "ior": true}

// ParsePython extracts PythonFacts from Python source.
//
// Description:
//
//	Uses a fresh tree-sitter parser per call. Facts are read from call,
//	assignment and annotation nodes; string and identifier arguments of
//	add_edge are both accepted as node names.
//
// Thread Safety:
//
//	Safe for concurrent use.
func ParsePython(ctx context.Context, file string, src []byte) (*PythonFacts, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse %s: %w", file, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	facts := &PythonFacts{File: file}
	if root == nil {
		return facts, nil
	}
	facts.SyntaxErrors = root.HasError()

	w := pyWalker{src: src, facts: facts}
	w.walk(root)

	// Resolved after the walk so that assignment order does not matter.
	for _, recv := range w.compileReceivers {
		if slices.Contains(facts.GraphVars, recv) {
			facts.CompiledOnGraph = true
		}
	}
	return facts, nil
}

type pyWalker struct {
	src              []byte
	facts            *PythonFacts
	compileReceivers []string
}

func (w *pyWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(w.src)
}

func (w *pyWalker) walk(n *sitter.Node) {
	switch n.Type() {
	case "call":
		w.call(n)
	case "assignment":
		w.assignment(n)
	case "typed_parameter", "typed_default_parameter":
		w.annotation(n.ChildByFieldName("type"))
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

func (w *pyWalker) assignment(n *sitter.Node) {
	w.annotation(n.ChildByFieldName("type"))

	right := n.ChildByFieldName("right")
	left := n.ChildByFieldName("left")
	if right == nil || left == nil || right.Type() != "call" || left.Type() != "identifier" {
		return
	}
	if isStateGraph(w.text(right.ChildByFieldName("function"))) {
		w.facts.GraphVars = append(w.facts.GraphVars, w.text(left))
	}
}

func isStateGraph(callee string) bool {
	return callee == "StateGraph" || strings.HasSuffix(callee, ".StateGraph")
}

func (w *pyWalker) annotation(typ *sitter.Node) {
	if typ == nil {
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(w.text(typ)), "Annotated[") {
		return
	}
	w.facts.Annotated = true
	w.collectReducers(typ)
}

func (w *pyWalker) collectReducers(n *sitter.Node) {
	if n.Type() == "attribute" {
		attr := w.text(n.ChildByFieldName("attribute"))
		if reducerAttrs[attr] && !slices.Contains(w.facts.Reducers, attr) {
			w.facts.Reducers = append(w.facts.Reducers, attr)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.collectReducers(n.NamedChild(i))
	}
}

func (w *pyWalker) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	callee := w.text(fn)
	args := n.ChildByFieldName("arguments")
	line := int(n.StartPoint().Row) + 1

	if unsafeCallees[callee] {
		w.facts.UnsafeCalls = append(w.facts.UnsafeCalls, fmt.Sprintf("%s (line %d)", callee, line))
	}
	if strings.HasPrefix(callee, "subprocess.") && w.hasShellTrue(args) {
		w.facts.UnsafeCalls = append(w.facts.UnsafeCalls, fmt.Sprintf("%s(shell=True) (line %d)", callee, line))
	}

	if fn == nil || fn.Type() != "attribute" {
		return
	}
	switch w.text(fn.ChildByFieldName("attribute")) {
	case "add_edge":
		pos := w.positional(args)
		if len(pos) >= 2 {
			src, dst := w.nodeName(pos[0]), w.nodeName(pos[1])
			if src != "" && dst != "" {
				w.facts.Edges = append(w.facts.Edges, Edge{Src: src, Dst: dst})
			}
		}
	case "add_conditional_edges":
		w.facts.ConditionalEdges++
	case "compile":
		obj := fn.ChildByFieldName("object")
		if obj != nil && obj.Type() == "identifier" {
			w.compileReceivers = append(w.compileReceivers, w.text(obj))
		}
	}
}

func (w *pyWalker) positional(args *sitter.Node) []*sitter.Node {
	if args == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		switch c.Type() {
		case "keyword_argument", "comment", "list_splat", "dictionary_splat":
			continue
		}
		out = append(out, c)
	}
	return out
}

func (w *pyWalker) hasShellTrue(args *sitter.Node) bool {
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		if c.Type() != "keyword_argument" {
			continue
		}
		if w.text(c.ChildByFieldName("name")) == "shell" && w.text(c.ChildByFieldName("value")) == "True" {
			return true
		}
	}
	return false
}

// nodeName resolves a graph node argument: a string literal or a name such
// as START.
func (w *pyWalker) nodeName(n *sitter.Node) string {
	switch n.Type() {
	case "string":
		return strings.Trim(w.text(n), `"'`)
	case "identifier", "attribute":
		return w.text(n)
	default:
		return ""
	}
}
