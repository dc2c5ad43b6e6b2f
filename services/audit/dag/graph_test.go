// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

func noop(name string) *FuncNode {
	return NewFuncNode(name, KindGeneric, func(context.Context, Input) (*state.Update, error) {
		return nil, nil
	})
}

func TestBuilder_Build(t *testing.T) {
	g, err := NewBuilder("audit").
		AddNode(noop("a")).
		AddNode(noop("b")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if g.Name() != "audit" {
		t.Errorf("Name() = %q, want audit", g.Name())
	}
	if g.NodeCount() != 2 {
		t.Errorf("NodeCount() = %d, want 2", g.NodeCount())
	}
	if !g.IsAncestor("a", "b") || g.IsAncestor("b", "a") {
		t.Error("ancestor relation is wrong")
	}
	if got := g.NodeNames(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("NodeNames() = %v", got)
	}
}

func TestBuilder_Errors(t *testing.T) {
	router := func(state.WorkflowState) Route { return Goto("a") }

	tests := []struct {
		name  string
		build func() (*Graph, error)
		want  error
	}{
		{
			name:  "nil node",
			build: func() (*Graph, error) { return NewBuilder("g").AddNode(nil).Build() },
			want:  ErrNilNode,
		},
		{
			name: "duplicate node",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).AddNode(noop("a")).AddEdge(Start, "a").Build()
			},
			want: ErrDuplicateNode,
		},
		{
			name:  "reserved name",
			build: func() (*Graph, error) { return NewBuilder("g").AddNode(noop(End)).Build() },
			want:  ErrReservedName,
		},
		{
			name:  "empty graph",
			build: func() (*Graph, error) { return NewBuilder("g").Build() },
			want:  ErrInvalidInput,
		},
		{
			name: "unknown edge target",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).AddEdge(Start, "a").AddEdge("a", "ghost").Build()
			},
			want: ErrNodeNotFound,
		},
		{
			name: "unknown conditional target",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).AddConditionalEdges(Start, router, "a", "ghost").Build()
			},
			want: ErrNodeNotFound,
		},
		{
			name: "no entry",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).AddEdge("a", End).Build()
			},
			want: ErrNoEntry,
		},
		{
			name: "unreachable",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).AddNode(noop("b")).AddEdge(Start, "a").Build()
			},
			want: ErrUnreachableNode,
		},
		{
			name: "cycle",
			build: func() (*Graph, error) {
				return NewBuilder("g").
					AddNode(noop("a")).AddNode(noop("b")).AddNode(noop("c")).
					AddEdge(Start, "a").AddEdge("a", "b").AddEdge("b", "c").
					AddConditionalEdges("c", router, "a").
					Build()
			},
			want: ErrCycleDetected,
		},
		{
			name: "two routers",
			build: func() (*Graph, error) {
				return NewBuilder("g").AddNode(noop("a")).
					AddConditionalEdges(Start, router, "a").
					AddConditionalEdges(Start, router, "a").
					Build()
			},
			want: ErrDuplicateRouter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuilder_CycleErrorPath(t *testing.T) {
	_, err := NewBuilder("g").
		AddNode(noop("a")).AddNode(noop("b")).
		AddEdge(Start, "a").AddEdge("a", "b").AddEdge("b", "a").
		Build()

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Build() error = %v, want *CycleError", err)
	}
	if !slices.Equal(cycle.Path, []string{"a", "b", "a"}) {
		t.Errorf("cycle path = %v, want [a b a]", cycle.Path)
	}
}

func TestGraph_RouteRejectsUndeclaredTarget(t *testing.T) {
	g, err := NewBuilder("g").
		AddNode(noop("a")).AddNode(noop("b")).
		AddConditionalEdges(Start, func(state.WorkflowState) Route { return Goto("a", "b") }, "a").
		AddEdge("a", "b").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, err = g.route(Start, state.New(nil))
	if !errors.Is(err, ErrUndeclaredTarget) || !state.IsConfigError(err) {
		t.Fatalf("route() error = %v, want config error wrapping ErrUndeclaredTarget", err)
	}
}
