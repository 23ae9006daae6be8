// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package pipeline_test

import (
	"fmt"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

func rec(path string) pipeline.RateSnapshot {
	return pipeline.RateSnapshot{EntityID: path, Path: path}
}

// flatten renders a tree into a canonical string so two builds can be
// compared structurally.
func flatten(nodes []*pipeline.Node) string {
	var out string
	var walk func(n *pipeline.Node, prefix string)
	walk = func(n *pipeline.Node, prefix string) {
		out += fmt.Sprintf("%s%s(%s)\n", prefix, n.Name, n.Kind)
		for _, c := range n.Children() {
			walk(c, prefix+"  ")
		}
	}
	for _, n := range nodes {
		walk(n, "")
	}
	return out
}

func permutations(in []pipeline.RateSnapshot) [][]pipeline.RateSnapshot {
	if len(in) <= 1 {
		return [][]pipeline.RateSnapshot{in}
	}
	var out [][]pipeline.RateSnapshot
	for i := range in {
		rest := make([]pipeline.RateSnapshot, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]pipeline.RateSnapshot{in[i]}, p...))
		}
	}
	return out
}

func TestBuild_PoolVdevDisk(t *testing.T) {
	b := pipeline.NewHierarchyBuilder(testr.New(t))

	nodes := b.Build([]pipeline.RateSnapshot{
		rec("tank"),
		rec("tank/mirror-0"),
		rec("tank/mirror-0/sda"),
		rec("tank/mirror-0/sdb"),
	})

	require.Len(t, nodes, 1)
	pool := nodes[0]
	assert.Equal(t, "tank", pool.Name)
	assert.Equal(t, pipeline.KindRoot, pool.Kind)

	vdev := pool.Child("mirror-0")
	require.NotNil(t, vdev)
	assert.Equal(t, pipeline.KindBranch, vdev.Kind)

	require.NotNil(t, vdev.Child("sda"))
	require.NotNil(t, vdev.Child("sdb"))
	assert.Equal(t, pipeline.KindLeaf, vdev.Child("sda").Kind)
}

func TestBuild_OrderIndependence(t *testing.T) {
	records := []pipeline.RateSnapshot{
		rec("tank"),
		rec("tank/mirror-0"),
		rec("tank/mirror-0/sda"),
	}

	b := pipeline.NewHierarchyBuilder(testr.New(t))
	want := flatten(b.Build(records))

	perms := permutations(records)
	require.Len(t, perms, 6)
	for i, p := range perms {
		got := flatten(b.Build(p))
		assert.Equal(t, want, got, "permutation %d produced a different tree", i)
	}
}

func TestBuild_MatchesOrderedVariant(t *testing.T) {
	records := []pipeline.RateSnapshot{
		rec("tank"),
		rec("tank/mirror-0"),
		rec("tank/mirror-0/sda"),
		rec("tank/mirror-0/sdb"),
		rec("backup"),
		rec("backup/sdc"), // single-disk pool, no vdev layer
		rec("scratch"),
	}

	b := pipeline.NewHierarchyBuilder(testr.New(t))
	assert.Equal(t, flatten(b.BuildOrdered(records)), flatten(b.Build(records)),
		"both builder variants must produce identical trees for ordered input")
}

func TestBuild_IndividualLeafAttachesToRoot(t *testing.T) {
	b := pipeline.NewHierarchyBuilder(testr.New(t))

	nodes := b.Build([]pipeline.RateSnapshot{
		rec("backup"),
		rec("backup/none/sdc"),
	})

	require.Len(t, nodes, 1)
	leaf := nodes[0].Child("sdc")
	require.NotNil(t, leaf, "leaf with no matching branch attaches directly to the root")
	assert.Equal(t, pipeline.KindLeaf, leaf.Kind)
}

func TestBuild_OrphanGetsPlaceholderRoot(t *testing.T) {
	b := pipeline.NewHierarchyBuilder(testr.New(t))

	nodes := b.Build([]pipeline.RateSnapshot{
		rec("ghost/mirror-0"),
	})

	require.Len(t, nodes, 1)
	assert.Equal(t, "ghost", nodes[0].Name)
	assert.True(t, nodes[0].Placeholder)
	require.NotNil(t, nodes[0].Child("mirror-0"))
}

func TestBuild_StrictDropsOrphans(t *testing.T) {
	b := pipeline.NewStrictHierarchyBuilder(testr.New(t))

	nodes := b.Build([]pipeline.RateSnapshot{
		rec("tank"),
		rec("ghost/mirror-0"),
	})

	require.Len(t, nodes, 1)
	assert.Equal(t, "tank", nodes[0].Name)
}

func TestBuildOrdered_ChildBeforeRootSkipped(t *testing.T) {
	b := pipeline.NewHierarchyBuilder(testr.New(t))

	nodes := b.BuildOrdered([]pipeline.RateSnapshot{
		rec("orphan/mirror-0"),
		rec("tank"),
		rec("tank/mirror-0"),
	})

	require.Len(t, nodes, 1)
	assert.Equal(t, "tank", nodes[0].Name)
	assert.NotNil(t, nodes[0].Child("mirror-0"))
}

func TestBuild_MultiplePoolsInterleaved(t *testing.T) {
	b := pipeline.NewHierarchyBuilder(testr.New(t))

	nodes := b.Build([]pipeline.RateSnapshot{
		rec("tank/mirror-0"),
		rec("backup/sdc"),
		rec("tank"),
		rec("backup"),
		rec("tank/mirror-0/sda"),
	})

	require.Len(t, nodes, 2)
	byName := map[string]*pipeline.Node{nodes[0].Name: nodes[0], nodes[1].Name: nodes[1]}
	require.Contains(t, byName, "tank")
	require.Contains(t, byName, "backup")
	assert.False(t, byName["tank"].Placeholder)
	require.NotNil(t, byName["tank"].Child("mirror-0").Child("sda"))
}
