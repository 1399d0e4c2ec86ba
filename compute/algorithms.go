package compute

import (
	"container/heap"
	"math"
	"sort"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// Checkpoint is observed by an algorithm at cooperative cancellation
// points — at minimum once per node visited for O(V) algorithms, once per
// edge relaxed for O(E) algorithms (spec §4.5). It returns a Cancelled
// error once the owning task's cancellation flag is set.
type Checkpoint func() error

// Algorithm is the Compute Engine's pluggable analysis contract (spec
// §4.5's "algorithm declares input type, output type, parallelism support,
// complexity class"). Input is always a Graph (or sub-graph) snapshot;
// Output is algorithm-specific and returned as an opaque value for the
// task result slot.
type Algorithm interface {
	Name() string
	SupportsParallel() bool
	Run(snap *model.Snapshot, params map[string]interface{}, checkpoint Checkpoint) (interface{}, error)
}

// Names of the eleven built-in algorithms (spec §4.5).
const (
	AlgoDegreeCentrality      = "DegreeCentrality"
	AlgoBetweennessCentrality = "BetweennessCentrality"
	AlgoClosenessCentrality   = "ClosenessCentrality"
	AlgoEigenvectorCentrality = "EigenvectorCentrality"
	AlgoPageRank              = "PageRank"
	AlgoLouvain               = "Louvain"
	AlgoLabelPropagation      = "LabelPropagation"
	AlgoConnectedComponents   = "ConnectedComponents"
	AlgoDijkstra              = "Dijkstra"
	AlgoBFSLayers             = "BFSLayers"
	AlgoKShortestPaths        = "KShortestPaths"
)

// BuiltinAlgorithms returns a fresh registry of the eleven spec §4.5
// algorithms, ready to pass to NewScheduler.
func BuiltinAlgorithms() map[string]Algorithm {
	return map[string]Algorithm{
		AlgoDegreeCentrality:      degreeCentrality{},
		AlgoBetweennessCentrality: betweennessCentrality{},
		AlgoClosenessCentrality:   closenessCentrality{},
		AlgoEigenvectorCentrality: eigenvectorCentrality{},
		AlgoPageRank:              pageRank{},
		AlgoLouvain:               louvain{},
		AlgoLabelPropagation:      labelPropagation{},
		AlgoConnectedComponents:   connectedComponents{},
		AlgoDijkstra:              dijkstra{},
		AlgoBFSLayers:             bfsLayers{},
		AlgoKShortestPaths:        kShortestPaths{},
	}
}

func componentIDs(snap *model.Snapshot) []string {
	ids := make([]string, 0, len(snap.Components))
	for id := range snap.Components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// neighborsOut/In read the snapshot's adjacency index for componentID,
// resolving relationship ids to their (source,target,weight) triples.
func neighborsOut(snap *model.Snapshot, id string) []*model.Relationship {
	var out []*model.Relationship
	for relID := range snap.Adjacency.Out[id] {
		if r, ok := snap.Relationships[relID]; ok {
			out = append(out, r)
		}
	}
	return out
}

func neighborsIn(snap *model.Snapshot, id string) []*model.Relationship {
	var out []*model.Relationship
	for relID := range snap.Adjacency.In[id] {
		if r, ok := snap.Relationships[relID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// --- Degree Centrality ---

type degreeCentrality struct{}

func (degreeCentrality) Name() string           { return AlgoDegreeCentrality }
func (degreeCentrality) SupportsParallel() bool  { return true }

// Run computes directed degree sum: out-degree + in-degree per component.
func (degreeCentrality) Run(snap *model.Snapshot, _ map[string]interface{}, cp Checkpoint) (interface{}, error) {
	result := make(map[string]int, len(snap.Components))
	for _, id := range componentIDs(snap) {
		if err := cp(); err != nil {
			return nil, err
		}
		result[id] = len(snap.Adjacency.Out[id]) + len(snap.Adjacency.In[id])
	}
	return result, nil
}

// --- Closeness Centrality ---

type closenessCentrality struct{}

func (closenessCentrality) Name() string          { return AlgoClosenessCentrality }
func (closenessCentrality) SupportsParallel() bool { return true }

// Run computes closeness = r / sum(shortest path distances), where r is the
// number of components reachable from the source, using unweighted BFS from
// each component (weight is ignored for closeness; Dijkstra is the weighted
// shortest-path algorithm).
func (closenessCentrality) Run(snap *model.Snapshot, _ map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	result := make(map[string]float64, len(ids))
	for _, src := range ids {
		if err := cp(); err != nil {
			return nil, err
		}
		dist := bfsDistances(snap, src, cp)
		total := 0.0
		reachable := 0
		for _, d := range dist {
			if d > 0 {
				total += float64(d)
				reachable++
			}
		}
		if total == 0 || reachable == 0 {
			result[src] = 0
			continue
		}
		result[src] = float64(reachable) / total
	}
	return result, nil
}

func bfsDistances(snap *model.Snapshot, src string, cp Checkpoint) map[string]int {
	dist := map[string]int{src: 0}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cp != nil {
			cp()
		}
		for _, r := range neighborsOut(snap, cur) {
			if _, seen := dist[r.TargetID]; !seen {
				dist[r.TargetID] = dist[cur] + 1
				queue = append(queue, r.TargetID)
			}
		}
	}
	return dist
}

// --- Betweenness Centrality (Brandes' algorithm, unweighted) ---

type betweennessCentrality struct{}

func (betweennessCentrality) Name() string          { return AlgoBetweennessCentrality }
func (betweennessCentrality) SupportsParallel() bool { return false }

func (betweennessCentrality) Run(snap *model.Snapshot, _ map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	betweenness := make(map[string]float64, len(ids))
	for _, id := range ids {
		betweenness[id] = 0
	}

	for _, s := range ids {
		if err := cp(); err != nil {
			return nil, err
		}

		stack := []string{}
		preds := map[string][]string{}
		sigma := map[string]float64{s: 1}
		dist := map[string]int{s: 0}
		queue := []string{s}

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, r := range neighborsOut(snap, v) {
				w := r.TargetID
				if err := cp(); err != nil {
					return nil, err
				}
				if _, ok := dist[w]; !ok {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		delta := map[string]float64{}
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				if sigma[w] != 0 {
					delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
				}
			}
			if w != s {
				betweenness[w] += delta[w]
			}
		}
	}
	return betweenness, nil
}

// --- Eigenvector Centrality (power iteration) ---

type eigenvectorCentrality struct{}

func (eigenvectorCentrality) Name() string          { return AlgoEigenvectorCentrality }
func (eigenvectorCentrality) SupportsParallel() bool { return true }

func (eigenvectorCentrality) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	x := make(map[string]float64, len(ids))
	for _, id := range ids {
		x[id] = 1.0 / float64(len(ids))
	}

	iterations := intParam(params, "iterations", 100)
	for iter := 0; iter < iterations; iter++ {
		next := make(map[string]float64, len(ids))
		for _, id := range ids {
			if err := cp(); err != nil {
				return nil, err
			}
			sum := 0.0
			for _, r := range neighborsIn(snap, id) {
				sum += x[r.SourceID] * weightOrOne(r.Weight)
			}
			next[id] = sum
		}
		norm := 0.0
		for _, v := range next {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			break
		}
		for id := range next {
			next[id] /= norm
		}
		x = next
	}
	return x, nil
}

func weightOrOne(w float64) float64 {
	if w == 0 {
		return 1
	}
	return w
}

// --- PageRank ---

type pageRank struct{}

func (pageRank) Name() string          { return AlgoPageRank }
func (pageRank) SupportsParallel() bool { return true }

func (pageRank) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	n := len(ids)
	if n == 0 {
		return map[string]float64{}, nil
	}
	damping := floatParam(params, "damping", 0.85)
	iterations := intParam(params, "iterations", 100)

	rank := make(map[string]float64, n)
	for _, id := range ids {
		rank[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < iterations; iter++ {
		next := make(map[string]float64, n)
		danglingSum := 0.0
		for _, id := range ids {
			if len(snap.Adjacency.Out[id]) == 0 {
				danglingSum += rank[id]
			}
		}
		for _, id := range ids {
			if err := cp(); err != nil {
				return nil, err
			}
			sum := 0.0
			for _, r := range neighborsIn(snap, id) {
				outDeg := len(snap.Adjacency.Out[r.SourceID])
				if outDeg > 0 {
					sum += rank[r.SourceID] / float64(outDeg)
				}
			}
			next[id] = (1-damping)/float64(n) + damping*(sum+danglingSum/float64(n))
		}
		rank = next
	}
	return rank, nil
}

func intParam(params map[string]interface{}, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// --- Connected Components (undirected union-find) ---

type connectedComponents struct{}

func (connectedComponents) Name() string          { return AlgoConnectedComponents }
func (connectedComponents) SupportsParallel() bool { return false }

func (connectedComponents) Run(snap *model.Snapshot, _ map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, r := range snap.Relationships {
		if err := cp(); err != nil {
			return nil, err
		}
		union(r.SourceID, r.TargetID)
	}

	result := make(map[string]string, len(ids))
	for _, id := range ids {
		result[id] = find(id)
	}
	return result, nil
}

// --- Label Propagation ---

type labelPropagation struct{}

func (labelPropagation) Name() string          { return AlgoLabelPropagation }
func (labelPropagation) SupportsParallel() bool { return false }

func (labelPropagation) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	labels := make(map[string]string, len(ids))
	for _, id := range ids {
		labels[id] = id
	}

	iterations := intParam(params, "iterations", 20)
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for _, id := range ids {
			if err := cp(); err != nil {
				return nil, err
			}
			counts := map[string]int{}
			for _, r := range neighborsOut(snap, id) {
				counts[labels[r.TargetID]]++
			}
			for _, r := range neighborsIn(snap, id) {
				counts[labels[r.SourceID]]++
			}
			best, bestCount := labels[id], 0
			bestLabels := []string{}
			for label, count := range counts {
				if count > bestCount {
					bestCount = count
					bestLabels = []string{label}
				} else if count == bestCount {
					bestLabels = append(bestLabels, label)
				}
			}
			if bestCount > 0 {
				sort.Strings(bestLabels)
				best = bestLabels[0]
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels, nil
}

// --- Louvain (single-level modularity greedy merge — a simplified,
// deterministic approximation suitable for the engine's interactive use) ---

type louvain struct{}

func (louvain) Name() string          { return AlgoLouvain }
func (louvain) SupportsParallel() bool { return false }

func (louvain) Run(snap *model.Snapshot, _ map[string]interface{}, cp Checkpoint) (interface{}, error) {
	ids := componentIDs(snap)
	community := make(map[string]string, len(ids))
	for _, id := range ids {
		community[id] = id
	}

	degree := make(map[string]float64, len(ids))
	totalWeight := 0.0
	for _, r := range snap.Relationships {
		w := weightOrOne(r.Weight)
		degree[r.SourceID] += w
		degree[r.TargetID] += w
		totalWeight += w
	}
	if totalWeight == 0 {
		return community, nil
	}

	improved := true
	for improved {
		improved = false
		for _, id := range ids {
			if err := cp(); err != nil {
				return nil, err
			}
			neighborWeight := map[string]float64{}
			for _, r := range neighborsOut(snap, id) {
				neighborWeight[community[r.TargetID]] += weightOrOne(r.Weight)
			}
			for _, r := range neighborsIn(snap, id) {
				neighborWeight[community[r.SourceID]] += weightOrOne(r.Weight)
			}

			comms := make([]string, 0, len(neighborWeight))
			for comm := range neighborWeight {
				comms = append(comms, comm)
			}
			sort.Strings(comms)

			best := community[id]
			bestGain := 0.0
			for _, comm := range comms {
				w := neighborWeight[comm]
				gain := w - (degree[id] * degree[id] / (2 * totalWeight))
				if gain > bestGain {
					bestGain = gain
					best = comm
				}
			}
			if best != community[id] {
				community[id] = best
				improved = true
			}
		}
	}
	return community, nil
}

// --- Dijkstra shortest paths from a source ---

type dijkstra struct{}

func (dijkstra) Name() string          { return AlgoDijkstra }
func (dijkstra) SupportsParallel() bool { return false }

type pqItem struct {
	id   string
	dist float64
}
type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// DijkstraResult is the output shape for Dijkstra/k-shortest-paths.
type DijkstraResult struct {
	Distances map[string]float64 `json:"distances"`
	Previous  map[string]string  `json:"previous"`
}

func (dijkstra) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	source := stringParam(params, "source", "")
	if source == "" {
		return nil, errors.InvalidArgument("source", "Dijkstra requires a source component id")
	}
	if _, ok := snap.Components[source]; !ok {
		return nil, errors.NotFound("component", source)
	}

	dist := map[string]float64{source: 0}
	prev := map[string]string{}
	pq := &priorityQueue{{id: source, dist: 0}}
	heap.Init(pq)
	visited := map[string]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true

		for _, r := range neighborsOut(snap, item.id) {
			if err := cp(); err != nil {
				return nil, err
			}
			w := weightOrOne(r.Weight)
			nd := dist[item.id] + w
			if cur, ok := dist[r.TargetID]; !ok || nd < cur {
				dist[r.TargetID] = nd
				prev[r.TargetID] = item.id
				heap.Push(pq, pqItem{id: r.TargetID, dist: nd})
			}
		}
	}
	return DijkstraResult{Distances: dist, Previous: prev}, nil
}

// --- BFS Layers (unweighted level sets from a source) ---

type bfsLayers struct{}

func (bfsLayers) Name() string          { return AlgoBFSLayers }
func (bfsLayers) SupportsParallel() bool { return false }

func (bfsLayers) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	source := stringParam(params, "source", "")
	if source == "" {
		return nil, errors.InvalidArgument("source", "BFSLayers requires a source component id")
	}
	if _, ok := snap.Components[source]; !ok {
		return nil, errors.NotFound("component", source)
	}

	dist := bfsDistances(snap, source, cp)
	layers := map[int][]string{}
	for id, d := range dist {
		layers[d] = append(layers[d], id)
	}
	for d := range layers {
		sort.Strings(layers[d])
	}
	return layers, nil
}

// --- k-Shortest-Paths (Yen's algorithm over Dijkstra) ---

type kShortestPaths struct{}

func (kShortestPaths) Name() string          { return AlgoKShortestPaths }
func (kShortestPaths) SupportsParallel() bool { return false }

// Path is one candidate route with its total weight.
type Path struct {
	Nodes  []string `json:"nodes"`
	Weight float64  `json:"weight"`
}

func (kShortestPaths) Run(snap *model.Snapshot, params map[string]interface{}, cp Checkpoint) (interface{}, error) {
	source := stringParam(params, "source", "")
	target := stringParam(params, "target", "")
	k := intParam(params, "k", 1)
	if source == "" || target == "" {
		return nil, errors.InvalidArgument("source/target", "KShortestPaths requires source and target component ids")
	}

	shortest, err := shortestPath(snap, source, target, nil, cp)
	if err != nil {
		return nil, err
	}
	if shortest == nil {
		return []Path{}, nil
	}

	paths := []Path{*shortest}
	candidates := []Path{}
	seen := map[string]bool{pathKey(shortest.Nodes): true}

	for len(paths) < k {
		last := paths[len(paths)-1]
		for i := 0; i < len(last.Nodes)-1; i++ {
			if err := cp(); err != nil {
				return nil, err
			}
			spurNode := last.Nodes[i]
			rootPath := last.Nodes[:i+1]

			removed := map[string]bool{}
			for _, p := range paths {
				if len(p.Nodes) > i && pathPrefixEqual(p.Nodes[:i+1], rootPath) {
					if i+1 < len(p.Nodes) {
						removed[edgeKeyStr(p.Nodes[i], p.Nodes[i+1])] = true
					}
				}
			}

			spurPath, serr := shortestPath(snap, spurNode, target, removed, cp)
			if serr != nil || spurPath == nil {
				continue
			}
			total := append(append([]string{}, rootPath[:len(rootPath)-1]...), spurPath.Nodes...)
			key := pathKey(total)
			if seen[key] {
				continue
			}
			candidates = append(candidates, Path{Nodes: total, Weight: pathWeight(snap, rootPath, spurPath)})
		}

		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Weight < candidates[j].Weight })
		next := candidates[0]
		candidates = candidates[1:]
		seen[pathKey(next.Nodes)] = true
		paths = append(paths, next)
	}

	return paths, nil
}

func pathKey(nodes []string) string {
	key := ""
	for _, n := range nodes {
		key += n + "\x00"
	}
	return key
}

func pathPrefixEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func edgeKeyStr(a, b string) string { return a + "->" + b }

// pathWeight sums the root segment's edge weights (source up to the spur
// node) plus the spur path's own weight, since spur.Weight alone only
// covers spurNode->target and silently drops the root segment whenever the
// spur node isn't the source itself.
func pathWeight(snap *model.Snapshot, root []string, spur *Path) float64 {
	return rootPathWeight(snap, root) + spur.Weight
}

func rootPathWeight(snap *model.Snapshot, nodes []string) float64 {
	var total float64
	for i := 0; i+1 < len(nodes); i++ {
		for _, r := range neighborsOut(snap, nodes[i]) {
			if r.TargetID == nodes[i+1] {
				total += weightOrOne(r.Weight)
				break
			}
		}
	}
	return total
}

// shortestPath runs Dijkstra from source to target, skipping any edge
// whose (source,target) key is present in removedEdges.
func shortestPath(snap *model.Snapshot, source, target string, removedEdges map[string]bool, cp Checkpoint) (*Path, error) {
	dist := map[string]float64{source: 0}
	prev := map[string]string{}
	pq := &priorityQueue{{id: source, dist: 0}}
	heap.Init(pq)
	visited := map[string]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true
		if item.id == target {
			break
		}

		for _, r := range neighborsOut(snap, item.id) {
			if cp != nil {
				if err := cp(); err != nil {
					return nil, err
				}
			}
			if removedEdges != nil && removedEdges[edgeKeyStr(r.SourceID, r.TargetID)] {
				continue
			}
			w := weightOrOne(r.Weight)
			nd := dist[item.id] + w
			if curr, ok := dist[r.TargetID]; !ok || nd < curr {
				dist[r.TargetID] = nd
				prev[r.TargetID] = item.id
				heap.Push(pq, pqItem{id: r.TargetID, dist: nd})
			}
		}
	}

	if _, ok := dist[target]; !ok {
		return nil, nil
	}
	nodes := []string{target}
	cur := target
	for cur != source {
		p, ok := prev[cur]
		if !ok {
			return nil, nil
		}
		nodes = append([]string{p}, nodes...)
		cur = p
	}
	return &Path{Nodes: nodes, Weight: dist[target]}, nil
}
