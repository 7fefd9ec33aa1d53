package lock

import (
	"sort"
	"time"

	"coredb/txn"
)

// runDetector is the background loop: every detectorInterval it rebuilds
// the wait-for graph from every table and row queue, repeatedly finds
// and aborts the youngest transaction in any cycle until the graph is
// acyclic, then clears its working state and sleeps again.
func (m *Manager) runDetector() {
	defer close(m.detectorDone)
	ticker := time.NewTicker(m.detectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.detectorStop:
			return
		case <-ticker.C:
			m.runDetectionCycle()
		}
	}
}

// runDetectionCycle performs one full sweep: rebuild, break every cycle,
// repeat until the graph it sees is acyclic.
func (m *Manager) runDetectionCycle() {
	for {
		graph := m.buildWaitForGraph()
		victim, found := findCycle(graph)
		if !found {
			return
		}
		m.abortVictim(victim)
	}
}

// buildWaitForGraph adds an edge waiter -> holder for every non-granted
// request and every granted request in the same queue, across every
// table and row queue. Adjacency lists are sorted ascending so the
// cycle search's tie-break is deterministic.
func (m *Manager) buildWaitForGraph() map[txn.ID][]txn.ID {
	graph := make(map[txn.ID][]txn.ID)
	add := func(from, to txn.ID) {
		graph[from] = append(graph[from], to)
	}

	scan := func(q *requestQueue) {
		q.mu.Lock()
		var granted []*request
		for e := q.requests.Front(); e != nil; e = e.Next() {
			r := e.Value.(*request)
			if r.granted {
				granted = append(granted, r)
				continue
			}
			for _, g := range granted {
				add(r.txn.ID(), g.txn.ID())
			}
		}
		q.mu.Unlock()
	}

	m.tableMapMu.Lock()
	tables := make([]*requestQueue, 0, len(m.tableQueue))
	for _, q := range m.tableQueue {
		tables = append(tables, q)
	}
	m.tableMapMu.Unlock()
	for _, q := range tables {
		scan(q)
	}

	m.rowMapMu.Lock()
	rows := make([]*requestQueue, 0, len(m.rowQueue))
	for _, q := range m.rowQueue {
		rows = append(rows, q)
	}
	m.rowMapMu.Unlock()
	for _, q := range rows {
		scan(q)
	}

	for id := range graph {
		sort.Slice(graph[id], func(i, j int) bool { return graph[id][i] < graph[id][j] })
	}
	return graph
}

// findCycle runs DFS from every node in ascending id order. On the
// first cycle found, the victim is the youngest (maximum id) node on
// the cyclic portion of the DFS stack.
func findCycle(graph map[txn.ID][]txn.ID) (txn.ID, bool) {
	ids := make([]txn.ID, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[txn.ID]bool)
	onStack := make(map[txn.ID]bool)
	var stack []txn.ID
	var victim txn.ID
	found := false

	var dfs func(u txn.ID) bool
	dfs = func(u txn.ID) bool {
		visited[u] = true
		onStack[u] = true
		stack = append(stack, u)
		for _, v := range graph[u] {
			if onStack[v] {
				victim = youngestFrom(stack, v)
				found = true
				return true
			}
			if !visited[v] {
				if dfs(v) {
					return true
				}
			}
		}
		onStack[u] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}
	return victim, found
}

// youngestFrom returns the maximum id among stack[indexOf(v):], the
// cyclic suffix of the DFS stack once it closes back on v.
func youngestFrom(stack []txn.ID, v txn.ID) txn.ID {
	start := 0
	for i, id := range stack {
		if id == v {
			start = i
			break
		}
	}
	max := stack[start]
	for _, id := range stack[start:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abortVictim sets the victim transaction's state to Aborted when it has a
// non-granted request in some queue, and wakes every queue so the victim's
// own goroutine (blocked in waitAndGrant) notices, removes its request and
// unwinds, and so anyone it had blocked can recheck grantability. Locks
// the victim already holds stay granted.
func (m *Manager) abortVictim(victim txn.ID) {
	var abortedAny bool

	mark := func(q *requestQueue) {
		q.mu.Lock()
		if e := q.findByTxn(victim); e != nil && !e.Value.(*request).granted {
			t := e.Value.(*request).txn
			t.SetState(txn.Aborted)
			abortedAny = true
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	m.tableMapMu.Lock()
	tables := make([]*requestQueue, 0, len(m.tableQueue))
	for _, q := range m.tableQueue {
		tables = append(tables, q)
	}
	m.tableMapMu.Unlock()
	for _, q := range tables {
		mark(q)
	}

	m.rowMapMu.Lock()
	rows := make([]*requestQueue, 0, len(m.rowQueue))
	for _, q := range m.rowQueue {
		rows = append(rows, q)
	}
	m.rowMapMu.Unlock()
	for _, q := range rows {
		mark(q)
	}

	if abortedAny {
		m.log.WithField("txn_id", victim).Warn("lock manager aborted transaction to break a deadlock cycle")
	}
}
