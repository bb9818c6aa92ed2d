// Package recall provides a persistent hierarchical memory store for
// AI coding-agent transcripts.
//
// Transcripts are modeled as a five-level hierarchy (agent, session,
// message, block, statement) kept in mmap-backed structure-of-arrays
// files, fronted by a CRC-checked write-ahead log for crash recovery.
// Retrieval combines per-level HNSW vector search with an exact-match
// inverted index and ranks the merged candidates by relevance, recency
// and level priority under a token budget.
//
// # Quick Start
//
//	m, _ := hierarchy.Open("./data", func(o *hierarchy.Options) {
//		o.Dimension = 384
//	})
//	defer m.Close()
//
//	agent, _ := m.CreateAgent("agent-1")
//	session, _ := m.CreateSession(agent, "session-1")
//	msg, _ := m.CreateMessage(session)
//	_ = m.SetText(msg, "refactored the retry loop")
//	_ = m.SetEmbedding(msg, vector)
//
//	eng, _ := search.New(func(o *search.Options) { o.Dimension = 384 })
//	_ = eng.Index(msg, core.LevelMessage, time.Now(), vector, tokens)
//	results, _ := eng.Search(ctx, search.Query{Vector: query, K: 10})
//	results = search.ApplyBudget(results, 4000)
//
// The root package holds the shared Logger and MetricsCollector; the
// store itself lives in the hierarchy and search packages.
package recall
