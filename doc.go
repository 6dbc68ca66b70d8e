// Package livingmemory gives conversational agents a long-term memory with a
// lifecycle: conversations are distilled into memories, stored, recalled into
// new prompts, and eventually forgotten.
//
// livingmemory is a 100% pure Go library built on SQLite using
// modernc.org/sqlite (NO CGO REQUIRED!). A single database file plus one
// index snapshot hold everything: memory content, metadata, the FTS5 keyword
// index and the dense vector index it searches with.
//
// # Key Features
//
//   - 🧠 Reflection - An LLM distills conversation history into discrete,
//     importance-scored memory events.
//   - 🔍 Hybrid Recall - Dense vector search and BM25 keyword search fused by
//     nine pluggable strategies (RRF, weighted, convex, cascade, ...).
//   - ⏳ Forgetting - A background agent decays importance over time and
//     prunes memories that age below threshold.
//   - 🗂️ Scoped Memories - Session and persona filters push down into SQL so
//     an agent only recalls what it should know.
//   - 🔧 100% Pure Go - Easy cross-compilation and single-file deployment.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/liliang-cn/livingmemory"
//	    "github.com/liliang-cn/livingmemory/pkg/config"
//	    "github.com/liliang-cn/livingmemory/pkg/memory"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    cfg := config.Default()
//	    cfg.DataDir = "data"
//	    cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
//
//	    engine, err := livingmemory.Open(ctx, cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer engine.Close()
//
//	    // Store a memory directly...
//	    id, _ := engine.Memory().Add(ctx, memory.AddInput{
//	        Content:    "User prefers concise answers",
//	        Importance: 0.8,
//	        EventType:  memory.EventPreference,
//	    })
//
//	    // ...and recall it later.
//	    hits, _ := engine.Recall().Recall(ctx, "how should I answer?", "", "", 5)
//	    _ = id
//	    _ = hits
//	}
//
// For chat-bot integration, pkg/plugin wraps the engine in pre/post LLM hooks
// that inject recalled memories into the system prompt and trigger reflection
// every N conversation rounds.
package livingmemory
