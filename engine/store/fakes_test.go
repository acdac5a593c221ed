package store

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-collision/pkg/repo"
)

// graphFake answers the Cypher issued by repo.Neo4jRepo from an in-memory
// node table.
type graphFake struct {
	mu    sync.Mutex
	nodes map[string]map[string]any
}

func newGraphFake() *graphFake { return &graphFake{nodes: map[string]map[string]any{}} }

func (g *graphFake) sessions(context.Context) repo.Runner { return g }

type rows struct {
	recs []*neo4j.Record
	i    int
}

func (r *rows) Next(context.Context) bool {
	if r.i >= len(r.recs) {
		return false
	}
	r.i++
	return true
}
func (r *rows) Record() *neo4j.Record { return r.recs[r.i-1] }
func (r *rows) Err() error            { return nil }

func rowOf(props map[string]any) *neo4j.Record {
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return &neo4j.Record{Keys: []string{"n"}, Values: []any{neo4j.Node{Labels: []string{"Estimate"}, Props: cp}}}
}

var whereRe = regexp.MustCompile(`n\.(\w+) = \$(f\d+)`)

func (g *graphFake) Run(_ context.Context, cypher string, params map[string]any) (repo.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case strings.HasPrefix(cypher, "CREATE CONSTRAINT"):
		return &rows{}, nil
	case strings.HasPrefix(cypher, "CREATE (n:Estimate"):
		props := params["props"].(map[string]any)
		id := props["id"].(string)
		if _, ok := g.nodes[id]; ok {
			return nil, &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed"}
		}
		g.nodes[id] = props
		return &rows{recs: []*neo4j.Record{rowOf(props)}}, nil
	case strings.Contains(cypher, "SET n += $props"):
		n, ok := g.nodes[params["id"].(string)]
		if !ok {
			return &rows{}, nil
		}
		for k, v := range params["props"].(map[string]any) {
			n[k] = v
		}
		return &rows{recs: []*neo4j.Record{rowOf(n)}}, nil
	case strings.Contains(cypher, "{id: $id}) RETURN n"):
		n, ok := g.nodes[params["id"].(string)]
		if !ok {
			return &rows{}, nil
		}
		return &rows{recs: []*neo4j.Record{rowOf(n)}}, nil
	case strings.HasPrefix(cypher, "MATCH (n:Estimate)"):
		var keys []string
		for id := range g.nodes {
			keys = append(keys, id)
		}
		sort.Strings(keys)
		var out []*neo4j.Record
		for _, id := range keys {
			n := g.nodes[id]
			match := true
			for _, m := range whereRe.FindAllStringSubmatch(cypher, -1) {
				if n[m[1]] != params[m[2]] {
					match = false
				}
			}
			if match {
				out = append(out, rowOf(n))
			}
		}
		if limit := params["limit"].(int); len(out) > limit {
			out = out[:limit]
		}
		return &rows{recs: out}, nil
	}
	return nil, errors.New("graphFake: unexpected cypher " + cypher)
}

func (g *graphFake) Close(context.Context) error { return nil }

// fakeRedis implements RedisClient over a map.
type fakeRedis struct {
	mu     sync.Mutex
	kv     map[string]string
	ttl    map[string]time.Duration
	gets   int
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{kv: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.kv[key] = string(v)
	case string:
		f.kv[key] = v
	}
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}
