// Package dictionary resolves opaque world state identifiers (node ids,
// mission type codes, store item paths) to human readable names.
//
// Tables are JSON objects keyed by identifier. A value is either the name
// itself or an object carrying the name in "value" (the format used by the
// community world state data dumps). Embedded defaults are loaded first;
// files in an optional directory override them table by table.
package dictionary

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

//go:embed defaults/*.json
var defaults embed.FS

// Table names chosen by the identifier heuristics.
const (
	TableNodes     = "nodes"
	TableMissions  = "missionTypes"
	TableModifiers = "fissureModifiers"
	TableFactions  = "factions"
	TableItems     = "items"
)

type table map[string]string

type tables map[string]table

// Resolver translates identifiers using an atomically swapped cache.
type Resolver struct {
	dir   string
	log   *slog.Logger
	cache atomic.Pointer[tables]
}

// New creates a Resolver reading overrides from dir. An empty dir means only
// the embedded defaults are used. Load must be called before Resolve returns
// anything but the identifiers themselves.
func New(dir string, log *slog.Logger) *Resolver {
	r := &Resolver{dir: dir, log: log}
	empty := tables{}
	r.cache.Store(&empty)
	return r
}

// Load reads every table and swaps the cache. On error the previous cache is
// kept.
func (r *Resolver) Load(ctx context.Context) error {
	files, err := r.sources()
	if err != nil {
		return err
	}

	loaded := make([]table, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := readTable(src.fsys, src.path)
			if err != nil {
				return fmt.Errorf("load table %s: %w", src.path, err)
			}
			loaded[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	next := make(tables)
	for i, src := range files {
		if next[src.name] == nil {
			next[src.name] = make(table)
		}
		for k, v := range loaded[i] {
			next[src.name][k] = v
		}
	}
	r.cache.Store(&next)

	r.log.Info("dictionary loaded", "tables", len(next), "dir", r.dir)
	return nil
}

// Reload is Load under the name used by the refresh signal handler.
func (r *Resolver) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// Resolve returns the display name for id, or id itself when no table knows it.
func (r *Resolver) Resolve(id string) string {
	if id == "" {
		return ""
	}
	ts := *r.cache.Load()

	if name, ok := tableFor(id); ok {
		if v, found := lookup(ts[name], name, id); found {
			return v
		}
	}

	names := make([]string, 0, len(ts))
	for name := range ts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, found := lookup(ts[name], name, id); found {
			return v
		}
	}
	return id
}

// tableFor picks a table from the shape of the identifier.
func tableFor(id string) (string, bool) {
	switch {
	case strings.HasPrefix(id, "SolNode"),
		strings.HasPrefix(id, "ClanNode"),
		strings.HasPrefix(id, "SettlementNode"),
		strings.HasPrefix(id, "CrewBattleNode"):
		return TableNodes, true
	case strings.HasPrefix(id, "MT_"):
		return TableMissions, true
	case strings.HasPrefix(id, "VoidT"), strings.HasPrefix(id, "VoidStorm"):
		return TableModifiers, true
	case strings.HasPrefix(id, "FC_"):
		return TableFactions, true
	case strings.HasPrefix(id, "/Lotus/"):
		return TableItems, true
	}
	return "", false
}

func lookup(t table, name, id string) (string, bool) {
	if t == nil {
		return "", false
	}
	if name == TableItems {
		id = strings.ToLower(id)
	}
	v, ok := t[id]
	return v, ok
}

type source struct {
	fsys fs.FS
	path string
	name string
}

func (r *Resolver) sources() ([]source, error) {
	var out []source

	embedded, err := fs.Glob(defaults, "defaults/*.json")
	if err != nil {
		return nil, fmt.Errorf("list embedded tables: %w", err)
	}
	for _, p := range embedded {
		out = append(out, source{fsys: defaults, path: p, name: tableName(p)})
	}

	if r.dir == "" {
		return out, nil
	}
	dirFS := os.DirFS(r.dir)
	extra, err := fs.Glob(dirFS, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", r.dir, err)
	}
	for _, p := range extra {
		out = append(out, source{fsys: dirFS, path: p, name: tableName(p)})
	}
	return out, nil
}

func tableName(p string) string {
	return strings.TrimSuffix(path.Base(p), ".json")
}

func readTable(fsys fs.FS, p string) (table, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	lowerKeys := tableName(p) == TableItems
	t := make(table, len(raw))
	for k, v := range raw {
		name, ok := decodeName(v)
		if !ok {
			continue
		}
		if lowerKeys {
			k = strings.ToLower(k)
		}
		t[k] = name
	}
	return t, nil
}

func decodeName(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, s != ""
	}
	var obj struct {
		Value string `json:"value"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(v, &obj); err != nil {
		return "", false
	}
	if obj.Value != "" {
		return obj.Value, true
	}
	return obj.Name, obj.Name != ""
}
