// Package replica is a last-writer-wins map CRDT. Every key holds the entry
// with the greatest stamp; deletes are tombstones so they win over older
// writes arriving late. Merge is commutative, associative and idempotent, so
// replicas converge whatever order diffs are delivered in.
package replica

import (
    "bytes"
    "errors"
    "fmt"
    "sort"

    "github.com/fxamacker/cbor/v2"
    "github.com/google/uuid"
)

var (
    ErrEntryTooLarge = errors.New("replica: entry too large")
    ErrCorrupt       = errors.New("replica: corrupt encoding")
)

// Stamp orders writes: Lamport clock first, writer id as tiebreak.
type Stamp struct {
    Clock uint64 `cbor:"1,keyasint"`
    Node  string `cbor:"2,keyasint"`
}

func (s Stamp) compare(o Stamp) int {
    switch {
    case s.Clock < o.Clock:
        return -1
    case s.Clock > o.Clock:
        return 1
    }
    if s.Node < o.Node { return -1 }
    if s.Node > o.Node { return 1 }
    return 0
}

// Entry is the state of one key.
type Entry struct {
    Key     string `cbor:"1,keyasint"`
    Value   []byte `cbor:"2,keyasint,omitempty"`
    Deleted bool   `cbor:"3,keyasint,omitempty"`
    Stamp   Stamp  `cbor:"4,keyasint"`
    // Op identifies the write that produced the entry.
    Op string `cbor:"5,keyasint,omitempty"`
}

// beats is a total order on entries for the same key.
func (e Entry) beats(o Entry) bool {
    if c := e.Stamp.compare(o.Stamp); c != 0 { return c > 0 }
    if e.Deleted != o.Deleted { return e.Deleted }
    if c := bytes.Compare(e.Value, o.Value); c != 0 { return c > 0 }
    return e.Op > o.Op
}

func (e Entry) same(o Entry) bool {
    return !e.beats(o) && !o.beats(e)
}

// Diff is a set of entries with at most one per key, sorted by key.
type Diff struct {
    Entries []Entry `cbor:"1,keyasint"`
}

func (d Diff) Len() int { return len(d.Entries) }

// Merge returns the join of a and b. Neither input is modified.
func Merge(a, b Diff) Diff {
    m := make(map[string]Entry, len(a.Entries)+len(b.Entries))
    for _, src := range [][]Entry{a.Entries, b.Entries} {
        for _, e := range src {
            if cur, ok := m[e.Key]; !ok || e.beats(cur) { m[e.Key] = e }
        }
    }
    return fromMap(m)
}

func fromMap(m map[string]Entry) Diff {
    out := make([]Entry, 0, len(m))
    for _, e := range m { out = append(out, e) }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return Diff{Entries: out}
}

// Equal reports whether two diffs hold the same winning entries.
func Equal(a, b Diff) bool {
    a, b = Merge(a, Diff{}), Merge(b, Diff{})
    if len(a.Entries) != len(b.Entries) { return false }
    for i := range a.Entries {
        if a.Entries[i].Key != b.Entries[i].Key || !a.Entries[i].same(b.Entries[i]) { return false }
    }
    return true
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// EncodeDiff serializes d deterministically.
func EncodeDiff(d Diff) ([]byte, error) {
    return encMode.Marshal(d)
}

func DecodeDiff(b []byte) (Diff, error) {
    var d Diff
    if err := cbor.Unmarshal(b, &d); err != nil {
        return Diff{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
    }
    return d, nil
}

// Chunk encodes d as payloads of at most limit bytes each.
func Chunk(d Diff, limit int) ([][]byte, error) {
    var out [][]byte
    var cur []Entry
    flush := func() error {
        if len(cur) == 0 { return nil }
        b, err := EncodeDiff(Diff{Entries: cur})
        if err != nil { return err }
        out = append(out, b)
        cur = nil
        return nil
    }
    for _, e := range d.Entries {
        one, err := EncodeDiff(Diff{Entries: []Entry{e}})
        if err != nil { return nil, err }
        if len(one) > limit { return nil, fmt.Errorf("%w: key %q", ErrEntryTooLarge, e.Key) }
        try, err := EncodeDiff(Diff{Entries: append(append([]Entry(nil), cur...), e)})
        if err != nil { return nil, err }
        if len(try) > limit {
            if err := flush(); err != nil { return nil, err }
        }
        cur = append(cur, e)
    }
    if err := flush(); err != nil { return nil, err }
    return out, nil
}

// EntrySize is the encoded size of e as a one-entry diff.
func EntrySize(e Entry) int {
    b, err := EncodeDiff(Diff{Entries: []Entry{e}})
    if err != nil { return -1 }
    return len(b)
}

// Document is one node's replica. It is not safe for concurrent use.
type Document struct {
    node    string
    clock   uint64
    entries map[string]Entry
    dirty   map[string]struct{}
    cursor  string
}

func New(node string) *Document {
    return &Document{node: node, entries: map[string]Entry{}, dirty: map[string]struct{}{}}
}

func (d *Document) write(e Entry) Entry {
    d.clock++
    e.Stamp = Stamp{Clock: d.clock, Node: d.node}
    e.Op = uuid.NewString()
    d.entries[e.Key] = e
    d.dirty[e.Key] = struct{}{}
    return e
}

// Set writes value under key and marks it for dissemination.
func (d *Document) Set(key string, value []byte) Entry {
    return d.write(Entry{Key: key, Value: append([]byte(nil), value...)})
}

// Delete leaves a tombstone for key.
func (d *Document) Delete(key string) Entry {
    return d.write(Entry{Key: key, Deleted: true})
}

func (d *Document) Get(key string) ([]byte, bool) {
    e, ok := d.entries[key]
    if !ok || e.Deleted { return nil, false }
    return append([]byte(nil), e.Value...), true
}

// Keys returns live keys, sorted.
func (d *Document) Keys() []string {
    var out []string
    for k, e := range d.entries {
        if !e.Deleted { out = append(out, k) }
    }
    sort.Strings(out)
    return out
}

// Len is the number of live keys.
func (d *Document) Len() int { return len(d.Keys()) }

// Size is the number of stored entries, tombstones included.
func (d *Document) Size() int { return len(d.entries) }

// Apply merges a remote diff and returns the entries that changed local
// state.
func (d *Document) Apply(diff Diff) Diff {
    changed := map[string]Entry{}
    for _, e := range diff.Entries {
        if e.Stamp.Clock > d.clock { d.clock = e.Stamp.Clock }
        if cur, ok := d.entries[e.Key]; ok && !e.beats(cur) { continue }
        d.entries[e.Key] = e
        changed[e.Key] = e
    }
    return fromMap(changed)
}

// Snapshot returns the whole document, tombstones included.
func (d *Document) Snapshot() Diff { return fromMap(d.entries) }

// TakeDirty returns local writes not yet handed out and clears the mark.
func (d *Document) TakeDirty() Diff {
    m := make(map[string]Entry, len(d.dirty))
    for k := range d.dirty {
        if e, ok := d.entries[k]; ok { m[k] = e }
    }
    d.dirty = map[string]struct{}{}
    return fromMap(m)
}

// Page returns up to limit entries after the previous page, wrapping
// around, so that repeated calls cover the whole document.
func (d *Document) Page(limit int) Diff {
    if limit <= 0 || len(d.entries) == 0 { return Diff{} }
    keys := make([]string, 0, len(d.entries))
    for k := range d.entries { keys = append(keys, k) }
    sort.Strings(keys)
    i := sort.SearchStrings(keys, d.cursor)
    if i < len(keys) && keys[i] == d.cursor { i++ }
    var out []Entry
    for n := 0; n < limit && n < len(keys); n++ {
        if i >= len(keys) { i = 0 }
        out = append(out, d.entries[keys[i]])
        d.cursor = keys[i]
        i++
    }
    return Diff{Entries: out}
}

// Save encodes the whole document with its clock.
func (d *Document) Save() ([]byte, error) {
    return encMode.Marshal(saved{Clock: d.clock, Diff: d.Snapshot()})
}

// Load restores a document saved by Save. Restored entries are not dirty.
func Load(node string, b []byte) (*Document, error) {
    var s saved
    if err := cbor.Unmarshal(b, &s); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
    }
    d := New(node)
    d.Apply(s.Diff)
    if s.Clock > d.clock { d.clock = s.Clock }
    return d, nil
}

type saved struct {
    Clock uint64 `cbor:"1,keyasint"`
    Diff  Diff   `cbor:"2,keyasint"`
}
