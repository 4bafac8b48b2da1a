// Package identity implements the Workbook Identity Resolver (C1): it
// canonicalises any of {WorkbookId, alias, absolute path, workspace-relative
// path} to a single WorkbookId, or fails with a typed error.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sheetmcp/forkcore"
)

// idShape matches the canonical string form of a forkcore.UUID.
var idShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// aliasShape matches the configured identifier character class: letters,
// digits, dash, underscore, 1-128 chars.
var aliasShape = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Resolver translates references to canonical WorkbookIds and owns the
// alias/path registries backing that resolution.
type Resolver struct {
	workspaceRoot     string
	allowedExtensions map[string]struct{}

	mu        sync.RWMutex
	byAlias   map[string]forkcore.WorkbookId
	aliasOf   map[forkcore.WorkbookId]string
	byPath    map[string]forkcore.WorkbookId
	pathOf    map[forkcore.WorkbookId]string
	byID      map[forkcore.WorkbookId]struct{}
}

// NewResolver constructs a Resolver jailed to workspaceRoot, accepting only
// files whose extension (without the leading dot) is in allowedExtensions.
func NewResolver(workspaceRoot string, allowedExtensions []string) (*Resolver, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("identity: resolving workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, e := range allowedExtensions {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return &Resolver{
		workspaceRoot:     root,
		allowedExtensions: exts,
		byAlias:           make(map[string]forkcore.WorkbookId),
		aliasOf:           make(map[forkcore.WorkbookId]string),
		byPath:            make(map[string]forkcore.WorkbookId),
		pathOf:            make(map[forkcore.WorkbookId]string),
		byID:              make(map[forkcore.WorkbookId]struct{}),
	}, nil
}

// Resolve translates ref (an ID-shaped string, an alias, or a path) to a
// canonical WorkbookId. Lookups are read-only; ID-shape is tried first, then
// the alias map, then path canonicalisation plus the path map. An
// alias-shaped ref with no alias entry is NotFound: it has no extension, so
// it cannot name a registered path.
func (r *Resolver) Resolve(ref string) (forkcore.WorkbookId, error) {
	if idShape.MatchString(ref) {
		id, err := forkcore.ParseUUID(ref)
		if err != nil {
			return forkcore.WorkbookId{}, forkcore.NewError(forkcore.NotFound, err, ref)
		}
		wid := forkcore.WorkbookId(id)

		r.mu.RLock()
		_, aliasCollision := r.byAlias[ref]
		_, known := r.byID[wid]
		r.mu.RUnlock()

		if aliasCollision {
			return forkcore.WorkbookId{}, forkcore.NewError(forkcore.Ambiguous,
				fmt.Errorf("%q is both ID-shaped and a registered alias", ref), ref)
		}
		if !known {
			return forkcore.WorkbookId{}, forkcore.NewError(forkcore.NotFound,
				fmt.Errorf("no workbook registered with id %q", ref), ref)
		}
		return wid, nil
	}

	r.mu.RLock()
	if wid, ok := r.byAlias[ref]; ok {
		r.mu.RUnlock()
		return wid, nil
	}
	r.mu.RUnlock()
	if aliasShape.MatchString(ref) {
		return forkcore.WorkbookId{}, forkcore.NewError(forkcore.NotFound,
			fmt.Errorf("no workbook registered with alias %q", ref), ref)
	}

	canon, err := r.canonicalizePath(ref)
	if err != nil {
		return forkcore.WorkbookId{}, err
	}
	r.mu.RLock()
	wid, ok := r.byPath[canon]
	r.mu.RUnlock()
	if !ok {
		return forkcore.WorkbookId{}, forkcore.NewError(forkcore.NotFound,
			fmt.Errorf("no workbook registered for path %q", canon), ref)
	}
	return wid, nil
}

// RegisterLocation creates the canonical WorkbookId for path on first sight;
// it is idempotent for a path that is already registered.
func (r *Resolver) RegisterLocation(path string) (forkcore.WorkbookId, error) {
	canon, err := r.canonicalizePath(path)
	if err != nil {
		return forkcore.WorkbookId{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if wid, ok := r.byPath[canon]; ok {
		return wid, nil
	}
	wid := forkcore.NewWorkbookId()
	r.byPath[canon] = wid
	r.pathOf[wid] = canon
	r.byID[wid] = struct{}{}
	return wid, nil
}

// PathOf returns the canonical path registered for id, if any.
func (r *Resolver) PathOf(id forkcore.WorkbookId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pathOf[id]
	return p, ok
}

// SetAlias binds alias to id. Fails with AliasInUse if alias is already
// bound to a different WorkbookId (aliases are unique keys at any instant).
func (r *Resolver) SetAlias(id forkcore.WorkbookId, alias string) error {
	if !aliasShape.MatchString(alias) {
		return forkcore.NewError(forkcore.AliasInUse, fmt.Errorf("alias %q does not match the allowed character class", alias), alias)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAlias[alias]; ok && existing != id {
		return forkcore.NewError(forkcore.AliasInUse, fmt.Errorf("alias %q already bound to %s", alias, existing), alias)
	}
	if prev, ok := r.aliasOf[id]; ok && prev != alias {
		delete(r.byAlias, prev)
	}
	r.byAlias[alias] = id
	r.aliasOf[id] = alias
	return nil
}

// Entry describes one known workbook for listing purposes.
type Entry struct {
	Id    forkcore.WorkbookId
	Alias string
	Path  string
}

// List returns every registered workbook, each with its alias (if any) and
// canonical path.
func (r *Resolver) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.byID))
	for id := range r.byID {
		entries = append(entries, Entry{Id: id, Alias: r.aliasOf[id], Path: r.pathOf[id]})
	}
	return entries
}

// canonicalizePath resolves path to an absolute, symlink-free form, verifies
// it stays inside the workspace root, and checks its extension against the
// allow-list.
//
// The workspace-jail check runs twice: once lexically against the cleaned
// absolute path (so a literal ".." traversal is rejected even for a path
// that does not exist on disk yet), and again after filepath.EvalSymlinks
// resolves the path's target. The second check is the one that matters for
// safety - a symlink that lives inside workspace_root but whose target
// points outside it would pass the first, lexical check, since that check
// only ever sees the symlink's own in-workspace path. Resolving the
// symlink's target before the second check is what actually jails lookups
// to the workspace root against symlink indirection, not just literal ".."
// segments.
func (r *Resolver) canonicalizePath(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.workspaceRoot, abs)
	}
	abs = filepath.Clean(abs)

	if escaped, err := r.escapesWorkspace(abs); err != nil {
		return "", err
	} else if escaped {
		return "", forkcore.NewError(forkcore.PathEscapesWorkspace,
			fmt.Errorf("path %q escapes workspace root %q", path, r.workspaceRoot), path)
	}

	resolved := abs
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = target
	} else if !os.IsNotExist(err) {
		return "", forkcore.NewError(forkcore.IoError,
			fmt.Errorf("resolving symlinks for %q: %w", path, err), path)
	}

	if escaped, err := r.escapesWorkspace(resolved); err != nil {
		return "", err
	} else if escaped {
		return "", forkcore.NewError(forkcore.PathEscapesWorkspace,
			fmt.Errorf("path %q resolves through a symlink to a target outside workspace root %q", path, r.workspaceRoot), path)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(resolved), "."))
	if _, ok := r.allowedExtensions[ext]; !ok {
		return "", forkcore.NewError(forkcore.UnsupportedExtension,
			fmt.Errorf("extension %q not in allow-list for %q", ext, path), path)
	}
	return resolved, nil
}

// escapesWorkspace reports whether candidate (already absolute) falls
// outside r.workspaceRoot.
func (r *Resolver) escapesWorkspace(candidate string) (bool, error) {
	rel, err := filepath.Rel(r.workspaceRoot, candidate)
	if err != nil {
		return false, forkcore.NewError(forkcore.PathEscapesWorkspace, err, candidate)
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
