// Package forkcore defines the shared identities, error taxonomy, configuration,
// retry policy, and collaborator interfaces used across the fork & workbook
// concurrency core of a spreadsheet MCP server.
//
// Concrete subsystems live in subpackages: identity (reference resolution),
// workbookcache (bounded LRU of parsed workbooks), recalc (the process-wide
// recalculation gate), fork (the fork registry, checkpoints, and staged
// changes), raii (scoped cleanup guards), audit (the append-only audit
// trail), fsio (retrying filesystem primitives), and rpc (the externally
// facing method table). This package is the foundation the others build on;
// it is not meant to be used standalone.
package forkcore
