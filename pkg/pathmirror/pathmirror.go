// Package pathmirror keeps target directory trees identical to their source
// trees, one way, from source to target.
//
// A Reconciler first brings every include pair up to date by walking the
// source and copying whatever is missing or stale. Afterwards the Router
// applies single change events as they arrive from a watcher. Both share one
// Copier and one immutable set of Tables.
//
// Two spellings of every path flow through the package. A key is the
// normalized, case-folded form used for all comparisons (exclusion checks and
// include resolution). A canonical path keeps the original case and is the
// form handed to the filesystem. Normalization never changes the rune count,
// so a suffix cut from a key by rune count can be cut from its canonical
// twin as well.
package pathmirror
