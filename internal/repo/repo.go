package repo

import "errors"

// ErrNotFound is returned by all repositories when the requested row does not
// exist. Service code matches it with errors.Is and maps it onto the caller
// facing error taxonomy.
var ErrNotFound = errors.New("not found")
