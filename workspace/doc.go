// Package workspace manages per-request scratch directories.
//
// Every request gets its own directory under the configured root, named
// after a freshly generated UUID and created with an exclusive mkdir, so two
// concurrent requests can never share storage. Directories are removed on
// release; release is idempotent and safe after a partial acquisition.
//
// Usage:
//
//	mgr, err := workspace.NewManager(logger, "/var/lib/cppbox")
//	err = mgr.WithWorkspace(func(ws *workspace.Workspace) error {
//	    return mgr.WriteSource(ws, "main.cpp", code)
//	})
package workspace
