// Package syncserver pushes merged sketch sources to connected reload clients.
//
// # Protocol
//
// A client connects over TCP and sends one line: a JSON array of file paths
// relative to the server's project directory. The server watches those files
// and immediately answers with the merged unit of the whole list. From then on
// every change to any file in the list produces a new push of the whole list.
// Anything else the client sends is read and discarded; the read side only
// exists to notice the disconnect.
//
// # Concurrency
//
// A single mutex guards the session table, every session's file list, the
// watch registry and the broadcast. Broadcasts are therefore serialized and a
// session is never written to concurrently. Merges happen while the lock is
// held, so a locked file delays other broadcasts by at most the merge retry
// budget.
//
// # Lifecycle
//
//	srv := syncserver.New(syncserver.Options{Addr: ":12345"})
//	if err := srv.Start("/path/to/project"); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// The watch registry lives from Start to Stop. Restart and
// ChangeProjectDirectory drop every session; clients reconnect on their own.
package syncserver
