package storage

import "fmt"

// NetworkFSError reports a database directory on a network filesystem, where
// SQLite's file locking cannot be trusted.
type NetworkFSError struct {
	Dir    string
	FSType string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("storage: %s is on network filesystem %s; sqlite needs a local disk", e.Dir, e.FSType)
}

// fsProbe names the filesystem holding dir and reports whether it is remote.
// An empty name with a nil error means the platform cannot tell.
type fsProbe func(dir string) (name string, remote bool, err error)

func checkLocalDir(dir string) error {
	return checkLocalDirWith(dir, probeFilesystem)
}

func checkLocalDirWith(dir string, probe fsProbe) error {
	name, remote, err := probe(dir)
	if err != nil {
		return fmt.Errorf("storage: inspect filesystem of %s: %w", dir, err)
	}
	if remote {
		return &NetworkFSError{Dir: dir, FSType: name}
	}
	return nil
}
